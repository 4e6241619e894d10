package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	googleoauth "golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/recurrence"
)

// Private extended property keys used to round-trip fields Google has no
// slot for.
const (
	propType       = "calendar_agents_type"
	propSubject    = "calendar_agents_subject"
	propMetaPrefix = "meta."
)

// Google accepts 5 to 1024 base32hex characters. RE2 caps repeat counts at
// 1000, so the length is checked separately.
var googleIDRe = regexp.MustCompile(`^[a-v0-9]+$`)

const (
	googleIDMin = 5
	googleIDMax = 1024
)

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	// CredentialsFile is a service account or authorized user JSON file.
	CredentialsFile string
	// APIKey gives read-only access to public calendars.
	APIKey     string
	CalendarID string
	Timezone   string
}

// GoogleProvider stores events in a Google Calendar.
type GoogleProvider struct {
	svc        *gcal.Service
	calendarID string
	timezone   string
}

// NewGoogleProvider creates a provider from cfg.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	var opts []option.ClientOption
	switch {
	case cfg.CredentialsFile != "":
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read google credentials: %w", err)
		}
		creds, err := googleoauth.CredentialsFromJSON(ctx, data, gcal.CalendarScope)
		if err != nil {
			return nil, fmt.Errorf("parse google credentials: %w", err)
		}
		opts = append(opts, option.WithTokenSource(creds.TokenSource))
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	default:
		return nil, fmt.Errorf("google calendar needs a credentials file or an API key")
	}

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return NewGoogleProviderWithService(svc, cfg.CalendarID, cfg.Timezone), nil
}

// NewGoogleProviderWithService wraps an existing service.
func NewGoogleProviderWithService(svc *gcal.Service, calendarID, timezone string) *GoogleProvider {
	if calendarID == "" {
		calendarID = "primary"
	}
	if timezone == "" {
		timezone = "UTC"
	}
	return &GoogleProvider{svc: svc, calendarID: calendarID, timezone: timezone}
}

// Name returns the provider name.
func (p *GoogleProvider) Name() string {
	return "google"
}

// ListEvents returns events intersecting window. Series whose rule is not a
// supported weekly cadence come back as their individual instances.
func (p *GoogleProvider) ListEvents(ctx context.Context, window model.TimeRange) ([]model.Event, error) {
	call := p.svc.Events.List(p.calendarID).
		TimeMin(window.Start.Format(time.RFC3339)).
		TimeMax(window.End.Format(time.RFC3339)).
		SingleEvents(false).
		ShowDeleted(false)

	out := make([]model.Event, 0)
	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			e, ok := fromGoogle(item)
			if ok {
				out = append(out, e)
				continue
			}
			if len(item.Recurrence) == 0 {
				continue
			}
			instances, err := p.instances(ctx, item.Id, window)
			if err != nil {
				return err
			}
			out = append(out, instances...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	sortEvents(out)
	return out, nil
}

func (p *GoogleProvider) instances(ctx context.Context, id string, window model.TimeRange) ([]model.Event, error) {
	var out []model.Event
	err := p.svc.Events.Instances(p.calendarID, id).
		TimeMin(window.Start.Format(time.RFC3339)).
		TimeMax(window.End.Format(time.RFC3339)).
		Pages(ctx, func(page *gcal.Events) error {
			for _, item := range page.Items {
				item.Recurrence = nil
				if e, ok := fromGoogle(item); ok {
					out = append(out, e)
				}
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances of %s: %w", id, err)
	}
	return out, nil
}

// CreateEvents inserts events. Ids that Google accepts are kept; others are
// replaced by the id Google assigns.
func (p *GoogleProvider) CreateEvents(ctx context.Context, events []model.Event) []CreateResult {
	out := make([]CreateResult, 0, len(events))
	var failed error
	for _, e := range events {
		if failed != nil {
			out = append(out, CreateResult{Event: e, Err: ErrSkipped})
			continue
		}
		created, err := p.svc.Events.Insert(p.calendarID, p.toGoogle(e)).Context(ctx).Do()
		if err != nil {
			failed = fmt.Errorf("failed to create event: %w", err)
			out = append(out, CreateResult{Event: e, Err: failed})
			continue
		}
		e.ID = created.Id
		out = append(out, CreateResult{Event: e})
	}
	return out
}

// DeleteEvents deletes events by id.
func (p *GoogleProvider) DeleteEvents(ctx context.Context, ids []string) []DeleteResult {
	out := make([]DeleteResult, 0, len(ids))
	var failed error
	for _, id := range ids {
		if failed != nil {
			out = append(out, DeleteResult{ID: id, Err: ErrSkipped})
			continue
		}
		if err := p.svc.Events.Delete(p.calendarID, id).Context(ctx).Do(); err != nil {
			failed = fmt.Errorf("failed to delete event: %w", err)
			out = append(out, DeleteResult{ID: id, Err: failed})
			continue
		}
		out = append(out, DeleteResult{ID: id})
	}
	return out
}

// RestoreEvents brings deleted events back. Google keeps a deleted event as a
// cancelled entry and rejects inserts that reuse its id, so the entry is
// rewritten with its original fields and a confirmed status.
func (p *GoogleProvider) RestoreEvents(ctx context.Context, events []model.Event) []CreateResult {
	out := make([]CreateResult, 0, len(events))
	var failed error
	for _, e := range events {
		if failed != nil {
			out = append(out, CreateResult{Event: e, Err: ErrSkipped})
			continue
		}
		ev := p.toGoogle(e)
		ev.Id = e.ID
		ev.Status = "confirmed"
		restored, err := p.svc.Events.Update(p.calendarID, e.ID, ev).Context(ctx).Do()
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			// Purged entries can only be inserted again.
			ev.Id = googleID(e.ID)
			restored, err = p.svc.Events.Insert(p.calendarID, ev).Context(ctx).Do()
		}
		if err != nil {
			failed = fmt.Errorf("failed to restore event: %w", err)
			out = append(out, CreateResult{Event: e, Err: failed})
			continue
		}
		e.ID = restored.Id
		out = append(out, CreateResult{Event: e})
	}
	return out
}

// googleID maps an id onto Google's base32hex alphabet, or "" to let Google
// choose.
func googleID(id string) string {
	id = strings.ToLower(strings.ReplaceAll(id, "-", ""))
	if len(id) < googleIDMin || len(id) > googleIDMax || !googleIDRe.MatchString(id) {
		return ""
	}
	return id
}

func (p *GoogleProvider) toGoogle(e model.Event) *gcal.Event {
	ev := &gcal.Event{
		Id:       googleID(e.ID),
		Summary:  e.Title,
		Location: e.Location,
		Start: &gcal.EventDateTime{
			DateTime: e.Start.Format(time.RFC3339),
			TimeZone: p.timezone,
		},
		End: &gcal.EventDateTime{
			DateTime: e.End.Format(time.RFC3339),
			TimeZone: p.timezone,
		},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{
				propType:    string(e.Type),
				propSubject: e.Subject,
			},
		},
	}
	for k, v := range e.Metadata {
		ev.ExtendedProperties.Private[propMetaPrefix+k] = v
	}
	if rule := recurrence.RRule(e); rule != "" {
		ev.Recurrence = []string{"RRULE:" + rule}
	}
	return ev
}

// fromGoogle converts a Google event. It reports false for timed series whose
// recurrence cannot be represented, and for all-day events.
func fromGoogle(item *gcal.Event) (model.Event, bool) {
	if item.Start == nil || item.End == nil || item.Start.DateTime == "" || item.End.DateTime == "" {
		return model.Event{}, false
	}
	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return model.Event{}, false
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		return model.Event{}, false
	}
	if loc, err := time.LoadLocation(item.Start.TimeZone); err == nil && item.Start.TimeZone != "" {
		start, end = start.In(loc), end.In(loc)
	}

	e := model.Event{
		ID:       item.Id,
		Title:    item.Summary,
		Start:    start,
		End:      end,
		Location: item.Location,
		Type:     model.EventTypeOther,
	}
	if item.ExtendedProperties != nil {
		for k, v := range item.ExtendedProperties.Private {
			switch {
			case k == propType:
				e.Type = model.ParseEventType(v)
			case k == propSubject:
				e.Subject = v
			case strings.HasPrefix(k, propMetaPrefix):
				if e.Metadata == nil {
					e.Metadata = make(map[string]string)
				}
				e.Metadata[strings.TrimPrefix(k, propMetaPrefix)] = v
			}
		}
	}

	for _, line := range item.Recurrence {
		if !strings.HasPrefix(line, "RRULE:") {
			// EXDATE and RDATE lines change the instance set.
			return model.Event{}, false
		}
		r, err := recurrence.Parse(line)
		if err != nil {
			return model.Event{}, false
		}
		e.Recurrence = r
	}
	return e, true
}
