package calendar

import (
	"context"
	"fmt"
)

// Kinds accepted by Open.
const (
	KindMemory   = "memory"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindGoogle   = "google"
)

// OpenConfig selects and configures a provider.
type OpenConfig struct {
	Kind   string
	DSN    string
	Google GoogleConfig
}

// Open creates the provider named by cfg.Kind. The returned close function
// releases its resources and is never nil.
func Open(ctx context.Context, cfg OpenConfig) (Provider, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Kind {
	case KindMemory, "":
		return NewMemoryProvider(), noop, nil
	case KindSQLite:
		s, err := OpenSQLStore(ctx, "sqlite3", cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case KindPostgres:
		s, err := OpenSQLStore(ctx, "postgres", cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case KindGoogle:
		p, err := NewGoogleProvider(ctx, cfg.Google)
		if err != nil {
			return nil, noop, err
		}
		return p, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown calendar provider %q", cfg.Kind)
	}
}
