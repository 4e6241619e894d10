package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
)

var requiredFields = []string{
	"protocol_version",
	"message_id",
	"timestamp",
	"sender",
	"recipient",
	"message_type",
	"payload",
	"conversation_id",
	"correlation_id",
}

// Marshal encodes an envelope in wire form.
func Marshal(env model.Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Parse decodes one wire envelope. A missing required field is a protocol
// error for this message.
func Parse(data []byte) (model.Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return model.Envelope{}, fmt.Errorf("%w: %v", model.ErrProtocol, err)
	}
	for _, name := range requiredFields {
		raw, ok := fields[name]
		if !ok || bytes.Equal(raw, []byte("null")) {
			return model.Envelope{}, fmt.Errorf("%w: envelope missing %s", model.ErrProtocol, name)
		}
	}

	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Envelope{}, fmt.Errorf("%w: %v", model.ErrProtocol, err)
	}
	if err := env.Validate(); err != nil {
		return model.Envelope{}, err
	}
	return env, nil
}

// ParseLines decodes newline-delimited envelopes. A bad line yields its error
// and parsing continues with the next line.
func ParseLines(r io.Reader) iter.Seq2[model.Envelope, error] {
	return func(yield func(model.Envelope, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			if !yield(Parse(line)) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(model.Envelope{}, fmt.Errorf("read envelopes: %w", err))
		}
	}
}
