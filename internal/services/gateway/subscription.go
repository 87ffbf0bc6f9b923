package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/killallgit/somleng/internal/backend"
)

// subscription guards one change-feed stream. Events that arrive after
// dispose are dropped, and a failing handler never tears the stream down.
type subscription struct {
	name   string
	alive  atomic.Bool
	once   sync.Once
	closer io.Closer
	logger zerolog.Logger
}

func newSubscription(name string, logger zerolog.Logger) *subscription {
	s := &subscription{
		name:   name,
		logger: logger.With().Str("subscription", name).Logger(),
	}
	s.alive.Store(true)
	return s
}

// deliver runs handle for one event unless the subscription was disposed
func (s *subscription) deliver(event backend.ChangeEvent, handle func(backend.ChangeEvent) error) {
	if !s.alive.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("event", string(event.Type)).
				Interface("panic", r).
				Msg("Change handler panicked, event dropped")
		}
	}()

	if err := handle(event); err != nil {
		s.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Dropping malformed change event")
	}
}

// dispose closes the underlying stream exactly once
func (s *subscription) dispose() {
	s.once.Do(func() {
		s.alive.Store(false)
		if s.closer == nil {
			return
		}
		if err := s.closer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close subscription")
		}
	})
}

type rowID struct {
	ID string `json:"id"`
}

// deletedID pulls the row id out of a delete event
func deletedID(event backend.ChangeEvent) (string, error) {
	raw := event.OldRecord
	if len(raw) == 0 {
		raw = event.Record
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("delete event without a record")
	}

	var row rowID
	if err := json.Unmarshal(raw, &row); err != nil {
		return "", fmt.Errorf("decoding deleted row: %w", err)
	}
	if row.ID == "" {
		return "", fmt.Errorf("delete event without an id")
	}
	return row.ID, nil
}

// decodeRecord decodes the new row of an insert or update event
func decodeRecord(event backend.ChangeEvent, into any) error {
	if len(event.Record) == 0 {
		return fmt.Errorf("%s event without a record", event.Type)
	}
	if err := json.Unmarshal(event.Record, into); err != nil {
		return fmt.Errorf("decoding %s record: %w", event.Table, err)
	}
	return nil
}
