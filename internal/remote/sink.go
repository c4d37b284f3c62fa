// Package remote delivers kiosk events to the remote stores: a Redis
// stream for the real-time dashboard and an optional usage spreadsheet.
package remote

import (
	"context"
	"errors"
	"log/slog"

	"cleanhelmet/internal/store"
)

// Sink accepts events for remote storage. Deliver must be safe to retry:
// consumers deduplicate on the item ID.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, item store.SyncItem) error
}

// Fanout delivers to every sink and fails if any of them fails.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout combines sinks. Nil sinks are skipped.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger.With(slog.String("component", "remote_fanout"))}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Name() string { return "fanout" }

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Deliver(ctx context.Context, item store.SyncItem) error {
	if len(f.sinks) == 0 {
		return ErrNoSink
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Deliver(ctx, item); err != nil {
			f.logger.WarnContext(ctx, "remote delivery failed",
				slog.String("sink", s.Name()),
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrNoSink is returned when no remote store is configured.
var ErrNoSink = errors.New("no remote sink configured")
