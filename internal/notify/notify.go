// Package notify distributes bundle activation events to registered
// subscribers. The lifecycle service fires events after the activation is
// committed, so subscribers observe only state that is durable.
package notify

import (
	"context"
	"fmt"

	"github.com/keithlinneman/lms-bundles/internal/bundle"
	"github.com/keithlinneman/lms-bundles/internal/log"
)

// Fanout delivers each event to every subscriber in registration order. A
// panicking subscriber is logged and skipped; later subscribers still run.
type Fanout struct {
	subs   []bundle.Notifier
	logger log.Logger
}

func NewFanout(logger log.Logger, subs ...bundle.Notifier) *Fanout {
	if logger == nil {
		logger = log.Nop()
	}
	return &Fanout{
		subs:   subs,
		logger: logger.With("component", "notify_fanout"),
	}
}

// Subscribe registers another subscriber. Not safe to call after the fanout
// is handed to the service.
func (f *Fanout) Subscribe(sub bundle.Notifier) {
	f.subs = append(f.subs, sub)
}

func (f *Fanout) BundleActivated(ctx context.Context, ev bundle.ActivationEvent) {
	for _, sub := range f.subs {
		f.deliver(ctx, sub, ev)
	}
}

func (f *Fanout) deliver(ctx context.Context, sub bundle.Notifier, ev bundle.ActivationEvent) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error(ctx, fmt.Errorf("subscriber panic: %v", r),
				"activation subscriber panicked, continuing",
				"bundle_id", ev.BundleID)
		}
	}()
	sub.BundleActivated(ctx, ev)
}

// LogSubscriber records every activation as a structured log line.
type LogSubscriber struct {
	logger log.Logger
}

func NewLogSubscriber(logger log.Logger) *LogSubscriber {
	if logger == nil {
		logger = log.Nop()
	}
	return &LogSubscriber{logger: logger.With("component", "activation_log")}
}

func (s *LogSubscriber) BundleActivated(ctx context.Context, ev bundle.ActivationEvent) {
	s.logger.Info(ctx, "bundle activated",
		"bundle_id", ev.BundleID,
		"content_unit_id", ev.ContentUnit.ID,
		"content_unit_kind", ev.ContentUnit.Kind,
		"version", ev.Version,
		"occurred_at", ev.OccurredAt)
}

// Recorder is a test subscriber that remembers the events it saw.
type Recorder struct {
	Events []bundle.ActivationEvent
}

func (r *Recorder) BundleActivated(_ context.Context, ev bundle.ActivationEvent) {
	r.Events = append(r.Events, ev)
}
