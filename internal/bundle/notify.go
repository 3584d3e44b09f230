package bundle

import (
	"context"
	"time"
)

// ActivationEvent describes a bundle becoming the active one for its
// content unit.
type ActivationEvent struct {
	BundleID    string
	ContentUnit ContentUnitRef
	Version     int
	OccurredAt  time.Time
}

// Notifier receives lifecycle notifications. The Service calls it after
// the activation has committed, never inside the unit of work, so
// subscribers observe final state. Implementations must tolerate
// concurrent calls.
type Notifier interface {
	BundleActivated(ctx context.Context, ev ActivationEvent)
}

type nopNotifier struct{}

func (nopNotifier) BundleActivated(context.Context, ActivationEvent) {}
