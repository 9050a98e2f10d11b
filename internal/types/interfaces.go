package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// EventSink receives classified security events for delivery to an
// external channel (webhook, queue). Delivery failures are the sink's
// problem; callers log and move on.
type EventSink interface {
	Publish(ctx context.Context, event *SecurityEvent) error
}
