//nolint:revive // types is a common Go package naming convention
package types

import "time"

// DecodedEvent is one record yielded by an EventDecoder: a decoded entry
// from a binary event-log (tfevents) file.
type DecodedEvent struct {
	// WallTime is the event's wall-clock timestamp, used as the priority
	// queue ordering key.
	WallTime float64
	// Step is the training step the event belongs to.
	Step int64
	// FileVersion is set when the event-log file carries a version marker.
	FileVersion *int32
	// Summary is the scalar payload, present only on summary events.
	// Nil events are observed but never enqueued.
	Summary map[string]float64
}

// TBEvent is a DecodedEvent bound to the namespace of the logdir it was
// read from, with the time it was placed on the priority queue. This is
// the priority-queue item ordered by WallTime ascending.
type TBEvent struct {
	Event     DecodedEvent
	Namespace string
	CreatedAt time.Time
}

// WallTime implements the priority ordering key used by events.PriorityQueue.
func (t *TBEvent) WallTime() float64 {
	return t.Event.WallTime
}
