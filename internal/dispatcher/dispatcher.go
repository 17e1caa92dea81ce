// Package dispatcher delivers job transition events to webhooks
// asynchronously, with buffering, retry and per-host circuit breaking.
package dispatcher

import (
	"context"
	"errors"

	"simjobs/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the buffer is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	ErrClosed     = errors.New("dispatcher is closed")
)

type Dispatcher interface {
	// Dispatch queues an event without blocking.
	Dispatch(event *Event) error
	Stats() Stats
	// Close stops accepting events and delivers what is queued until ctx ends.
	Close(ctx context.Context) error
}

type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string
	SigningKey  string // empty disables signing
	Requeues    int
}

type Stats struct {
	QueueDepth    int   `json:"queue_depth"`
	Queued        int64 `json:"queued"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`
	Dropped       int64 `json:"dropped"`
	Requeued      int64 `json:"requeued"`
	Retries       int64 `json:"retries"`
	BreakersTotal int   `json:"breakers_total"`
	BreakersOpen  int   `json:"breakers_open"`
}
