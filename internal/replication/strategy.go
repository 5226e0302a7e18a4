package replication

import (
	"context"
	"sync/atomic"

	"github.com/syncstore/syncstore/internal/eventbus"
)

// Strategy is the capability set shared by PullStrategy and PushStrategy,
// per §9 "Replication strategies share a common capability set
// {run, cancel, counters, eventBus}".
type Strategy interface {
	Run(ctx context.Context) error
	Cancel()
	EventBus() *eventbus.Bus
	DocumentCounter() int64
	BatchCounter() int64
	Terminated() <-chan struct{}
}

// Config carries the enumerated replication settings from §6.
type Config struct {
	ChangeLimitPerBatch  int
	InsertBatchSize      int
	PullAttachmentsInline bool
	Retry                RetryPolicy
}

// DefaultConfig matches the defaults enumerated in §6.
func DefaultConfig() Config {
	return Config{
		ChangeLimitPerBatch:   1000,
		InsertBatchSize:       100,
		PullAttachmentsInline: false,
		Retry:                 DefaultRetryPolicy(),
	}
}

// counters is embedded by both strategies for the shared counter/cancel/
// terminated-channel machinery.
type counters struct {
	docCount   atomic.Int64
	batchCount atomic.Int64
	cancelled  atomic.Bool
	terminated chan struct{}
	bus        *eventbus.Bus
}

func newCounters(bus *eventbus.Bus) counters {
	return counters{terminated: make(chan struct{}), bus: bus}
}

func (c *counters) Cancel() { c.cancelled.Store(true) }

func (c *counters) isCancelled() bool { return c.cancelled.Load() }

func (c *counters) EventBus() *eventbus.Bus { return c.bus }

func (c *counters) DocumentCounter() int64 { return c.docCount.Load() }

func (c *counters) BatchCounter() int64 { return c.batchCount.Load() }

func (c *counters) Terminated() <-chan struct{} { return c.terminated }

func (c *counters) markTerminated() {
	select {
	case <-c.terminated:
		// already closed
	default:
		close(c.terminated)
	}
}
