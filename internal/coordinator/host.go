package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/quangdang46/subgraph-coordinator/shared/logging"
	"github.com/quangdang46/subgraph-coordinator/shared/recovery"
)

// hostJob is one unit of work delivered to a host's event sink: the event
// to process and the channel the walker blocks on for confirmation.
type hostJob struct {
	event   ChainEvent
	confirm chan error
}

// maxMutationsPerEvent caps one mapping invocation's output. The walker
// drains a host's mutation buffer only after the event's confirmation
// returns, so the buffer must be able to hold everything a single event
// produces — a larger batch would deadlock the worker pushing into it.
const maxMutationsPerEvent = 64

// Host is the contract the walker drives: a static filter, a bounded sink
// to push events into, and a stream of mutations the sink producer drains.
// This is the Runtime Host contract from the external-interfaces section;
// RuntimeHost below is its in-process implementation (no WASM sandbox).
type Host interface {
	Name() string
	EventFilter() (EventFilter, error)
	Send(ctx context.Context, event ChainEvent) error
	Mutations() <-chan EntityMutation
	Close()
}

// RuntimeHost runs one DataSource's mapping on a dedicated worker goroutine,
// isolating a panicking mapping from its siblings and from the walker.
type RuntimeHost struct {
	name    string
	filter  EventFilter
	mapping MappingFunc

	jobs      chan hostJob
	mutations chan EntityMutation
	done      chan struct{}
	log       *logging.Logger
}

// NewRuntimeHost builds and starts a host for one data source.
func NewRuntimeHost(ds DataSource, log *logging.Logger) *RuntimeHost {
	h := &RuntimeHost{
		name:      ds.Name,
		filter:    ds.Filter,
		mapping:   ds.Mapping,
		jobs:      make(chan hostJob, 16),
		mutations: make(chan EntityMutation, maxMutationsPerEvent),
		done:      make(chan struct{}),
		log:       log.WithField("host", ds.Name),
	}
	recovery.SafeGo(h.run)
	return h
}

func (h *RuntimeHost) Name() string { return h.name }

func (h *RuntimeHost) EventFilter() (EventFilter, error) {
	return h.filter, nil
}

// Send delivers one event and blocks for its confirmation, or returns early
// if the host has been closed. The walker fans out every event the union
// filter matched; routing back down to individual subscriptions happens
// here, so an event outside this host's own filter is acknowledged without
// ever reaching the mapping.
func (h *RuntimeHost) Send(ctx context.Context, event ChainEvent) error {
	select {
	case <-h.done:
		return fmt.Errorf("host %s closed", h.name)
	default:
	}
	if !h.subscribedTo(event) {
		return nil
	}

	job := hostJob{event: event, confirm: make(chan error, 1)}
	select {
	case h.jobs <- job:
	case <-h.done:
		return fmt.Errorf("host %s closed", h.name)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.confirm:
		return err
	case <-h.done:
		return fmt.Errorf("host %s closed while awaiting confirmation", h.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *RuntimeHost) subscribedTo(event ChainEvent) bool {
	if len(event.Topics) == 0 {
		return false
	}
	return h.filter.Matches(event.Address, event.Topics[0])
}

func (h *RuntimeHost) Mutations() <-chan EntityMutation {
	return h.mutations
}

// Close stops accepting new jobs. Any in-flight Send unblocks with an
// error, which is what makes teardown race-free with event delivery.
func (h *RuntimeHost) Close() {
	close(h.done)
}

func (h *RuntimeHost) run() {
	defer close(h.mutations)
	for {
		select {
		case job := <-h.jobs:
			job.confirm <- h.process(job.event)
		case <-h.done:
			return
		}
	}
}

// process invokes the mapping with its own recover so a single panicking
// event never takes down the host's worker goroutine: the event is
// failed, logged, and the host keeps running for the next one.
func (h *RuntimeHost) process(event ChainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithField("panic", r).WithField("stack", string(debug.Stack())).
				Error("mapping panicked while processing event")
			err = fmt.Errorf("host %s: mapping panic: %v", h.name, r)
		}
	}()

	mutations, mapErr := h.mapping(context.Background(), event)
	if mapErr != nil {
		return fmt.Errorf("host %s: mapping error: %w", h.name, mapErr)
	}
	if len(mutations) > maxMutationsPerEvent {
		return fmt.Errorf("host %s: mapping produced %d mutations for one event, limit is %d",
			h.name, len(mutations), maxMutationsPerEvent)
	}
	for _, m := range mutations {
		select {
		case h.mutations <- m:
		case <-h.done:
			return fmt.Errorf("host %s closed", h.name)
		}
	}
	return nil
}
