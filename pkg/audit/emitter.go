package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/finflow/finflow-backend/pkg/logger"
	"github.com/finflow/finflow-backend/pkg/messaging"
	"github.com/finflow/finflow-backend/pkg/tenant"
)

// Entry is a single audit trail record.
type Entry struct {
	TenantID  string
	ActorID   string
	Action    string
	Resource  string
	Details   map[string]any
	RequestID string
}

// Sink receives drained audit entries. Satisfied by messaging.Publisher.
type Sink interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// Emitter buffers audit entries on a bounded channel and drains them from a
// single goroutine. Producers never block: when the buffer is full the entry
// is dropped and a counter is incremented.
type Emitter struct {
	entries chan Entry
	sink    Sink
	logger  *logger.Logger
	dropped atomic.Uint64

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewEmitter creates an emitter with the given buffer size and starts the
// drain goroutine.
func NewEmitter(sink Sink, bufferSize int, log *logger.Logger) *Emitter {
	e := &Emitter{
		entries: make(chan Entry, bufferSize),
		sink:    sink,
		logger:  log,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go e.drain()
	return e
}

// Emit records an audit entry. Tenant and actor are filled in from the
// ambient context when present. Never blocks the caller.
func (e *Emitter) Emit(ctx context.Context, action, resource string, details map[string]any) {
	entry := Entry{
		Action:   action,
		Resource: resource,
		Details:  details,
	}
	if tc, err := tenant.Current(ctx); err == nil {
		entry.TenantID = tc.TenantID
		entry.ActorID = tc.UserID
		entry.RequestID = tc.RequestID
	}

	select {
	case <-e.quit:
		e.dropped.Add(1)
		return
	default:
	}

	select {
	case e.entries <- entry:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns the number of entries dropped due to a full buffer.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Close stops the drain goroutine after flushing buffered entries. The
// entries channel stays open so a late Emit during shutdown is dropped
// instead of panicking.
func (e *Emitter) Close() {
	e.once.Do(func() {
		close(e.quit)
		<-e.done
	})
}

func (e *Emitter) drain() {
	defer close(e.done)

	for {
		select {
		case entry := <-e.entries:
			e.publish(entry)
		case <-e.quit:
			for {
				select {
				case entry := <-e.entries:
					e.publish(entry)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) publish(entry Entry) {
	event := messaging.AuditRecordedEvent{
		TenantID:  entry.TenantID,
		ActorID:   entry.ActorID,
		Action:    entry.Action,
		Resource:  entry.Resource,
		Details:   entry.Details,
		RequestID: entry.RequestID,
	}

	if err := e.sink.Publish(context.Background(), messaging.EventAuditRecorded, event); err != nil {
		e.logger.Warn().
			Err(err).
			Str("action", entry.Action).
			Str("tenant_id", entry.TenantID).
			Msg("failed to publish audit entry")
	}
}
