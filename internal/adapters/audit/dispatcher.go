// Package audit moves audit records off the request path and into the
// store.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/dkeye/Proctor/internal/metrics"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("audit dispatcher closed")

type Options struct {
	Buffer         int
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultOptions() Options {
	return Options{
		Buffer:         1024,
		MaxRetries:     5,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Dispatcher is an AuditSink that queues records in a bounded channel and
// persists them from a single worker with exponential backoff. A full queue
// drops the record; callers are never blocked on storage.
type Dispatcher struct {
	writer core.AuditWriter
	opts   Options
	queue  chan domain.AuditRecord

	mu     sync.RWMutex
	closed bool

	// ctx bounds retries; Close cancels it when its own deadline passes.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ core.AuditSink = (*Dispatcher)(nil)

func NewDispatcher(w core.AuditWriter, opts Options) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultOptions().Buffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		writer: w,
		opts:   opts,
		queue:  make(chan domain.AuditRecord, opts.Buffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Append(_ context.Context, rec domain.AuditRecord) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(rec, "closed")
		return
	}
	select {
	case d.queue <- rec:
	default:
		d.drop(rec, "queue full")
	}
}

func (d *Dispatcher) drop(rec domain.AuditRecord, why string) {
	metrics.AuditDropped.Inc()
	log.Warn().Str("module", "audit").Str("reason", why).Str("event", string(rec.EventType)).
		Str("session_id", string(rec.SessionID)).Str("user", string(rec.Actor)).Msg("audit record dropped")
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for rec := range d.queue {
		d.write(rec)
	}
}

func (d *Dispatcher) write(rec domain.AuditRecord) {
	op := func() error {
		return d.writer.AppendAudit(d.ctx, rec)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(d.opts.InitialBackoff),
				backoff.WithMaxInterval(d.opts.MaxBackoff),
			),
			d.opts.MaxRetries,
		),
		d.ctx,
	)
	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		metrics.AuditRetries.Inc()
		log.Warn().Err(err).Str("module", "audit").Str("id", rec.ID).Dur("next", next).Msg("retrying audit write")
	})
	if err != nil {
		metrics.AuditFailed.Inc()
		log.Error().Err(err).Str("module", "audit").Str("id", rec.ID).Str("event", string(rec.EventType)).
			Str("session_id", string(rec.SessionID)).Msg("audit write failed")
		return
	}
	metrics.AuditWritten.Inc()
}

// Close stops accepting records and waits for the queue to drain. When ctx
// ends first, in-flight retries are abandoned and ctx.Err is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}
