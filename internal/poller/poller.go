// Package poller keeps a client's view of an order's verification state
// fresh by re-reading the ledger on a timer.
package poller

import (
	"context"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is used when a caller passes a non-positive interval.
const DefaultInterval = 3 * time.Second

// VerificationReader answers the authoritative verification question.
type VerificationReader interface {
	IsVerified(ctx context.Context, orderID string) (bool, error)
}

// Snapshot is one observation of an order's verification state.
type Snapshot struct {
	OrderID  string    `json:"orderId"`
	Verified bool      `json:"verified"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}

// Poller produces snapshot sequences for orders.
type Poller struct {
	reader   VerificationReader
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// New creates a Poller. interval is the default polling period.
func New(reader VerificationReader, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		reader:   reader,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("poller"),
	}
}

// Snapshots returns an infinite sequence of snapshots: one immediately, then
// one per interval until ctx is done or the consumer stops ranging. Nothing
// runs until the sequence is ranged over, and each range starts afresh.
func (p *Poller) Snapshots(ctx context.Context, orderID string, interval time.Duration) iter.Seq[Snapshot] {
	if interval <= 0 {
		interval = p.interval
	}
	return func(yield func(Snapshot) bool) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if ctx.Err() != nil {
				return
			}
			if !yield(p.poll(ctx, orderID)) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context, orderID string) Snapshot {
	verified, err := p.reader.IsVerified(ctx, orderID)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("verification poll failed", zap.String("order_id", orderID), zap.Error(err))
	}
	return Snapshot{OrderID: orderID, Verified: verified, Err: err, At: p.now()}
}

// Subscription delivers snapshots on C until cancelled.
type Subscription struct {
	C <-chan Snapshot

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Watch starts polling in the background and delivers snapshots on the
// returned subscription. The subscription has its own context derived from
// ctx, so cancelling it never affects the caller's other work.
func (p *Poller) Watch(ctx context.Context, orderID string, interval time.Duration) *Subscription {
	watchCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Snapshot)
	sub := &Subscription{C: ch, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer close(ch)
		for snap := range p.Snapshots(watchCtx, orderID, interval) {
			if watchCtx.Err() != nil {
				return
			}
			select {
			case ch <- snap:
			case <-watchCtx.Done():
				return
			}
		}
	}()
	return sub
}

// Cancel stops the timer and closes C. It returns once the polling goroutine
// has exited and is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Done is closed once C has been closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
