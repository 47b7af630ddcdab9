package services

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/logging"
)

// ExpiredSweeper removes expired records from a store with no native TTL.
type ExpiredSweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Janitor periodically reclaims expired bridge, proxy token and idempotency
// records.
type Janitor struct {
	tokens   *ProxyTokenService
	idem     ExpiredSweeper
	interval time.Duration
	logger   logging.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewJanitor(tokens *ProxyTokenService, idem ExpiredSweeper, interval time.Duration, l logging.Logger) *Janitor {
	return &Janitor{
		tokens:   tokens,
		idem:     idem,
		interval: interval,
		logger:   l.With("module", "janitor"),
		now:      time.Now,
	}
}

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce(ctx context.Context) (CleanupCounts, error) {
	counts, err := j.tokens.CleanupExpired(ctx)
	if err != nil {
		return counts, err
	}
	if j.idem != nil {
		n, err := j.idem.DeleteExpired(ctx, j.now())
		if err != nil {
			return counts, err
		}
		counts.Idempotency = n
	}
	return counts, nil
}

// Start runs a sweep every interval until Stop or ctx cancellation.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		t := time.NewTicker(j.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				counts, err := j.RunOnce(ctx)
				if err != nil {
					j.logger.Error(ctx, "cleanup failed", "error", err)
					continue
				}
				j.logger.Info(ctx, "cleanup finished",
					"bridges", counts.Bridges, "proxy_tokens", counts.ProxyTokens, "idempotency", counts.Idempotency)
			}
		}
	}(j.done)
}

// Stop cancels the loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
