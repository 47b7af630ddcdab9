// Package scheduler keeps stored provider credentials fresh without waiting
// for a live request: a startup sweep plus periodic sweeps, each refreshing
// due credentials through a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/logging"
	"github.com/dmitrijs2005/oauthproxy/internal/server/config"
	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/credentials"
	"github.com/dmitrijs2005/oauthproxy/internal/server/services"
	"github.com/dmitrijs2005/oauthproxy/internal/server/upstream"
	"golang.org/x/sync/errgroup"
)

// Store is the credential side of a refresh.
type Store interface {
	ListDue(ctx context.Context, f credentials.DueFilter) ([]*models.Credential, error)
	RefreshTokenOf(c *models.Credential) (string, error)
	ApplyRefresh(ctx context.Context, subjectID string, tok *upstream.Token) error
	RecordRefreshFailure(ctx context.Context, subjectID string, e *upstream.Error) error
}

// Provider runs the upstream refresh grant.
type Provider interface {
	Refresh(ctx context.Context, refreshToken string) (*upstream.Token, error)
}

type Options struct {
	Concurrency     int
	StartupHorizon  time.Duration
	PeriodicHorizon time.Duration
	ActiveWindow    time.Duration
	Interval        time.Duration
	MaxJitter       time.Duration
}

func OptionsFromConfig(c *config.Config) Options {
	return Options{
		Concurrency:     c.RefreshConcurrency,
		StartupHorizon:  c.StartupHorizon,
		PeriodicHorizon: c.PeriodicHorizon,
		ActiveWindow:    c.ActiveWindow,
		Interval:        c.RefreshInterval,
		MaxJitter:       c.RefreshMaxJitter,
	}
}

type Scheduler struct {
	store    Store
	provider Provider
	opts     Options
	logger   logging.Logger
	now      func() time.Time
	jitter   func(max time.Duration) time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store Store, provider Provider, opts Options, l logging.Logger) *Scheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Scheduler{
		store:    store,
		provider: provider,
		opts:     opts,
		logger:   l.With("module", "scheduler"),
		now:      time.Now,
		jitter:   randomJitter,
	}
}

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Start runs the startup sweep and then a periodic sweep every Interval,
// counted from the end of the previous sweep. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go s.loop(ctx, done)
	return nil
}

// Stop prevents further sweeps and waits for the loop to exit. A sweep that
// is already running is allowed to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.runLogged(ctx, KindStartup)

	timer := time.NewTimer(s.opts.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runLogged(ctx, KindPeriodic)
			timer.Reset(s.opts.Interval)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context, kind Kind) {
	report, err := s.Sweep(context.WithoutCancel(ctx), kind)
	if err != nil {
		s.logger.Error(ctx, "sweep failed", "kind", string(kind), "error", err)
		return
	}
	s.logger.Info(ctx, "sweep finished",
		"kind", string(kind),
		"candidates", len(report.Results),
		"success", report.Success,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"took", report.Finished.Sub(report.Started).String(),
	)
}

// Sweep selects candidates for kind and refreshes them with at most
// Concurrency refreshes in flight. A failing candidate never stops the others.
func (s *Scheduler) Sweep(ctx context.Context, kind Kind) (*SweepReport, error) {
	started := s.now()

	candidates, err := s.store.ListDue(ctx, s.filter(kind, started))
	if err != nil {
		return nil, err
	}

	results := make([]RefreshResult, len(candidates))
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			results[i] = s.refreshOne(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	report := &SweepReport{Kind: kind, Started: started, Finished: s.now(), Results: results}
	report.count()
	return report, nil
}

func (s *Scheduler) filter(kind Kind, now time.Time) credentials.DueFilter {
	if kind == KindStartup {
		return credentials.DueFilter{ExpiringBefore: now.Add(s.opts.StartupHorizon)}
	}
	since := now.Add(-s.opts.ActiveWindow)
	return credentials.DueFilter{ExpiringBefore: now.Add(s.opts.PeriodicHorizon), UsedSince: &since}
}

func (s *Scheduler) refreshOne(ctx context.Context, c *models.Credential) RefreshResult {
	res := RefreshResult{SubjectID: c.SubjectID}

	if c.RefreshTokenRevoked {
		res.Status = StatusSkippedRevoked
		return res
	}
	refreshToken, err := s.store.RefreshTokenOf(c)
	if err != nil {
		if !errors.Is(err, services.ErrNoRefreshToken) {
			s.logger.Error(ctx, "refresh token unreadable", "subject", c.SubjectID, "error", err)
		}
		res.Status = StatusSkippedMissing
		res.Err = err
		return res
	}

	if d := s.jitter(s.opts.MaxJitter); d > 0 {
		time.Sleep(d)
	}

	tok, err := s.provider.Refresh(ctx, refreshToken)
	if err != nil {
		ue := upstream.Classify(err)
		if recErr := s.store.RecordRefreshFailure(ctx, c.SubjectID, ue); recErr != nil {
			s.logger.Error(ctx, "record refresh failure", "subject", c.SubjectID, "error", recErr)
		}
		s.logger.Warn(ctx, "refresh failed", "subject", c.SubjectID, "code", ue.Code, "permanent", ue.Permanent)
		res.Status = StatusFailed
		res.Err = ue
		res.Revoked = ue.Permanent
		return res
	}

	if err := s.store.ApplyRefresh(ctx, c.SubjectID, tok); err != nil {
		s.logger.Error(ctx, "persist refresh", "subject", c.SubjectID, "error", err)
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	res.Status = StatusSuccess
	return res
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}
