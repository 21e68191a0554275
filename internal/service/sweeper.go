// sweeper.go implements cron-based eviction of stale sessions. Sessions are
// normally destroyed by terminate_session; the sweeper covers clients that
// simply walk away, clearing every session whose last state write is older
// than the configured TTL.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/worldline-go/hardloop"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// cronRunner is satisfied by hardloop's unexported *cronJob type (returned
// by hardloop.NewCron), allowing us to store it without referencing the
// unexported struct name directly.
type cronRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// Sweeper periodically evicts sessions idle longer than the TTL.
type Sweeper struct {
	store    SessionStore
	ttl      time.Duration
	schedule string
	cron     cronRunner
}

// NewSweeper builds a sweeper from the configured TTL and cron schedule. The
// TTL accepts extended durations such as "36h" or "7d". An empty TTL
// disables eviction and returns nil.
func NewSweeper(store SessionStore, ttl, schedule string) (*Sweeper, error) {
	if ttl == "" {
		return nil, nil
	}

	d, err := str2duration.ParseDuration(ttl)
	if err != nil {
		return nil, fmt.Errorf("parse session ttl %q: %w", ttl, err)
	}

	if schedule == "" {
		schedule = "*/10 * * * *"
	}

	return &Sweeper{
		store:    store,
		ttl:      d,
		schedule: schedule,
	}, nil
}

// Start runs the eviction job on the configured schedule until ctx ends.
func (s *Sweeper) Start(ctx context.Context) error {
	cron, err := hardloop.NewCron(hardloop.Cron{
		Name:  "session-eviction",
		Specs: []string{s.schedule},
		Func:  s.run,
	})
	if err != nil {
		return fmt.Errorf("create eviction cron: %w", err)
	}

	s.cron = cron

	if err := cron.Start(ctx); err != nil {
		return fmt.Errorf("start eviction cron: %w", err)
	}

	slog.Info("session eviction enabled", "ttl", s.ttl.String(), "schedule", s.schedule)

	return nil
}

// Stop halts the eviction job.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Sweeper) run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.ttl)

	evicted, err := s.store.EvictBefore(ctx, cutoff)
	if err != nil {
		// Transient backend failures must not stop the cron loop.
		slog.Error("session eviction failed", "error", err)
		return nil
	}

	if evicted > 0 {
		slog.Info("evicted stale sessions", "count", evicted, "cutoff", cutoff)
	}

	return nil
}
