package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/killfeedproject/killfeed/internal/killfeed/model"
	"github.com/killfeedproject/killfeed/internal/killfeed/store"
)

// EntityBackfiller is the slice of the backfiller the scheduler drives.
type EntityBackfiller interface {
	Backfill(ctx context.Context, entityID int64) (Summary, error)
}

type SchedulerOptions struct {
	// Pause between sweeps of the whole tracked set
	PollInterval time.Duration
	// Entities backfilled concurrently within one sweep
	MaxConcurrentBackfills int
}

func (o SchedulerOptions) withDefaults() SchedulerOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Minute
	}
	if o.MaxConcurrentBackfills < 1 {
		o.MaxConcurrentBackfills = 4
	}
	return o
}

// Scheduler sweeps the tracked set: entities backfill concurrently up to the
// configured limit, while records within one entity stay strictly sequential
// inside that entity's run.
type Scheduler struct {
	store      store.Store
	backfiller EntityBackfiller
	configured []model.TrackedCharacter
	opts       SchedulerOptions
	clock      clock.Clock
}

func NewScheduler(s store.Store, backfiller EntityBackfiller, configured []model.TrackedCharacter, opts SchedulerOptions, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		store:      s,
		backfiller: backfiller,
		configured: configured,
		opts:       opts.withDefaults(),
		clock:      clk,
	}
}

// Once synchronizes the tracked set from configuration and backfills every
// tracked entity. One entity's failure never cancels the others; failures are
// collected and returned joined.
func (s *Scheduler) Once(ctx context.Context) error {
	if err := SyncTracked(ctx, s.store, s.configured); err != nil {
		return errors.WithMessage(err, "synchronizing tracked set")
	}
	tracked, err := s.store.ListTrackedCharacters(ctx)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var sweepErrs *multierror.Error
	g := errgroup.Group{}
	g.SetLimit(s.opts.MaxConcurrentBackfills)
	for _, character := range tracked {
		character := character
		g.Go(func() error {
			if _, err := s.backfiller.Backfill(ctx, character.EntityID); err != nil {
				mu.Lock()
				sweepErrs = multierror.Append(sweepErrs, errors.WithMessagef(err, "entity %d", character.EntityID))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return sweepErrs.ErrorOrNil()
}

// Run sweeps until ctx is cancelled, pausing PollInterval between sweeps.
// Sweep errors are logged and the loop keeps going; only cancellation stops a
// running ingester.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := s.Once(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Error("Backfill sweep finished with errors")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.opts.PollInterval):
		}
	}
}
