package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/killfeedproject/killfeed/internal/killfeed/ingest/metrics"
	"github.com/killfeedproject/killfeed/internal/killfeed/model"
	"github.com/killfeedproject/killfeed/internal/killfeed/store"
)

// Why a sweep ended, reported in the run summary.
const (
	StopCursor  = "cursor"
	StopCutoff  = "cutoff"
	StopPages   = "pages"
	StopRecords = "records"
	StopEmpty   = "empty"
	StopAborted = "aborted"
)

// Backfill run results as reported to metrics.
const (
	runCompleted = "completed"
	runSkipped   = "skipped"
	runAborted   = "aborted"
)

// BackfillOptions bound one backfill sweep.
type BackfillOptions struct {
	// Records older than this many days are outside the window; 0 disables
	MaxAgeDays int
	// Pages fetched per sweep; values below 1 use the default of 10
	MaxPages int
	// Refs evaluated per sweep; 0 disables the cap
	MaxRecords int
	// Consecutive empty pages tolerated before the feed counts as drained
	MaxConsecutiveEmpty int
	// Minimum interval between sweeps of the same entity; 0 disables
	Cooldown time.Duration
}

func (o BackfillOptions) withDefaults() BackfillOptions {
	if o.MaxPages < 1 {
		o.MaxPages = 10
	}
	if o.MaxConsecutiveEmpty < 1 {
		o.MaxConsecutiveEmpty = 2
	}
	return o
}

// RecordIngester is the slice of the pipeline the driver needs.
type RecordIngester interface {
	IngestRef(ctx context.Context, ref *model.KillmailRef) Result
}

// Summary reports one backfill run. Evaluated counts refs the sweep actually
// handed to the pipeline; refs behind the cursor or past the cutoff are never
// evaluated.
type Summary struct {
	RunID      string
	EntityID   int64
	Skipped    bool
	StopReason string
	Pages      int
	Evaluated  int
	Ingested   int
	Existing   int
	Untracked  int
	Dropped    int
	Failed     int
	NewestSeen int64
	OldestSeen int64
	Duration   time.Duration
}

func (s *Summary) observe(killmailID int64) {
	if killmailID > s.NewestSeen {
		s.NewestSeen = killmailID
	}
	if s.OldestSeen == 0 || killmailID < s.OldestSeen {
		s.OldestSeen = killmailID
	}
}

// Backfiller sweeps one entity's feed newest-first until it meets the durable
// cursor, the age cutoff, or a sweep cap, checkpointing after every page so an
// interrupted run resumes where it stopped.
type Backfiller struct {
	store    store.Store
	feed     Feed
	ingester RecordIngester
	opts     BackfillOptions
	clock    clock.PassiveClock
	metrics  *metrics.Metrics
}

func NewBackfiller(s store.Store, feed Feed, ingester RecordIngester, opts BackfillOptions, clk clock.PassiveClock, m *metrics.Metrics) *Backfiller {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Backfiller{store: s, feed: feed, ingester: ingester, opts: opts.withDefaults(), clock: clk, metrics: m}
}

// Backfill runs one sweep for entityID. Record-level failures are collected
// and returned joined, they never end the sweep early; feed page failures,
// checkpoint write failures, and cancellation do.
func (b *Backfiller) Backfill(ctx context.Context, entityID int64) (Summary, error) {
	summary := Summary{RunID: uuid.NewString(), EntityID: entityID}
	start := b.clock.Now()

	onCooldown, err := b.onCooldown(ctx, entityID)
	if err != nil {
		summary.StopReason = StopAborted
		b.finish(&summary, start, runAborted)
		return summary, err
	}
	if onCooldown {
		summary.Skipped = true
		b.finish(&summary, start, runSkipped)
		return summary, nil
	}

	stream := model.KillStream(entityID)
	checkpoint, _, err := b.store.GetCheckpoint(ctx, stream)
	if err != nil {
		summary.StopReason = StopAborted
		b.finish(&summary, start, runAborted)
		return summary, err
	}
	// The cursor is fixed for the whole sweep. Refs arrive newest-first, so
	// comparing against the value the run started with is what detects
	// previously swept territory; comparing against the advancing checkpoint
	// would stop after the first page.
	cursor := checkpoint.LastSeenID
	checkpointed := cursor
	highWater := cursor

	var cutoff time.Time
	if b.opts.MaxAgeDays > 0 {
		cutoff = b.clock.Now().AddDate(0, 0, -b.opts.MaxAgeDays)
	}

	emptyStreak := 0
	var runErrs *multierror.Error

sweep:
	for page := 1; page <= b.opts.MaxPages; page++ {
		if ctx.Err() != nil {
			summary.StopReason = StopAborted
			b.finish(&summary, start, runAborted)
			return summary, multierror.Append(runErrs, errors.WithStack(ctx.Err())).ErrorOrNil()
		}

		refs, err := b.feed.FetchPage(ctx, entityID, page)
		if err != nil {
			summary.StopReason = StopAborted
			b.finish(&summary, start, runAborted)
			err = errors.WithMessagef(err, "fetching page %d for entity %d", page, entityID)
			return summary, multierror.Append(runErrs, err).ErrorOrNil()
		}
		summary.Pages++
		b.metrics.RecordPage()

		if len(refs) == 0 {
			emptyStreak++
			if emptyStreak >= b.opts.MaxConsecutiveEmpty {
				summary.StopReason = StopEmpty
				break
			}
			continue
		}
		emptyStreak = 0

		for i := range refs {
			ref := &refs[i]
			// The cursor check runs before the age check: anything at or
			// below the checkpoint was already handled, however old it is.
			if ref.ID <= cursor {
				summary.StopReason = StopCursor
				break sweep
			}
			if !cutoff.IsZero() && ref.OccurredAt.Before(cutoff) {
				summary.StopReason = StopCutoff
				break sweep
			}

			result := b.ingester.IngestRef(ctx, ref)
			summary.Evaluated++
			summary.observe(ref.ID)
			switch {
			case result.Err != nil:
				summary.Failed++
				runErrs = multierror.Append(runErrs, result.Err)
			case result.Success:
				summary.Ingested++
			case result.SkipReason == SkipExisting:
				summary.Existing++
			case result.SkipReason == SkipUntracked:
				summary.Untracked++
			default:
				summary.Dropped++
			}
			if result.AdvancesCursor() && ref.ID > highWater {
				highWater = ref.ID
			}

			if ctx.Err() != nil {
				summary.StopReason = StopAborted
				b.finish(&summary, start, runAborted)
				return summary, multierror.Append(runErrs, errors.WithStack(ctx.Err())).ErrorOrNil()
			}
			if b.opts.MaxRecords > 0 && summary.Evaluated >= b.opts.MaxRecords {
				summary.StopReason = StopRecords
				break sweep
			}
		}

		if err := b.advance(ctx, stream, &checkpointed, highWater); err != nil {
			summary.StopReason = StopAborted
			b.finish(&summary, start, runAborted)
			return summary, multierror.Append(runErrs, err).ErrorOrNil()
		}
	}
	if summary.StopReason == "" {
		summary.StopReason = StopPages
	}

	// Sweeps that stop mid-page jump past the per-page advance above.
	if err := b.advance(ctx, stream, &checkpointed, highWater); err != nil {
		summary.StopReason = StopAborted
		b.finish(&summary, start, runAborted)
		return summary, multierror.Append(runErrs, err).ErrorOrNil()
	}

	if err := b.store.TouchLastBackfill(ctx, entityID, b.clock.Now()); err != nil {
		log.WithError(err).Warnf("Recording backfill time for entity %d failed", entityID)
	}
	b.finish(&summary, start, runCompleted)
	return summary, runErrs.ErrorOrNil()
}

// onCooldown reports whether the entity's last sweep is too recent for
// another one.
func (b *Backfiller) onCooldown(ctx context.Context, entityID int64) (bool, error) {
	if b.opts.Cooldown <= 0 {
		return false, nil
	}
	character, ok, err := b.store.GetTrackedCharacter(ctx, entityID)
	if err != nil {
		return false, err
	}
	if !ok || character.LastBackfillAt.IsZero() {
		return false, nil
	}
	return b.clock.Now().Sub(character.LastBackfillAt) < b.opts.Cooldown, nil
}

// advance moves the durable cursor to highWater if the sweep got further than
// the last write. Duplicate calls are free, so stop paths can advance
// unconditionally.
func (b *Backfiller) advance(ctx context.Context, stream string, checkpointed *int64, highWater int64) error {
	if highWater <= *checkpointed {
		return nil
	}
	if err := b.store.AdvanceCheckpoint(ctx, stream, highWater); err != nil {
		return err
	}
	*checkpointed = highWater
	return nil
}

func (b *Backfiller) finish(summary *Summary, start time.Time, result string) {
	summary.Duration = b.clock.Since(start)
	b.metrics.RecordBackfillRun(result)
	if result == runCompleted {
		b.metrics.ObserveBackfillDuration(summary.Duration.Seconds())
	}
	log.WithFields(log.Fields{
		"runId":      summary.RunID,
		"entityId":   summary.EntityID,
		"stopReason": summary.StopReason,
		"pages":      summary.Pages,
		"evaluated":  summary.Evaluated,
		"ingested":   summary.Ingested,
		"existing":   summary.Existing,
		"untracked":  summary.Untracked,
		"dropped":    summary.Dropped,
		"failed":     summary.Failed,
		"duration":   summary.Duration,
	}).Infof("Backfill %s for entity %d", result, summary.EntityID)
}
