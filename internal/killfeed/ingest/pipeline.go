// Package ingest turns feed records into durable rows: the single-record
// pipeline, the per-entity backfill driver, and the scheduler that sweeps the
// tracked set.
package ingest

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/killfeedproject/killfeed/internal/common/killfeederrors"
	"github.com/killfeedproject/killfeed/internal/killfeed/ingest/metrics"
	"github.com/killfeedproject/killfeed/internal/killfeed/model"
	"github.com/killfeedproject/killfeed/internal/killfeed/store"
)

// Feed is the slice of the feed client the pipeline and backfill driver need.
type Feed interface {
	FetchPage(ctx context.Context, entityID int64, page int) ([]model.KillmailRef, error)
	FetchSummary(ctx context.Context, killmailID int64) (*model.KillmailRef, error)
}

// Detail resolves the authoritative payload for a (killmail id, hash) pair.
type Detail interface {
	Fetch(ctx context.Context, killmailID int64, hash string) (*model.KillmailDetail, error)
}

// Skip reasons, also used as outcome labels on the processed-records counter.
const (
	SkipExisting    = "existing"
	SkipMissing     = "missing"
	SkipInvalid     = "invalid"
	SkipUnavailable = "unavailable"
	SkipUntracked   = "untracked"

	outcomeIngested = "ingested"
	outcomeError    = "error"
)

// Result reports how the pipeline handled one record. Exactly one of Success,
// Skipped, or Err is set.
type Result struct {
	KillmailID int64
	Success    bool
	Existing   bool
	Skipped    bool
	SkipReason string
	OccurredAt time.Time
	AgeDays    int
	Err        error
}

// AdvancesCursor reports whether the record was handled conclusively, so a
// stream checkpoint may move past it. Records that failed or were dropped
// because a dependency was unavailable must be revisited on the next run and
// hold the cursor back.
func (r Result) AdvancesCursor() bool {
	if r.Err != nil {
		return false
	}
	return !r.Skipped || r.SkipReason != SkipUnavailable
}

// Recently confirmed killmail ids are kept in memory so dense backfill pages
// do not pay a store existence probe per ref. Only positive existence is ever
// cached.
const recentSeenSize = 4096

// Pipeline ingests one killmail end to end: existence check, detail fetch,
// boundary validation, tracked-entity cross reference, and one atomic write.
type Pipeline struct {
	store      store.Store
	feed       Feed
	detail     Detail
	clock      clock.PassiveClock
	metrics    *metrics.Metrics
	recentSeen *lru.Cache
}

func NewPipeline(s store.Store, feed Feed, detail Detail, clk clock.PassiveClock, m *metrics.Metrics) *Pipeline {
	if clk == nil {
		clk = clock.RealClock{}
	}
	recentSeen, _ := lru.New(recentSeenSize)
	return &Pipeline{store: s, feed: feed, detail: detail, clock: clk, metrics: m, recentSeen: recentSeen}
}

// Ingest processes a killmail known only by id, resolving its feed summary
// first. Used for one-off ingestion outside a backfill sweep.
func (p *Pipeline) Ingest(ctx context.Context, killmailID int64) Result {
	if result, done := p.alreadyStored(ctx, killmailID); done {
		return result
	}
	ref, err := p.feed.FetchSummary(ctx, killmailID)
	if err != nil {
		return p.failure(killmailID, err)
	}
	return p.IngestRef(ctx, ref)
}

// IngestRef processes a killmail from its feed summary. Re-ingesting a stored
// killmail is a cheap skip, so callers may replay pages freely.
func (p *Pipeline) IngestRef(ctx context.Context, ref *model.KillmailRef) Result {
	if result, done := p.alreadyStored(ctx, ref.ID); done {
		return result
	}

	detail, err := p.detail.Fetch(ctx, ref.ID, ref.Hash)
	if err != nil {
		return p.failure(ref.ID, err)
	}

	vk, err := model.AssembleKillmail(ref, detail)
	if err != nil {
		return p.failure(ref.ID, err)
	}

	tracked, err := p.store.GetTrackedEntityIDs(ctx)
	if err != nil {
		return p.failure(ref.ID, err)
	}
	involvements := vk.TrackedInvolvements(tracked)
	if len(involvements) == 0 {
		return p.skip(ref.ID, SkipUntracked)
	}

	err = p.store.InTransaction(ctx, func(tx store.Transaction) error {
		if err := tx.InsertKillmail(ctx, vk); err != nil {
			return err
		}
		if err := syncAttackers(ctx, tx, vk); err != nil {
			return err
		}
		if err := syncInvolvements(ctx, tx, vk.Killmail.KillmailID, involvements); err != nil {
			return err
		}
		if loss, ok := vk.LossFor(tracked); ok {
			return tx.UpsertLoss(ctx, loss)
		}
		return nil
	})
	if err != nil {
		return p.failure(ref.ID, err)
	}

	p.recentSeen.Add(ref.ID, true)
	p.metrics.RecordOutcome(outcomeIngested)
	ageDays := vk.Killmail.AgeDays(p.clock.Now())
	log.WithFields(log.Fields{
		"killmailId": ref.ID,
		"attackers":  len(vk.Attackers),
		"involved":   len(involvements),
		"ageDays":    ageDays,
	}).Debug("Ingested killmail")
	return Result{
		KillmailID: ref.ID,
		Success:    true,
		OccurredAt: vk.Killmail.OccurredAt,
		AgeDays:    ageDays,
	}
}

func (p *Pipeline) alreadyStored(ctx context.Context, killmailID int64) (Result, bool) {
	if p.recentSeen.Contains(killmailID) {
		return p.skip(killmailID, SkipExisting), true
	}
	exists, err := p.store.Exists(ctx, killmailID)
	if err != nil {
		return p.failure(killmailID, err), true
	}
	if exists {
		p.recentSeen.Add(killmailID, true)
		return p.skip(killmailID, SkipExisting), true
	}
	return Result{}, false
}

func (p *Pipeline) skip(killmailID int64, reason string) Result {
	p.metrics.RecordOutcome(reason)
	return Result{
		KillmailID: killmailID,
		Skipped:    true,
		SkipReason: reason,
		Existing:   reason == SkipExisting,
	}
}

// failure maps an error onto the record's outcome. Conclusive conditions
// (unknown upstream, malformed payloads) become skips the cursor can pass;
// dependency outages become unavailable skips that hold the cursor back;
// anything else is reported as the record's error. Nothing escalates further,
// one bad record never ends a sweep on its own.
func (p *Pipeline) failure(killmailID int64, err error) Result {
	var notFound *killfeederrors.ErrNotFound
	var validation *killfeederrors.ErrValidation
	var exhausted *killfeederrors.ErrDependencyExhausted
	var circuitOpen *killfeederrors.ErrCircuitOpen
	switch {
	case errors.As(err, &notFound):
		log.WithError(err).Warnf("Killmail %d is unknown upstream, skipping", killmailID)
		return p.skip(killmailID, SkipMissing)
	case errors.As(err, &validation):
		log.WithError(err).Warnf("Killmail %d failed validation, skipping", killmailID)
		return p.skip(killmailID, SkipInvalid)
	case errors.As(err, &exhausted), errors.As(err, &circuitOpen):
		log.WithError(err).Warnf("Dependency unavailable for killmail %d, will revisit", killmailID)
		return p.skip(killmailID, SkipUnavailable)
	}
	p.metrics.RecordOutcome(outcomeError)
	return Result{KillmailID: killmailID, Err: errors.WithMessagef(err, "ingesting killmail %d", killmailID)}
}

// syncAttackers reconciles the stored attacker rows with the incoming payload
// positionally. Deletes run before creates inside the same transaction so a
// replaced position never collides with itself.
func syncAttackers(ctx context.Context, tx store.Transaction, vk *model.ValidatedKillmail) error {
	killmailID := vk.Killmail.KillmailID
	existing, err := tx.FindAttackers(ctx, killmailID)
	if err != nil {
		return err
	}
	incoming := make([]store.AttackerRow, len(vk.Attackers))
	for i, attacker := range vk.Attackers {
		incoming[i] = store.AttackerRow{Position: i, Attacker: attacker}
	}

	diff := SyncByIndex(existing, incoming, func(a, b store.AttackerRow) bool {
		return a.Attacker.Equal(b.Attacker)
	})
	if diff.Empty() {
		return nil
	}

	positions := make([]int, len(diff.ToDelete))
	for i, row := range diff.ToDelete {
		positions[i] = row.Position
	}
	if err := tx.DeleteAttackers(ctx, killmailID, positions); err != nil {
		return err
	}
	return tx.CreateAttackers(ctx, killmailID, diff.ToCreate)
}

// syncInvolvements reconciles involvement rows by their (entity, role) key,
// deletes before creates in the same transaction.
func syncInvolvements(ctx context.Context, tx store.Transaction, killmailID int64, incoming []model.Involvement) error {
	existing, err := tx.FindInvolvements(ctx, killmailID)
	if err != nil {
		return err
	}
	diff := SyncByKey(existing, incoming, model.Involvement.Key)
	if diff.Empty() {
		return nil
	}
	if err := tx.DeleteInvolvements(ctx, killmailID, diff.ToDelete); err != nil {
		return err
	}
	return tx.CreateInvolvements(ctx, diff.ToCreate)
}
