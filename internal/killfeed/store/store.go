// Package store is the persistence collaborator for the ingestion pipeline.
// The pipeline depends only on the interfaces here; production code uses the
// Postgres implementation and tests use the in-memory one.
package store

import (
	"context"
	"time"

	"github.com/killfeedproject/killfeed/internal/killfeed/model"
)

// AttackerRow is an attacker with its stable position within the killmail.
// Positions are dense, starting at 0, in feed order; the position is the
// identity the positional resynchronization deletes and creates by.
type AttackerRow struct {
	Position int
	Attacker model.Attacker
}

// Transaction exposes the per-killmail writes that must land atomically.
// Implementations guarantee that everything done inside one InTransaction
// call commits or rolls back as a unit.
type Transaction interface {
	// InsertKillmail writes the killmail fact row and upserts its victim.
	// Inserting an already-present killmail id is a no-op for the fact row.
	InsertKillmail(ctx context.Context, vk *model.ValidatedKillmail) error

	// FindAttackers returns the stored attacker rows ordered by position.
	FindAttackers(ctx context.Context, killmailID int64) ([]AttackerRow, error)
	DeleteAttackers(ctx context.Context, killmailID int64, positions []int) error
	CreateAttackers(ctx context.Context, killmailID int64, rows []AttackerRow) error

	FindInvolvements(ctx context.Context, killmailID int64) ([]model.Involvement, error)
	DeleteInvolvements(ctx context.Context, killmailID int64, rows []model.Involvement) error
	CreateInvolvements(ctx context.Context, rows []model.Involvement) error

	UpsertLoss(ctx context.Context, loss *model.CharacterLoss) error
}

// Store is everything the pipeline, backfill driver, and scheduler need from
// durable storage.
type Store interface {
	Exists(ctx context.Context, killmailID int64) (bool, error)
	// GetKillmail returns ErrNotFound when the killmail is absent.
	GetKillmail(ctx context.Context, killmailID int64) (*model.Killmail, error)

	// InTransaction runs action inside one ACID transaction. The action may
	// be re-run after transient database failures, so it must be idempotent.
	InTransaction(ctx context.Context, action func(tx Transaction) error) error

	// GetCheckpoint reports the durable cursor for a stream; a missing
	// checkpoint is (zero value, false, nil), not an error.
	GetCheckpoint(ctx context.Context, stream string) (model.Checkpoint, bool, error)
	// AdvanceCheckpoint persists newID as the stream's high-water mark. Calls
	// with newID at or below the stored value are no-ops, so the cursor is
	// monotonic even with concurrent writers. Failures are ErrCheckpointWrite.
	AdvanceCheckpoint(ctx context.Context, stream string, newID int64) error

	ListTrackedCharacters(ctx context.Context) ([]model.TrackedCharacter, error)
	// GetTrackedCharacter reports whether entityID is tracked; an unknown
	// entity is (zero value, false, nil), not an error.
	GetTrackedCharacter(ctx context.Context, entityID int64) (model.TrackedCharacter, bool, error)
	GetTrackedEntityIDs(ctx context.Context) (map[int64]bool, error)
	// UpsertTrackedCharacter inserts or renames; it never resets LastBackfillAt.
	UpsertTrackedCharacter(ctx context.Context, character model.TrackedCharacter) error
	DeleteTrackedCharacter(ctx context.Context, entityID int64) error
	TouchLastBackfill(ctx context.Context, entityID int64, at time.Time) error
}
