package ingest

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/killfeedproject/killfeed/internal/killfeed/model"
	"github.com/killfeedproject/killfeed/internal/killfeed/store"
)

// SyncTracked reconciles the stored tracked set with the configured one.
// Entities no longer configured are deleted; every configured entity is
// upserted so new entries and renames both land. Upserts never reset
// LastBackfillAt, so re-running with an unchanged set does not disturb
// backfill cooldowns.
func SyncTracked(ctx context.Context, s store.Store, configured []model.TrackedCharacter) error {
	existing, err := s.ListTrackedCharacters(ctx)
	if err != nil {
		return err
	}
	diff := SyncByKey(existing, configured, func(tc model.TrackedCharacter) int64 { return tc.EntityID })

	for _, tc := range diff.ToDelete {
		if err := s.DeleteTrackedCharacter(ctx, tc.EntityID); err != nil {
			return err
		}
	}
	for _, tc := range configured {
		if err := s.UpsertTrackedCharacter(ctx, tc); err != nil {
			return err
		}
	}

	if !diff.Empty() {
		log.WithFields(log.Fields{
			"tracked": len(configured),
			"added":   len(diff.ToCreate),
			"removed": len(diff.ToDelete),
		}).Info("Tracked entity set synchronized")
	}
	return nil
}
