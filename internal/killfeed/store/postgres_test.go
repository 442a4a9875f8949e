package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/killfeedproject/killfeed/internal/common/database"
	"github.com/killfeedproject/killfeed/internal/common/killfeederrors"
	"github.com/killfeedproject/killfeed/internal/killfeed/model"
	"github.com/killfeedproject/killfeed/internal/killfeed/schema"
)

func withPostgresStore(t *testing.T, action func(db *pgxpool.Pool, s *PostgresStore) error) {
	t.Helper()
	migrations, err := schema.Migrations()
	require.NoError(t, err)
	err = database.WithTestDb(migrations, func(db *pgxpool.Pool) error {
		return action(db, NewPostgresStore(db, nil))
	})
	require.NoError(t, err)
}

func TestPostgresKillmailRoundTrip(t *testing.T) {
	withPostgresStore(t, func(db *pgxpool.Pool, s *PostgresStore) error {
		ctx := context.Background()

		exists, err := s.Exists(ctx, 1001)
		require.NoError(t, err)
		assert.False(t, exists)

		vk := testKillmail(1001)
		vk.Killmail.Labels = []string{"pvp", "lowsec"}
		require.NoError(t, s.InTransaction(ctx, func(tx Transaction) error {
			return tx.InsertKillmail(ctx, vk)
		}))

		exists, err = s.Exists(ctx, 1001)
		require.NoError(t, err)
		assert.True(t, exists)

		km, err := s.GetKillmail(ctx, 1001)
		require.NoError(t, err)
		assert.Equal(t, int64(1001), km.KillmailID)
		assert.Equal(t, "hash", km.Hash)
		assert.True(t, km.OccurredAt.Equal(testOccurredAt))
		assert.Equal(t, []string{"pvp", "lowsec"}, km.Labels)

		// The fact row never changes; the victim row is an upsert.
		altered := testKillmail(1001)
		altered.Killmail.TotalValue = 999999
		altered.Victim.DamageTaken = 1
		require.NoError(t, s.InTransaction(ctx, func(tx Transaction) error {
			return tx.InsertKillmail(ctx, altered)
		}))

		km, err = s.GetKillmail(ctx, 1001)
		require.NoError(t, err)
		assert.Equal(t, float64(150000), km.TotalValue)

		var damageTaken int64
		require.NoError(t, db.QueryRow(ctx,
			`SELECT damage_taken FROM victim WHERE killmail_id = 1001`).Scan(&damageTaken))
		assert.Equal(t, int64(1), damageTaken)

		_, err = s.GetKillmail(ctx, 4242)
		var notFound *killfeederrors.ErrNotFound
		assert.ErrorAs(t, err, &notFound)
		return nil
	})
}

func TestPostgresAttackerAndInvolvementSync(t *testing.T) {
	withPostgresStore(t, func(db *pgxpool.Pool, s *PostgresStore) error {
		ctx := context.Background()

		require.NoError(t, s.InTransaction(ctx, func(tx Transaction) error {
			if err := tx.InsertKillmail(ctx, testKillmail(1001)); err != nil {
				return err
			}
			if err := tx.CreateAttackers(ctx, 1001, []AttackerRow{
				attackerRow(0, 91001), attackerRow(1, 91002), attackerRow(2, 91003),
			}); err != nil {
				return err
			}
			return tx.CreateInvolvements(ctx, []model.Involvement{
				{KillmailID: 1001, EntityID: 90001, Role: model.RoleVictim},
				{KillmailID: 1001, EntityID: 91001, Role: model.RoleAttacker},
			})
		}))

		require.NoError(t, s.InTransaction(ctx, func(tx Transaction) error {
			rows, err := tx.FindAttackers(ctx, 1001)
			require.NoError(t, err)
			require.Len(t, rows, 3)
			assert.Equal(t, []int{0, 1, 2}, []int{rows[0].Position, rows[1].Position, rows[2].Position})
			assert.Equal(t, int64(91002), rows[1].Attacker.CharacterID)

			if err := tx.DeleteAttackers(ctx, 1001, []int{1}); err != nil {
				return err
			}
			replacement := attackerRow(1, 95000)
			return tx.CreateAttackers(ctx, 1001, []AttackerRow{replacement})
		}))

		require.NoError(t, s.InTransaction(ctx, func(tx Transaction) error {
			rows, err := tx.FindAttackers(ctx, 1001)
			require.NoError(t, err)
			require.Len(t, rows, 3)
			assert.Equal(t, int64(95000), rows[1].Attacker.CharacterID)

			invs, err := tx.FindInvolvements(ctx, 1001)
			require.NoError(t, err)
			require.Len(t, invs, 2)

			// Re-creating an existing involvement key is a no-op.
			if err := tx.CreateInvolvements(ctx, []model.Involvement{
				{KillmailID: 1001, EntityID: 90001, Role: model.RoleVictim},
			}); err != nil {
				return err
			}
			return tx.DeleteInvolvements(ctx, 1001, []model.Involvement{
				{KillmailID: 1001, EntityID: 91001, Role: model.RoleAttacker},
			})
		}))

		require.NoError(t, s.InTransaction(ctx, func(tx Transaction) error {
			invs, err := tx.FindInvolvements(ctx, 1001)
			require.NoError(t, err)
			require.Len(t, invs, 1)
			assert.Equal(t, int64(90001), invs[0].EntityID)
			assert.Equal(t, model.RoleVictim, invs[0].Role)
			return nil
		}))
		return nil
	})
}

func TestPostgresTransactionRollsBack(t *testing.T) {
	withPostgresStore(t, func(db *pgxpool.Pool, s *PostgresStore) error {
		ctx := context.Background()

		err := s.InTransaction(ctx, func(tx Transaction) error {
			if err := tx.InsertKillmail(ctx, testKillmail(1001)); err != nil {
				return err
			}
			return errors.New("downstream failure")
		})
		require.Error(t, err)

		exists, err := s.Exists(ctx, 1001)
		require.NoError(t, err)
		assert.False(t, exists)
		return nil
	})
}

func TestPostgresCheckpointMonotonic(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	migrations, err := schema.Migrations()
	require.NoError(t, err)
	err = database.WithTestDb(migrations, func(db *pgxpool.Pool) error {
		ctx := context.Background()
		s := NewPostgresStore(db, clocktesting.NewFakeClock(now))
		stream := model.KillStream(90001)

		_, ok, err := s.GetCheckpoint(ctx, stream)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.AdvanceCheckpoint(ctx, stream, 500))
		require.NoError(t, s.AdvanceCheckpoint(ctx, stream, 400))
		require.NoError(t, s.AdvanceCheckpoint(ctx, stream, 600))
		require.NoError(t, s.AdvanceCheckpoint(ctx, stream, 600))

		cp, ok, err := s.GetCheckpoint(ctx, stream)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(600), cp.LastSeenID)
		assert.True(t, cp.LastSeenAt.Equal(now))
		return nil
	})
	require.NoError(t, err)
}

func TestPostgresTrackedCharacterLifecycle(t *testing.T) {
	withPostgresStore(t, func(db *pgxpool.Pool, s *PostgresStore) error {
		ctx := context.Background()
		ranAt := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

		require.NoError(t, s.UpsertTrackedCharacter(ctx, model.TrackedCharacter{EntityID: 90001, Name: "Pilot One"}))
		require.NoError(t, s.UpsertTrackedCharacter(ctx, model.TrackedCharacter{EntityID: 80001, Name: "Corp"}))
		require.NoError(t, s.TouchLastBackfill(ctx, 90001, ranAt))
		require.NoError(t, s.UpsertTrackedCharacter(ctx, model.TrackedCharacter{EntityID: 90001, Name: "Renamed"}))

		characters, err := s.ListTrackedCharacters(ctx)
		require.NoError(t, err)
		require.Len(t, characters, 2)
		assert.Equal(t, int64(80001), characters[0].EntityID)
		assert.Equal(t, "Renamed", characters[1].Name)
		assert.True(t, characters[1].LastBackfillAt.Equal(ranAt), "rename must not reset the cooldown")

		ids, err := s.GetTrackedEntityIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[int64]bool{90001: true, 80001: true}, ids)

		require.NoError(t, s.DeleteTrackedCharacter(ctx, 80001))
		ids, err = s.GetTrackedEntityIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[int64]bool{90001: true}, ids)
		return nil
	})
}

func TestPostgresLossUpsert(t *testing.T) {
	withPostgresStore(t, func(db *pgxpool.Pool, s *PostgresStore) error {
		ctx := context.Background()

		loss := &model.CharacterLoss{
			KillmailID: 1001, EntityID: 90001, OccurredAt: testOccurredAt,
			ShipTypeID: 602, SolarSystemID: 30000142, AttackerCount: 2, TotalValue: 150000,
		}
		require.NoError(t, s.InTransaction(ctx, func(tx Transaction) error {
			if err := tx.InsertKillmail(ctx, testKillmail(1001)); err != nil {
				return err
			}
			return tx.UpsertLoss(ctx, loss)
		}))

		loss.AttackerCount = 5
		require.NoError(t, s.InTransaction(ctx, func(tx Transaction) error {
			return tx.UpsertLoss(ctx, loss)
		}))

		var count, attackerCount int
		require.NoError(t, db.QueryRow(ctx,
			`SELECT count(*), max(attacker_count) FROM character_loss WHERE killmail_id = 1001`).
			Scan(&count, &attackerCount))
		assert.Equal(t, 1, count)
		assert.Equal(t, 5, attackerCount)
		return nil
	})
}
