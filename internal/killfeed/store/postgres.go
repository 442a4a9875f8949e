package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/killfeedproject/killfeed/internal/common/killfeederrors"
	"github.com/killfeedproject/killfeed/internal/killfeed/model"
	"github.com/killfeedproject/killfeed/internal/killfeed/retry"
)

var (
	_ Store       = (*PostgresStore)(nil)
	_ Transaction = (*postgresTransaction)(nil)
)

// Transient database failures retry a bounded number of times before
// surfacing, so a persistent outage reaches run-level error handling.
var databaseRetryOptions = retry.Options{
	Service:     "postgres",
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	ShouldRetry: killfeederrors.IsRetryablePostgresError,
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	db    *pgxpool.Pool
	clock clock.PassiveClock
}

// NewPostgresStore wraps a pool. A nil clk means the wall clock; tests inject
// a fake so checkpoint timestamps are deterministic.
func NewPostgresStore(db *pgxpool.Pool, clk clock.PassiveClock) *PostgresStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &PostgresStore{db: db, clock: clk}
}

func (s *PostgresStore) Exists(ctx context.Context, killmailID int64) (bool, error) {
	return retry.Do(ctx, databaseRetryOptions, func(ctx context.Context) (bool, error) {
		var exists bool
		err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM killmail WHERE killmail_id = $1)`, killmailID).Scan(&exists)
		return exists, errors.WithStack(err)
	})
}

func (s *PostgresStore) GetKillmail(ctx context.Context, killmailID int64) (*model.Killmail, error) {
	return retry.Do(ctx, databaseRetryOptions, func(ctx context.Context) (*model.Killmail, error) {
		var km model.Killmail
		err := s.db.QueryRow(ctx, `
			SELECT killmail_id, hash, occurred_at, solar_system_id, total_value, points, labels, npc, solo
			FROM killmail WHERE killmail_id = $1`, killmailID).
			Scan(&km.KillmailID, &km.Hash, &km.OccurredAt, &km.SolarSystemID,
				&km.TotalValue, &km.Points, &km.Labels, &km.NPC, &km.Solo)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &killfeederrors.ErrNotFound{Type: "killmail", Value: fmt.Sprintf("%d", killmailID)}
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return &km, nil
	})
}

func (s *PostgresStore) InTransaction(ctx context.Context, action func(tx Transaction) error) error {
	_, err := retry.Do(ctx, databaseRetryOptions, func(ctx context.Context) (struct{}, error) {
		err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{
			IsoLevel:       pgx.ReadCommitted,
			AccessMode:     pgx.ReadWrite,
			DeferrableMode: pgx.Deferrable,
		}, func(tx pgx.Tx) error {
			return action(&postgresTransaction{tx: tx})
		})
		return struct{}{}, err
	})
	return err
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, stream string) (model.Checkpoint, bool, error) {
	checkpoint, err := retry.Do(ctx, databaseRetryOptions, func(ctx context.Context) (*model.Checkpoint, error) {
		var cp model.Checkpoint
		err := s.db.QueryRow(ctx, `
			SELECT stream_name, last_seen_id, last_seen_at
			FROM checkpoint WHERE stream_name = $1`, stream).
			Scan(&cp.StreamName, &cp.LastSeenID, &cp.LastSeenAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return &cp, nil
	})
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	if checkpoint == nil {
		return model.Checkpoint{}, false, nil
	}
	return *checkpoint, true, nil
}

func (s *PostgresStore) AdvanceCheckpoint(ctx context.Context, stream string, newID int64) error {
	now := s.clock.Now().UTC()
	_, err := retry.Do(ctx, databaseRetryOptions, func(ctx context.Context) (struct{}, error) {
		// The WHERE clause keeps the cursor monotonic under concurrent writers.
		_, err := s.db.Exec(ctx, `
			INSERT INTO checkpoint (stream_name, last_seen_id, last_seen_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (stream_name) DO UPDATE
			SET last_seen_id = excluded.last_seen_id, last_seen_at = excluded.last_seen_at
			WHERE checkpoint.last_seen_id < excluded.last_seen_id`,
			stream, newID, now)
		return struct{}{}, errors.WithStack(err)
	})
	if err != nil {
		return &killfeederrors.ErrCheckpointWrite{Stream: stream, Err: err}
	}
	return nil
}

func (s *PostgresStore) ListTrackedCharacters(ctx context.Context) ([]model.TrackedCharacter, error) {
	return retry.Do(ctx, databaseRetryOptions, func(ctx context.Context) ([]model.TrackedCharacter, error) {
		rows, err := s.db.Query(ctx, `
			SELECT entity_id, name, last_backfill_at
			FROM tracked_character ORDER BY entity_id`)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		defer rows.Close()

		var characters []model.TrackedCharacter
		for rows.Next() {
			var tc model.TrackedCharacter
			var lastBackfill *time.Time
			if err := rows.Scan(&tc.EntityID, &tc.Name, &lastBackfill); err != nil {
				return nil, errors.WithStack(err)
			}
			if lastBackfill != nil {
				tc.LastBackfillAt = *lastBackfill
			}
			characters = append(characters, tc)
		}
		return characters, errors.WithStack(rows.Err())
	})
}

func (s *PostgresStore) GetTrackedCharacter(ctx context.Context, entityID int64) (model.TrackedCharacter, bool, error) {
	character, err := retry.Do(ctx, databaseRetryOptions, func(ctx context.Context) (*model.TrackedCharacter, error) {
		var tc model.TrackedCharacter
		var lastBackfill *time.Time
		err := s.db.QueryRow(ctx, `
			SELECT entity_id, name, last_backfill_at
			FROM tracked_character WHERE entity_id = $1`, entityID).
			Scan(&tc.EntityID, &tc.Name, &lastBackfill)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if lastBackfill != nil {
			tc.LastBackfillAt = *lastBackfill
		}
		return &tc, nil
	})
	if err != nil {
		return model.TrackedCharacter{}, false, err
	}
	if character == nil {
		return model.TrackedCharacter{}, false, nil
	}
	return *character, true, nil
}

func (s *PostgresStore) GetTrackedEntityIDs(ctx context.Context) (map[int64]bool, error) {
	return retry.Do(ctx, databaseRetryOptions, func(ctx context.Context) (map[int64]bool, error) {
		rows, err := s.db.Query(ctx, `SELECT entity_id FROM tracked_character`)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		defer rows.Close()

		ids := map[int64]bool{}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, errors.WithStack(err)
			}
			ids[id] = true
		}
		return ids, errors.WithStack(rows.Err())
	})
}

func (s *PostgresStore) UpsertTrackedCharacter(ctx context.Context, character model.TrackedCharacter) error {
	_, err := retry.Do(ctx, databaseRetryOptions, func(ctx context.Context) (struct{}, error) {
		// LastBackfillAt is deliberately untouched: re-syncing the tracked
		// set must not reset backfill cooldowns.
		_, err := s.db.Exec(ctx, `
			INSERT INTO tracked_character (entity_id, name)
			VALUES ($1, $2)
			ON CONFLICT (entity_id) DO UPDATE SET name = excluded.name`,
			character.EntityID, character.Name)
		return struct{}{}, errors.WithStack(err)
	})
	return err
}

func (s *PostgresStore) DeleteTrackedCharacter(ctx context.Context, entityID int64) error {
	_, err := retry.Do(ctx, databaseRetryOptions, func(ctx context.Context) (struct{}, error) {
		_, err := s.db.Exec(ctx, `DELETE FROM tracked_character WHERE entity_id = $1`, entityID)
		return struct{}{}, errors.WithStack(err)
	})
	return err
}

func (s *PostgresStore) TouchLastBackfill(ctx context.Context, entityID int64, at time.Time) error {
	_, err := retry.Do(ctx, databaseRetryOptions, func(ctx context.Context) (struct{}, error) {
		_, err := s.db.Exec(ctx,
			`UPDATE tracked_character SET last_backfill_at = $2 WHERE entity_id = $1`, entityID, at)
		return struct{}{}, errors.WithStack(err)
	})
	return err
}

type postgresTransaction struct {
	tx pgx.Tx
}

func (t *postgresTransaction) InsertKillmail(ctx context.Context, vk *model.ValidatedKillmail) error {
	km := vk.Killmail
	labels := km.Labels
	if labels == nil {
		labels = []string{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO killmail (killmail_id, hash, occurred_at, solar_system_id, total_value, points, labels, npc, solo)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (killmail_id) DO NOTHING`,
		km.KillmailID, km.Hash, km.OccurredAt, km.SolarSystemID, km.TotalValue, km.Points, labels, km.NPC, km.Solo)
	if err != nil {
		return errors.WithStack(err)
	}

	v := vk.Victim
	_, err = t.tx.Exec(ctx, `
		INSERT INTO victim (killmail_id, character_id, corporation_id, alliance_id, ship_type_id, damage_taken)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (killmail_id) DO UPDATE
		SET character_id = excluded.character_id,
			corporation_id = excluded.corporation_id,
			alliance_id = excluded.alliance_id,
			ship_type_id = excluded.ship_type_id,
			damage_taken = excluded.damage_taken`,
		v.KillmailID, v.CharacterID, v.CorporationID, v.AllianceID, v.ShipTypeID, v.DamageTaken)
	return errors.WithStack(err)
}

func (t *postgresTransaction) FindAttackers(ctx context.Context, killmailID int64) ([]AttackerRow, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT position, character_id, corporation_id, alliance_id, ship_type_id,
			weapon_type_id, damage_done, final_blow, security_status
		FROM attacker WHERE killmail_id = $1 ORDER BY position`, killmailID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []AttackerRow
	for rows.Next() {
		row := AttackerRow{Attacker: model.Attacker{KillmailID: killmailID}}
		a := &row.Attacker
		if err := rows.Scan(&row.Position, &a.CharacterID, &a.CorporationID, &a.AllianceID,
			&a.ShipTypeID, &a.WeaponTypeID, &a.DamageDone, &a.FinalBlow, &a.SecurityStatus); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, row)
	}
	return out, errors.WithStack(rows.Err())
}

func (t *postgresTransaction) DeleteAttackers(ctx context.Context, killmailID int64, positions []int) error {
	if len(positions) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`DELETE FROM attacker WHERE killmail_id = $1 AND position = ANY($2)`,
		killmailID, int32Slice(positions))
	return errors.WithStack(err)
}

func (t *postgresTransaction) CreateAttackers(ctx context.Context, killmailID int64, rows []AttackerRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		a := row.Attacker
		batch.Queue(`
			INSERT INTO attacker (killmail_id, position, character_id, corporation_id, alliance_id,
				ship_type_id, weapon_type_id, damage_done, final_blow, security_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			killmailID, row.Position, a.CharacterID, a.CorporationID, a.AllianceID,
			a.ShipTypeID, a.WeaponTypeID, a.DamageDone, a.FinalBlow, a.SecurityStatus)
	}
	return execBatch(ctx, t.tx, batch)
}

func (t *postgresTransaction) FindInvolvements(ctx context.Context, killmailID int64) ([]model.Involvement, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT entity_id, role FROM involvement WHERE killmail_id = $1 ORDER BY entity_id, role`, killmailID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []model.Involvement
	for rows.Next() {
		inv := model.Involvement{KillmailID: killmailID}
		var role string
		if err := rows.Scan(&inv.EntityID, &role); err != nil {
			return nil, errors.WithStack(err)
		}
		inv.Role = model.Role(role)
		out = append(out, inv)
	}
	return out, errors.WithStack(rows.Err())
}

func (t *postgresTransaction) DeleteInvolvements(ctx context.Context, killmailID int64, rows []model.Involvement) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, inv := range rows {
		batch.Queue(`DELETE FROM involvement WHERE killmail_id = $1 AND entity_id = $2 AND role = $3`,
			killmailID, inv.EntityID, string(inv.Role))
	}
	return execBatch(ctx, t.tx, batch)
}

func (t *postgresTransaction) CreateInvolvements(ctx context.Context, rows []model.Involvement) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, inv := range rows {
		batch.Queue(`
			INSERT INTO involvement (killmail_id, entity_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (killmail_id, entity_id, role) DO NOTHING`,
			inv.KillmailID, inv.EntityID, string(inv.Role))
	}
	return execBatch(ctx, t.tx, batch)
}

func (t *postgresTransaction) UpsertLoss(ctx context.Context, loss *model.CharacterLoss) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO character_loss (killmail_id, entity_id, occurred_at, ship_type_id,
			solar_system_id, attacker_count, total_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (killmail_id) DO UPDATE
		SET entity_id = excluded.entity_id,
			occurred_at = excluded.occurred_at,
			ship_type_id = excluded.ship_type_id,
			solar_system_id = excluded.solar_system_id,
			attacker_count = excluded.attacker_count,
			total_value = excluded.total_value`,
		loss.KillmailID, loss.EntityID, loss.OccurredAt, loss.ShipTypeID,
		loss.SolarSystemID, loss.AttackerCount, loss.TotalValue)
	return errors.WithStack(err)
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func int32Slice(values []int) []int32 {
	out := make([]int32, len(values))
	for i, v := range values {
		out[i] = int32(v)
	}
	return out
}
