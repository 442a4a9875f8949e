package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"github.com/killfeedproject/killfeed/internal/killfeed/model"
)

var (
	// Tables
	lossTable = goqu.T("character_loss")

	// Columns: character_loss table
	loss_killmailId    = goqu.I("character_loss.killmail_id")
	loss_entityId      = goqu.I("character_loss.entity_id")
	loss_occurredAt    = goqu.I("character_loss.occurred_at")
	loss_shipTypeId    = goqu.I("character_loss.ship_type_id")
	loss_solarSystemId = goqu.I("character_loss.solar_system_id")
	loss_attackerCount = goqu.I("character_loss.attacker_count")
	loss_totalValue    = goqu.I("character_loss.total_value")
)

type lossRow struct {
	KillmailId    int64     `db:"killmail_id"`
	EntityId      int64     `db:"entity_id"`
	OccurredAt    time.Time `db:"occurred_at"`
	ShipTypeId    int64     `db:"ship_type_id"`
	SolarSystemId int64     `db:"solar_system_id"`
	AttackerCount int       `db:"attacker_count"`
	TotalValue    float64   `db:"total_value"`
}

type lossStatsRow struct {
	Losses     int64        `db:"losses"`
	TotalValue float64      `db:"total_value"`
	FirstLoss  sql.NullTime `db:"first_loss"`
	LastLoss   sql.NullTime `db:"last_loss"`
}

// LossFilter narrows a loss feed query. EntityID is mandatory; a zero Since
// means no lower time bound and a zero Limit means no row cap.
type LossFilter struct {
	EntityID int64
	Since    time.Time
	Limit    uint
}

// LossStats aggregates the loss history of one tracked entity. FirstLoss and
// LastLoss are zero when the entity has no recorded losses.
type LossStats struct {
	Losses     int64
	TotalValue float64
	FirstLoss  time.Time
	LastLoss   time.Time
}

// LossRepository serves read-side loss feed queries. Writes go through the
// store; this type only ever selects.
type LossRepository struct {
	goquDb *goqu.Database
}

func NewLossRepository(db *goqu.Database) *LossRepository {
	return &LossRepository{goquDb: db}
}

// FromPool adapts an existing pgx connection pool into the database/sql shape
// goqu queries through. The returned handle maintains its own connections
// using the pool's configuration.
func FromPool(pool *pgxpool.Pool) *goqu.Database {
	return goqu.New("postgres", stdlib.OpenDB(*pool.Config().ConnConfig))
}

// RecentLosses returns the losses matching filter, newest first.
func (r *LossRepository) RecentLosses(ctx context.Context, filter LossFilter) ([]model.CharacterLoss, error) {
	ds := r.goquDb.
		From(lossTable).
		Select(
			loss_killmailId,
			loss_entityId,
			loss_occurredAt,
			loss_shipTypeId,
			loss_solarSystemId,
			loss_attackerCount,
			loss_totalValue).
		Where(loss_entityId.Eq(filter.EntityID)).
		Order(loss_occurredAt.Desc())
	if !filter.Since.IsZero() {
		ds = ds.Where(loss_occurredAt.Gte(filter.Since))
	}
	if filter.Limit > 0 {
		ds = ds.Limit(filter.Limit)
	}

	rows := make([]lossRow, 0)
	if err := ds.Prepared(true).ScanStructsContext(ctx, &rows); err != nil {
		return nil, errors.WithStack(err)
	}

	losses := make([]model.CharacterLoss, len(rows))
	for i, row := range rows {
		losses[i] = model.CharacterLoss{
			KillmailID:    row.KillmailId,
			EntityID:      row.EntityId,
			OccurredAt:    row.OccurredAt,
			ShipTypeID:    row.ShipTypeId,
			SolarSystemID: row.SolarSystemId,
			AttackerCount: row.AttackerCount,
			TotalValue:    row.TotalValue,
		}
	}
	return losses, nil
}

// GetLossStats aggregates the loss history of entityID. An entity with no
// losses yields the zero LossStats rather than an error.
func (r *LossRepository) GetLossStats(ctx context.Context, entityID int64) (LossStats, error) {
	ds := r.goquDb.
		From(lossTable).
		Select(
			goqu.COUNT("*").As("losses"),
			goqu.COALESCE(goqu.SUM(loss_totalValue), 0).As("total_value"),
			goqu.MIN(loss_occurredAt).As("first_loss"),
			goqu.MAX(loss_occurredAt).As("last_loss")).
		Where(loss_entityId.Eq(entityID))

	var row lossStatsRow
	found, err := ds.Prepared(true).ScanStructContext(ctx, &row)
	if err != nil {
		return LossStats{}, errors.WithStack(err)
	}
	if !found {
		return LossStats{}, nil
	}

	stats := LossStats{Losses: row.Losses, TotalValue: row.TotalValue}
	if row.FirstLoss.Valid {
		stats.FirstLoss = row.FirstLoss.Time
	}
	if row.LastLoss.Valid {
		stats.LastLoss = row.LastLoss.Time
	}
	return stats, nil
}
