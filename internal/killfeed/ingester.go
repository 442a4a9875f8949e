package killfeed

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/killfeedproject/killfeed/internal/common"
	"github.com/killfeedproject/killfeed/internal/common/database"
	"github.com/killfeedproject/killfeed/internal/common/health"
	"github.com/killfeedproject/killfeed/internal/killfeed/breaker"
	"github.com/killfeedproject/killfeed/internal/killfeed/configuration"
	"github.com/killfeedproject/killfeed/internal/killfeed/detail"
	"github.com/killfeedproject/killfeed/internal/killfeed/feed"
	"github.com/killfeedproject/killfeed/internal/killfeed/ingest"
	"github.com/killfeedproject/killfeed/internal/killfeed/ingest/metrics"
	"github.com/killfeedproject/killfeed/internal/killfeed/model"
	"github.com/killfeedproject/killfeed/internal/killfeed/ratelimit"
	"github.com/killfeedproject/killfeed/internal/killfeed/repository"
	"github.com/killfeedproject/killfeed/internal/killfeed/retry"
	"github.com/killfeedproject/killfeed/internal/killfeed/store"
)

// Run assembles the killmail ingester and drives backfill sweeps over the
// tracked entities until ctx is cancelled. With once set it performs a single
// sweep of the whole tracked set and returns.
func Run(ctx context.Context, config *configuration.Configuration, once bool) error {
	m := metrics.New(prometheus.DefaultRegisterer)

	//////////////////////////////////////////////////////////////////////////
	// Health checks and metrics
	//////////////////////////////////////////////////////////////////////////
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, healthChecks)
	defer shutdownMetricServer()

	//////////////////////////////////////////////////////////////////////////
	// Database
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Opening connection pool to postgres")
	db, err := database.OpenPgxPool(ctx, config.Postgres.Connection)
	if err != nil {
		return errors.WithMessage(err, "Error opening connection to postgres")
	}
	defer db.Close()
	s := store.NewPostgresStore(db, clock.RealClock{})
	losses := repository.NewLossRepository(repository.FromPool(db))

	//////////////////////////////////////////////////////////////////////////
	// Upstream clients
	//////////////////////////////////////////////////////////////////////////
	limiters := ratelimit.NewRegistry()
	feedClient, err := feed.NewClient(
		feed.Config{
			BaseURL:     config.Feed.BaseURL,
			UserAgent:   config.UserAgent,
			HTTPTimeout: config.Feed.HTTPTimeout,
		},
		limiters.Configure(feed.ServiceName, config.Feed.MinDelay),
		newBreaker(feed.ServiceName, config.Feed, m),
		retryOptions(feed.ServiceName, config.Feed, m),
	)
	if err != nil {
		return errors.WithMessage(err, "Error creating feed client")
	}
	detailClient, err := detail.NewClient(
		detail.Config{
			BaseURL:     config.Detail.BaseURL,
			UserAgent:   config.UserAgent,
			HTTPTimeout: config.Detail.HTTPTimeout,
			CacheTTL:    config.DetailCacheTTL,
		},
		limiters.Configure(detail.ServiceName, config.Detail.MinDelay),
		newBreaker(detail.ServiceName, config.Detail, m),
		retryOptions(detail.ServiceName, config.Detail, m),
	)
	if err != nil {
		return errors.WithMessage(err, "Error creating detail client")
	}

	//////////////////////////////////////////////////////////////////////////
	// Ingestion pipeline and scheduler
	//////////////////////////////////////////////////////////////////////////
	pipeline := ingest.NewPipeline(s, feedClient, detailClient, clock.RealClock{}, m)
	backfiller := ingest.NewBackfiller(s, feedClient, pipeline, ingest.BackfillOptions{
		MaxAgeDays:          config.Backfill.MaxAgeDays,
		MaxPages:            config.Backfill.MaxPages,
		MaxRecords:          config.Backfill.MaxRecords,
		MaxConsecutiveEmpty: config.Backfill.MaxConsecutiveEmpty,
		Cooldown:            config.Backfill.Cooldown,
	}, clock.RealClock{}, m)

	scheduler := ingest.NewScheduler(
		s,
		&lossReportingBackfiller{next: backfiller, losses: losses},
		trackedCharacters(config.TrackedCharacters),
		ingest.SchedulerOptions{
			PollInterval:           config.PollInterval,
			MaxConcurrentBackfills: config.MaxConcurrentBackfills,
		},
		clock.RealClock{},
	)

	startupCompleteCheck.MarkComplete()
	if once {
		return scheduler.Once(ctx)
	}
	return scheduler.Run(ctx)
}

func retryOptions(service string, sc configuration.ServiceConfig, m *metrics.Metrics) retry.Options {
	return retry.Options{
		Service:        service,
		MaxAttempts:    sc.MaxRetries,
		BaseDelay:      sc.InitialRetryDelay,
		MaxDelay:       sc.MaxRetryDelay,
		MaxJitter:      sc.MaxRetryJitter,
		AttemptTimeout: sc.HTTPTimeout,
		OnRetry: func(attempt int, err error) {
			m.RecordRetry(service)
			log.WithError(err).Warnf("%s call failed, retry %d scheduled", service, attempt)
		},
	}
}

func newBreaker(service string, sc configuration.ServiceConfig, m *metrics.Metrics) *breaker.Breaker {
	return breaker.New(breaker.Options{
		Service:          service,
		FailureThreshold: sc.FailureThreshold,
		Cooldown:         sc.Cooldown,
		OnStateChange: func(service string, from, to breaker.State) {
			log.Infof("%s circuit %s -> %s", service, from, to)
			m.SetCircuitState(service, float64(to))
		},
	}, clock.RealClock{})
}

func trackedCharacters(configs []configuration.TrackedCharacterConfig) []model.TrackedCharacter {
	characters := make([]model.TrackedCharacter, len(configs))
	for i, tc := range configs {
		characters[i] = model.TrackedCharacter{EntityID: tc.EntityID, Name: tc.Name}
	}
	return characters
}

// lossReportingBackfiller logs an entity's aggregated loss history after any
// sweep that ingested new records. Failures to read the aggregate never fail
// the sweep.
type lossReportingBackfiller struct {
	next   ingest.EntityBackfiller
	losses *repository.LossRepository
}

func (b *lossReportingBackfiller) Backfill(ctx context.Context, entityID int64) (ingest.Summary, error) {
	summary, err := b.next.Backfill(ctx, entityID)
	if err != nil || summary.Ingested == 0 {
		return summary, err
	}
	stats, statsErr := b.losses.GetLossStats(ctx, entityID)
	if statsErr != nil {
		log.WithError(statsErr).Warnf("failed to aggregate losses for entity %d", entityID)
		return summary, nil
	}
	log.WithFields(log.Fields{
		"entity":     entityID,
		"losses":     stats.Losses,
		"totalValue": stats.TotalValue,
		"lastLoss":   stats.LastLoss,
	}).Info("loss history updated")
	return summary, nil
}
