// Package service orchestrates the batch write path (recompute, detect,
// invalidate, record) and the cache-first read views.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"shelfwatch/internal/anomaly"
	"shelfwatch/internal/cache"
	"shelfwatch/internal/config"
	"shelfwatch/internal/mart"
	"shelfwatch/internal/readpath"
	"shelfwatch/internal/scheduler"
	"shelfwatch/internal/storage"
)

// ErrNotFound reports an unknown entity on the read path.
var ErrNotFound = errors.New("service: entity not found")

// BatchSummary is the outcome of one full batch cycle.
type BatchSummary struct {
	TargetDate time.Time      `json:"target_date"`
	Status     string         `json:"status"`
	Recompute  mart.Result    `json:"recompute"`
	Detection  anomaly.Result `json:"detection"`
}

// Service wires the engine, detector, cache, and read coordinator.
type Service struct {
	facts       storage.FactReader
	martReader  storage.MartReader
	martWriter  storage.MartWriter
	alertStore  storage.AlertStore
	engine      *mart.Engine
	detector    *anomaly.Detector
	coordinator *readpath.Coordinator
	invalidator cache.Invalidator
	scheduler   *scheduler.Scheduler
	cacheCfg    config.CacheConfig
	logger      zerolog.Logger
	now         func() time.Time
}

// Deps collects the service's collaborators. The scheduler and coordinator
// may be nil for one-shot CLI invocations that only run batches.
type Deps struct {
	Facts       storage.FactReader
	MartReader  storage.MartReader
	MartWriter  storage.MartWriter
	AlertStore  storage.AlertStore
	Engine      *mart.Engine
	Detector    *anomaly.Detector
	Coordinator *readpath.Coordinator
	Invalidator cache.Invalidator
	Scheduler   *scheduler.Scheduler
}

// New constructs the service.
func New(deps Deps, cacheCfg config.CacheConfig, logger zerolog.Logger) *Service {
	return &Service{
		facts:       deps.Facts,
		martReader:  deps.MartReader,
		martWriter:  deps.MartWriter,
		alertStore:  deps.AlertStore,
		engine:      deps.Engine,
		detector:    deps.Detector,
		coordinator: deps.Coordinator,
		invalidator: deps.Invalidator,
		scheduler:   deps.Scheduler,
		cacheCfg:    cacheCfg,
		logger:      logger.With().Str("component", "service").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the scheduled batch loop. Each tick recomputes the prior UTC
// day, so a daily interval processes yesterday once its facts are settled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.processTick)
}

func (s *Service) processTick(ctx context.Context, bucket time.Time) error {
	target := storage.Day(bucket).AddDate(0, 0, -1)
	_, err := s.RunBatch(ctx, target, nil)
	if errors.Is(err, storage.ErrBatchInFlight) {
		s.logger.Debug().Time("target_date", target).Msg("skip tick, batch already running elsewhere")
		return nil
	}
	return err
}

// RunBatch executes one full cycle for targetDate: recompute derived rows,
// publish cache invalidation for everything the batch may have rewritten,
// run anomaly detection, invalidate alert views, and record the run.
// Invalidation is published only after the engine's writes have committed,
// so a read arriving afterwards can never see pre-batch data as fresh.
func (s *Service) RunBatch(ctx context.Context, targetDate time.Time, scope []string) (BatchSummary, error) {
	day := storage.Day(targetDate)
	summary := BatchSummary{TargetDate: day}

	recompute, err := s.engine.Recompute(ctx, day, scope)
	summary.Recompute = recompute
	summary.Status = recompute.Status
	if err != nil {
		s.recordRun(ctx, summary, err)
		return summary, err
	}

	s.invalidateDerived(ctx, scope)

	detection, err := s.detector.Detect(ctx, day, scope)
	summary.Detection = detection
	if err != nil {
		if summary.Status == storage.BatchSuccess {
			summary.Status = storage.BatchPartial
		}
		s.recordRun(ctx, summary, err)
		return summary, fmt.Errorf("detect anomalies: %w", err)
	}
	if detection.Created > 0 {
		s.invalidateAlerts(ctx, scope)
	}

	s.recordRun(ctx, summary, nil)
	return summary, nil
}

func (s *Service) invalidateDerived(ctx context.Context, scope []string) {
	if s.invalidator == nil {
		return
	}
	patterns := []string{"entity:*", "compare:*"}
	if len(scope) > 0 {
		patterns = patterns[:0]
		for _, id := range scope {
			patterns = append(patterns, cache.EntityPattern(id), cache.ComparePattern(id))
		}
	}
	for _, pattern := range patterns {
		if err := s.invalidator.Invalidate(ctx, pattern); err != nil {
			s.logger.Warn().Err(err).Str("pattern", pattern).Msg("invalidation publish failed")
		}
	}
}

func (s *Service) invalidateAlerts(ctx context.Context, scope []string) {
	if s.invalidator == nil {
		return
	}
	patterns := []string{"alerts:*"}
	if len(scope) > 0 {
		patterns = patterns[:0]
		for _, id := range scope {
			patterns = append(patterns, cache.AlertsPattern(id))
		}
	}
	for _, pattern := range patterns {
		if err := s.invalidator.Invalidate(ctx, pattern); err != nil {
			s.logger.Warn().Err(err).Str("pattern", pattern).Msg("invalidation publish failed")
		}
	}
}

// recordRun persists the batch outcome for job-status introspection. A
// recording failure is logged, never fatal.
func (s *Service) recordRun(ctx context.Context, summary BatchSummary, runErr error) {
	if s.martWriter == nil {
		return
	}
	counts, err := json.Marshal(summary)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal batch counts")
		return
	}
	run := storage.BatchRun{
		TargetDate: summary.TargetDate,
		Status:     summary.Status,
		Counts:     counts,
		StartedAt:  summary.Recompute.StartedAt,
		FinishedAt: s.now(),
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := s.martWriter.RecordBatchRun(ctx, run); err != nil {
		s.logger.Error().Err(err).Time("target_date", run.TargetDate).Msg("record batch run failed")
	}
}

// BatchStatus exposes job-status introspection for a date.
func (s *Service) BatchStatus(ctx context.Context, targetDate time.Time) (*storage.BatchRun, error) {
	return s.martReader.GetBatchRun(ctx, storage.Day(targetDate))
}
