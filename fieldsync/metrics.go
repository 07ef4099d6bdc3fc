package fieldsync

import (
	"context"
	"time"
)

// Stage labels reported through StageMetricsRecorder. An operation (push or
// pull) is broken into the stages below so slow rounds can be attributed to
// validation, gating, scope resolution or the apply itself.
const (
	MetricsOpPush = "push"
	MetricsOpPull = "pull"

	MetricsStageTotal = "total"
	MetricsStageScope = "scope"

	// Push stages.
	MetricsStagePushValidate = "validate"
	MetricsStagePushGate     = "gate"
	MetricsStagePushApply    = "apply"

	// Pull stages.
	MetricsStagePullRecords    = "records"
	MetricsStagePullTombstones = "tombstones"
)

// StageTiming is one timed stage observation. Count is the number of items
// the stage processed (operations, rows); Attempt is how many transaction
// attempts it took.
type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

// StageMetricsRecorder receives stage timings. Implementations typically
// forward to a metrics backend; they must be safe for concurrent use.
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

// StageMetricsRecorderFunc adapts a plain function to StageMetricsRecorder.
type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (s *SyncService) stageTimingEnabled() bool {
	if s == nil || s.config == nil {
		return false
	}
	return s.config.StageMetrics != nil || s.config.LogStageTimings
}

// stageStart marks the beginning of a stage. It returns the zero time when
// neither a recorder nor timing logs are configured, which turns the matching
// observeStage into a no-op without branching at every call site.
func (s *SyncService) stageStart() time.Time {
	if !s.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

// observeStage reports one completed stage to the configured recorder and,
// when enabled, to the debug log.
func (s *SyncService) observeStage(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() || s == nil || s.config == nil {
		return
	}

	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}
	if s.config.StageMetrics != nil {
		s.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if s.config.LogStageTimings && s.logger != nil {
		s.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
