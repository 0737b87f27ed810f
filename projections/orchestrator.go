package projections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/catalog/config"
	"example.com/backstage/services/catalog/domain"
)

// ErrProjectionHalted is returned when an event keeps failing after every retry.
// The projection stays on the failing event until it can be applied.
var ErrProjectionHalted = errors.New("projection halted")

// errPositionMoved stops a batch whose position was reset or overtaken by another instance
var errPositionMoved = errors.New("projection position moved")

// Projector applies events to a read model. Apply must be an idempotent upsert
// keyed by aggregate ID so replays converge on the same state.
type Projector interface {
	Name() string
	Apply(ctx context.Context, event domain.Event) error
}

// Resetter is implemented by projectors that can drop their read model before a rebuild
type Resetter interface {
	Reset(ctx context.Context) error
}

// EventReader reads the global event log in sequence order
type EventReader interface {
	ReadAfter(ctx context.Context, afterSequence int64, limit int) ([]domain.Event, error)
	CountAfter(ctx context.Context, afterSequence int64) (int64, error)
}

// Metrics receives projection measurements
type Metrics interface {
	RecordEventProcessed(projection string)
	RecordProcessingTime(projection string, d time.Duration)
	RecordError(projection string)
	RecordLag(projection string, lag int64)
}

type healthRecorder interface {
	RecordHealth(projection string, healthy bool)
}

type txPositionResetter interface {
	ResetPositionWith(ctx context.Context, name string, fn func(tx *gorm.DB) error) error
}

// LagStatus classifies how far a projection trails the event log
type LagStatus string

const (
	LagCurrent             LagStatus = "CURRENT"
	LagSlightlyBehind      LagStatus = "SLIGHTLY_BEHIND"
	LagBehind              LagStatus = "BEHIND"
	LagSignificantlyBehind LagStatus = "SIGNIFICANTLY_BEHIND"
)

// Health levels reported alongside the lag status
const (
	LevelOK      = "ok"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Health describes the lag of one projection
type Health struct {
	ProjectionName string    `json:"projection_name"`
	EventLag       int64     `json:"event_lag"`
	Status         LagStatus `json:"status"`
	Level          string    `json:"level"`
	Healthy        bool      `json:"healthy"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Status is the full operational view of a projection
type Status struct {
	Position  Position  `json:"position"`
	Health    Health    `json:"health"`
	Running   bool      `json:"running"`
	LastError string    `json:"last_error,omitempty"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}

// BatchResult summarizes one batch
type BatchResult struct {
	Fetched  int
	Applied  int
	Position Position
}

// Options tunes batching, retry and lag classification
type Options struct {
	BatchSize            int
	Interval             time.Duration
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxAttempts     uint
	SlightlyBehindMaxLag int64
	BehindMaxLag         int64
}

// DefaultOptions returns the settings used when none are configured
func DefaultOptions() Options {
	return Options{
		BatchSize:            100,
		Interval:             5 * time.Second,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		RetryMaxAttempts:     5,
		SlightlyBehindMaxLag: 10,
		BehindMaxLag:         1000,
	}
}

// OptionsFromConfig builds orchestrator options from configuration, keeping defaults for unset values
func OptionsFromConfig(cfg config.ProjectionConfig) Options {
	opts := DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.BatchSize = cfg.BatchSize
	}
	if cfg.Interval > 0 {
		opts.Interval = cfg.Interval
	}
	if cfg.RetryInitialInterval > 0 {
		opts.RetryInitialInterval = cfg.RetryInitialInterval
	}
	if cfg.RetryMaxInterval > 0 {
		opts.RetryMaxInterval = cfg.RetryMaxInterval
	}
	if cfg.RetryMaxAttempts > 0 {
		opts.RetryMaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.SlightlyBehindMaxLag > 0 {
		opts.SlightlyBehindMaxLag = cfg.SlightlyBehindMaxLag
	}
	if cfg.BehindMaxLag > 0 {
		opts.BehindMaxLag = cfg.BehindMaxLag
	}
	return opts
}

// Orchestrator advances one projector through the event log.
//
// Several orchestrators may share a projection name and position store, as the
// API server and the worker do. Positions are fenced by generation: a batch whose
// position was reset or overtaken is dropped and the next batch starts from the
// stored position.
type Orchestrator struct {
	projector Projector
	events    EventReader
	positions PositionStore
	metrics   Metrics
	opts      Options
	now       func() time.Time

	// work serializes batches and rebuilds
	work sync.Mutex

	mutex     sync.Mutex
	running   bool
	lastError string
	lastRunAt time.Time
}

// NewOrchestrator creates a new projection orchestrator
func NewOrchestrator(projector Projector, events EventReader, positions PositionStore, metrics Metrics, opts Options) *Orchestrator {
	defaults := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.Interval <= 0 {
		opts.Interval = defaults.Interval
	}
	if opts.RetryMaxAttempts == 0 {
		opts.RetryMaxAttempts = defaults.RetryMaxAttempts
	}
	if opts.SlightlyBehindMaxLag <= 0 {
		opts.SlightlyBehindMaxLag = defaults.SlightlyBehindMaxLag
	}
	if opts.BehindMaxLag <= 0 {
		opts.BehindMaxLag = defaults.BehindMaxLag
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Orchestrator{
		projector: projector,
		events:    events,
		positions: positions,
		metrics:   metrics,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Name returns the projection name
func (o *Orchestrator) Name() string {
	return o.projector.Name()
}

// ProcessEventBatch applies the next batch of events after the stored position
func (o *Orchestrator) ProcessEventBatch(ctx context.Context) (BatchResult, error) {
	o.work.Lock()
	defer o.work.Unlock()

	return o.processBatch(ctx)
}

// ProcessToCurrent applies batches until the projection has caught up with the log
func (o *Orchestrator) ProcessToCurrent(ctx context.Context) (int, error) {
	o.work.Lock()
	defer o.work.Unlock()

	return o.processToCurrent(ctx)
}

// RebuildProjection resets the projection and replays the whole event log
func (o *Orchestrator) RebuildProjection(ctx context.Context) (int, error) {
	o.work.Lock()
	defer o.work.Unlock()

	name := o.projector.Name()
	log.Info().Str("projection", name).Msg("Rebuilding projection")

	if err := o.reset(ctx); err != nil {
		return 0, err
	}

	applied, err := o.processToCurrent(ctx)
	if err != nil {
		return applied, err
	}

	log.Info().Str("projection", name).Int("events", applied).Msg("Projection rebuilt")
	return applied, nil
}

// GetProjectionHealth reports how many events the projection has yet to apply
func (o *Orchestrator) GetProjectionHealth(ctx context.Context) (Health, error) {
	pos, err := o.positions.GetPosition(ctx, o.projector.Name())
	if err != nil {
		return Health{}, err
	}
	return o.healthAt(ctx, pos)
}

// GetProjectionStatus returns the position, health and run state of the projection
func (o *Orchestrator) GetProjectionStatus(ctx context.Context) (Status, error) {
	pos, err := o.positions.GetPosition(ctx, o.projector.Name())
	if err != nil {
		return Status{}, err
	}
	h, err := o.healthAt(ctx, pos)
	if err != nil {
		return Status{}, err
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()

	return Status{
		Position:  pos,
		Health:    h,
		Running:   o.running,
		LastError: o.lastError,
		LastRunAt: o.lastRunAt,
	}, nil
}

// Run processes the log to current on every interval until ctx is done
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mutex.Lock()
	if o.running {
		o.mutex.Unlock()
		return fmt.Errorf("projection %s is already running", o.projector.Name())
	}
	o.running = true
	o.mutex.Unlock()

	defer func() {
		o.mutex.Lock()
		o.running = false
		o.mutex.Unlock()
	}()

	log.Info().Str("projection", o.projector.Name()).Dur("interval", o.opts.Interval).Msg("Starting projection")

	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := o.ProcessToCurrent(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("projection", o.projector.Name()).Msg("Failed to process event batch")
		}

		select {
		case <-ctx.Done():
			log.Info().Str("projection", o.projector.Name()).Msg("Projection stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) processToCurrent(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		res, err := o.processBatch(ctx)
		total += res.Applied
		if err != nil {
			return total, err
		}
		if res.Fetched < o.opts.BatchSize {
			return total, nil
		}
	}
}

// reset moves the position back to the start of the log and clears the read
// model, in one transaction when both live in the same database
func (o *Orchestrator) reset(ctx context.Context) error {
	name := o.projector.Name()

	if ps, ok := o.positions.(txPositionResetter); ok {
		if tr, ok := o.projector.(TxResetter); ok {
			if err := ps.ResetPositionWith(ctx, name, tr.ResetTx); err != nil {
				return fmt.Errorf("failed to reset projection %s: %w", name, err)
			}
			return nil
		}
	}

	// The position goes first: a crash in between leaves a full replay over a
	// stale read model, which the projector's version guards converge.
	if err := o.positions.ResetPosition(ctx, name); err != nil {
		return fmt.Errorf("failed to reset projection %s: %w", name, err)
	}
	if r, ok := o.projector.(Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset read model of %s: %w", name, err)
		}
	}
	return nil
}

func (o *Orchestrator) healthAt(ctx context.Context, pos Position) (Health, error) {
	name := o.projector.Name()

	lag, err := o.events.CountAfter(ctx, pos.LastSequence)
	if err != nil {
		return Health{}, fmt.Errorf("failed to count events after %d: %w", pos.LastSequence, err)
	}

	h := o.classify(lag)
	o.metrics.RecordLag(name, lag)
	if hr, ok := o.metrics.(healthRecorder); ok {
		hr.RecordHealth(name, h.Healthy)
	}
	return h, nil
}

func (o *Orchestrator) recordLag(ctx context.Context, pos Position) {
	lag, err := o.events.CountAfter(ctx, pos.LastSequence)
	if err != nil {
		log.Warn().Err(err).Str("projection", o.projector.Name()).Msg("Failed to measure projection lag")
		return
	}
	o.metrics.RecordLag(o.projector.Name(), lag)
}

// moved reports whether the stored position is no longer the one a batch started from
func (o *Orchestrator) moved(ctx context.Context, from Position) bool {
	current, err := o.positions.GetPosition(ctx, o.projector.Name())
	if err != nil {
		return false
	}
	return current.Generation != from.Generation || current.LastSequence > from.LastSequence
}

func (o *Orchestrator) processBatch(ctx context.Context) (BatchResult, error) {
	name := o.projector.Name()

	pos, err := o.positions.GetPosition(ctx, name)
	if err != nil {
		return BatchResult{}, err
	}
	start := pos

	events, err := o.events.ReadAfter(ctx, pos.LastSequence, o.opts.BatchSize)
	if err != nil {
		o.setLastRun(err)
		return BatchResult{Position: pos}, fmt.Errorf("failed to read events after %d: %w", pos.LastSequence, err)
	}

	res := BatchResult{Fetched: len(events), Position: pos}
	if len(events) == 0 {
		o.setLastRun(nil)
		o.recordLag(ctx, pos)
		return res, nil
	}

	log.Debug().Str("projection", name).Int("count", len(events)).Msg("Processing events")

	var applyErr error
	for _, evt := range events {
		if err := o.applyWithRetry(ctx, start, evt); err != nil {
			if errors.Is(err, errPositionMoved) {
				return o.dropBatch(res, start), nil
			}
			applyErr = fmt.Errorf("%w: %s stopped at event %s (sequence %d): %w",
				ErrProjectionHalted, name, evt.ID, evt.Sequence, err)
			break
		}

		pos.LastEventID = evt.ID
		pos.LastSequence = evt.Sequence
		pos.EventsProcessed++
		pos.LastProcessedAt = o.now()
		res.Applied++
		o.metrics.RecordEventProcessed(name)
	}

	if res.Applied > 0 {
		if err := o.positions.SavePosition(ctx, pos); err != nil {
			if errors.Is(err, ErrPositionReset) || errors.Is(err, ErrPositionRegression) {
				return o.dropBatch(res, start), nil
			}
			o.setLastRun(err)
			return res, err
		}
		res.Position = pos
	}

	o.setLastRun(applyErr)
	o.recordLag(ctx, res.Position)
	if applyErr != nil {
		log.Error().Err(applyErr).Str("projection", name).Int64("sequence", pos.LastSequence).Msg("Projection halted")
		return res, applyErr
	}
	return res, nil
}

// dropBatch discards a batch whose position moved underneath it. Fetched is kept
// so ProcessToCurrent reads the stored position again.
func (o *Orchestrator) dropBatch(res BatchResult, start Position) BatchResult {
	log.Warn().
		Str("projection", o.projector.Name()).
		Int64("generation", start.Generation).
		Int64("sequence", start.LastSequence).
		Msg("Projection position moved by another instance, discarding batch")

	o.setLastRun(nil)
	res.Applied = 0
	res.Position = start
	return res
}

func (o *Orchestrator) applyWithRetry(ctx context.Context, from Position, evt domain.Event) error {
	name := o.projector.Name()

	b := backoff.NewExponentialBackOff()
	if o.opts.RetryInitialInterval > 0 {
		b.InitialInterval = o.opts.RetryInitialInterval
	}
	if o.opts.RetryMaxInterval > 0 {
		b.MaxInterval = o.opts.RetryMaxInterval
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		start := time.Now()
		err := o.projector.Apply(ctx, evt)
		o.metrics.RecordProcessingTime(name, time.Since(start))
		if err != nil {
			o.metrics.RecordError(name)
			if o.moved(ctx, from) {
				return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %w", errPositionMoved, err))
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(o.opts.RetryMaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).
				Str("projection", name).
				Str("eventID", evt.ID.String()).
				Dur("retryIn", next).
				Msg("Failed to apply event, retrying")
		}),
	)
	return err
}

func (o *Orchestrator) classify(lag int64) Health {
	h := Health{
		ProjectionName: o.projector.Name(),
		EventLag:       lag,
		CheckedAt:      o.now(),
	}

	switch {
	case lag == 0:
		h.Status, h.Level, h.Healthy = LagCurrent, LevelOK, true
	case lag <= o.opts.SlightlyBehindMaxLag:
		h.Status, h.Level, h.Healthy = LagSlightlyBehind, LevelOK, true
	case lag <= o.opts.BehindMaxLag:
		h.Status, h.Level, h.Healthy = LagBehind, LevelWarning, true
	default:
		h.Status, h.Level, h.Healthy = LagSignificantlyBehind, LevelError, false
	}
	return h
}

func (o *Orchestrator) setLastRun(err error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.lastRunAt = o.now()
	if err != nil {
		o.lastError = err.Error()
	} else {
		o.lastError = ""
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordEventProcessed(string)                {}
func (noopMetrics) RecordProcessingTime(string, time.Duration) {}
func (noopMetrics) RecordError(string)                         {}
func (noopMetrics) RecordLag(string, int64)                    {}
