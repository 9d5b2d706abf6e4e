package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"rainmon/internal/rain"
	"rainmon/internal/upstream"
)

// ErrInvalidConfig is returned by ConfigureSource for configuration that
// must be rejected rather than clamped.
var ErrInvalidConfig = errors.New("invalid source config")

var validate = validator.New()

// Options tunes the engine. Zero values get sensible defaults.
type Options struct {
	// NotifyAlways switches the change notifier from change-only to
	// notify-on-every-successful-cycle.
	NotifyAlways bool

	// MinIntervals holds the per-source poll interval floor. Configuration
	// below the floor is rejected, not clamped.
	MinIntervals map[rain.SourceID]time.Duration

	// PollerFactory overrides how pollers are built from configuration.
	// Tests use this to substitute fakes.
	PollerFactory func(cfg rain.SourceConfig) (Poller, error)

	Logger zerolog.Logger
}

func defaultMinIntervals() map[rain.SourceID]time.Duration {
	return map[rain.SourceID]time.Duration{
		rain.SourceCurrentConditions: 1 * time.Minute,
		rain.SourceRecentRainfall:    15 * time.Minute,
	}
}

// JobHandle represents one configured source's recurring poll job. It is
// owned by the engine; callers only pass it back to Start and Stop.
type JobHandle struct {
	cfg    rain.SourceConfig
	poller Poller

	job     *gocron.Job
	cancel  context.CancelFunc
	running bool

	// pub serializes the cycle's final cancellation check and publish
	// with Stop, so no notification lands after Stop has returned.
	pub sync.Mutex
}

// Config returns a copy of the configuration the job was created from.
func (h *JobHandle) Config() rain.SourceConfig { return h.cfg }

// Engine owns one independent recurring poll job per configured source
// and the per-source derived state those jobs produce.
type Engine struct {
	opts       Options
	conditions *upstream.ConditionsClient
	rainfall   *upstream.RainfallClient
	notifier   *Notifier
	log        zerolog.Logger

	sched *gocron.Scheduler

	mu           sync.Mutex
	jobs         map[rain.SourceID]*JobHandle
	schedStarted bool
}

func New(conditions *upstream.ConditionsClient, rainfall *upstream.RainfallClient, opts Options) *Engine {
	if opts.MinIntervals == nil {
		opts.MinIntervals = defaultMinIntervals()
	}

	return &Engine{
		opts:       opts,
		conditions: conditions,
		rainfall:   rainfall,
		notifier:   NewNotifier(opts.NotifyAlways, opts.Logger),
		log:        opts.Logger,
		sched:      gocron.NewScheduler(time.UTC),
		jobs:       make(map[rain.SourceID]*JobHandle),
	}
}

// ConfigureSource validates the configuration and creates an idle job for
// it. Each source can be configured once.
func (e *Engine) ConfigureSource(cfg rain.SourceConfig) (*JobHandle, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	min, ok := e.opts.MinIntervals[cfg.Source]
	if !ok {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidConfig, cfg.Source)
	}
	if cfg.PollInterval < min {
		return nil, fmt.Errorf("%w: poll interval %s below the %s minimum for %s",
			ErrInvalidConfig, cfg.PollInterval, min, cfg.Source)
	}

	if cfg.Source == rain.SourceRecentRainfall {
		if len(cfg.Windows) == 0 {
			return nil, fmt.Errorf("%w: recent-rainfall requires at least one window", ErrInvalidConfig)
		}
		for _, w := range cfg.Windows {
			if w.Days <= 0 {
				return nil, fmt.Errorf("%w: window days must be positive, got %d", ErrInvalidConfig, w.Days)
			}
			if !w.Informational && w.AmountInches <= 0 {
				return nil, fmt.Errorf("%w: window of %d days needs a positive threshold", ErrInvalidConfig, w.Days)
			}
		}
	}

	poller, err := e.pollerFor(cfg)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.jobs[cfg.Source]; exists {
		return nil, fmt.Errorf("%w: source %s already configured", ErrInvalidConfig, cfg.Source)
	}

	handle := &JobHandle{cfg: cfg, poller: poller}
	e.jobs[cfg.Source] = handle
	return handle, nil
}

func (e *Engine) pollerFor(cfg rain.SourceConfig) (Poller, error) {
	if e.opts.PollerFactory != nil {
		return e.opts.PollerFactory(cfg)
	}

	switch cfg.Source {
	case rain.SourceCurrentConditions:
		return &conditionsPoller{client: e.conditions, stationID: cfg.StationID}, nil
	case rain.SourceRecentRainfall:
		return &rainfallPoller{
			client:    e.rainfall,
			stationID: cfg.StationID,
			windows:   cfg.Windows,
			tz:        cfg.Location(),
			now:       time.Now,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidConfig, cfg.Source)
	}
}

// Start fires one fetch immediately and arms the repeating timer. Starting
// an already-running job is a no-op. A job stopped earlier may be started
// again; it always begins with a fresh fetch rather than trusting any
// previously held state.
func (e *Engine) Start(h *JobHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	job, err := e.sched.Every(h.cfg.PollInterval).
		SingletonMode().
		StartImmediately().
		Tag(string(h.cfg.Source)).
		Do(func() { e.runCycle(h, ctx) })
	if err != nil {
		cancel()
		return fmt.Errorf("schedule %s: %w", h.cfg.Source, err)
	}

	h.job = job
	h.cancel = cancel
	h.running = true

	if !e.schedStarted {
		e.sched.StartAsync()
		e.schedStarted = true
	}

	e.log.Info().
		Str("source", string(h.cfg.Source)).
		Str("station", h.cfg.StationID).
		Dur("interval", h.cfg.PollInterval).
		Msg("poll job started")
	return nil
}

// Stop cancels the job's timer. An in-flight cycle is allowed to finish
// but its result is discarded. Stopping an already-stopped job is a no-op.
func (e *Engine) Stop(h *JobHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !h.running {
		return
	}

	h.cancel()
	e.sched.RemoveByReference(h.job)
	h.job = nil
	h.running = false

	// Wait out a cycle that already passed its cancellation check; its
	// notification completes before Stop returns, and later cycles see
	// the canceled context.
	h.pub.Lock()
	e.log.Info().Str("source", string(h.cfg.Source)).Msg("poll job stopped")
	h.pub.Unlock()
}

// Shutdown stops every job and the underlying scheduler.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	handles := make([]*JobHandle, 0, len(e.jobs))
	for _, h := range e.jobs {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		e.Stop(h)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.schedStarted {
		e.sched.Stop()
		e.schedStarted = false
	}
}

// runCycle performs one fetch-retry-derive-notify sequence. Failures are
// logged and leave the last state untouched; nothing a single cycle does
// can stop future ticks or other sources.
func (e *Engine) runCycle(h *JobHandle, jobCtx context.Context) {
	if jobCtx.Err() != nil {
		return
	}

	state, err := h.poller.Poll(jobCtx)
	if err != nil {
		if jobCtx.Err() != nil {
			// Stop was requested while the fetch was in flight; the
			// canceled attempt is not a failure worth reporting.
			return
		}
		evt := e.log.Error()
		if upstream.IsRateLimited(err) {
			evt = e.log.Warn().Bool("rate_limited", true)
		}
		evt.Err(err).
			Str("source", string(h.cfg.Source)).
			Msg("poll cycle failed, keeping last state")
		return
	}

	// The job may have been stopped while the fetch was in flight. The
	// check and the publish hold the handle's publish lock so Stop can
	// draw a line after which no notification is delivered.
	h.pub.Lock()
	defer h.pub.Unlock()

	if jobCtx.Err() != nil {
		return
	}

	e.notifier.Publish(h.cfg.Source, state)
}

// OnStateChange registers an observer for one source. Multiple observers
// are invoked in registration order, synchronously on the polling
// goroutine; observers must not call back into Start or Stop.
func (e *Engine) OnStateChange(source rain.SourceID, fn Observer) {
	e.notifier.Subscribe(source, fn)
}

// Sources returns the configuration of every configured source, whether
// or not its job is currently running, ordered by source ID.
func (e *Engine) Sources() []rain.SourceConfig {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]rain.SourceConfig, 0, len(e.jobs))
	for _, h := range e.jobs {
		out = append(out, h.Config())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// CurrentState returns a snapshot of the source's last derived state. It
// never blocks on network activity.
func (e *Engine) CurrentState(source rain.SourceID) (rain.DerivedState, bool) {
	return e.notifier.Current(source)
}

// States returns snapshots of every source that has derived a state.
func (e *Engine) States() map[rain.SourceID]rain.DerivedState {
	return e.notifier.All()
}
