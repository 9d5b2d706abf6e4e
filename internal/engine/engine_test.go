package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rainmon/internal/rain"
)

type fakePoller struct {
	mu    sync.Mutex
	polls int
	fn    func(call int) (rain.DerivedState, error)
}

func (p *fakePoller) Poll(ctx context.Context) (rain.DerivedState, error) {
	p.mu.Lock()
	p.polls++
	call := p.polls
	p.mu.Unlock()
	return p.fn(call)
}

func (p *fakePoller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

func newTestEngine(t *testing.T, p Poller) *Engine {
	t.Helper()
	e := New(nil, nil, Options{
		Logger: zerolog.Nop(),
		MinIntervals: map[rain.SourceID]time.Duration{
			rain.SourceCurrentConditions: time.Millisecond,
			rain.SourceRecentRainfall:    time.Millisecond,
		},
		PollerFactory: func(rain.SourceConfig) (Poller, error) { return p, nil },
	})
	t.Cleanup(e.Shutdown)
	return e
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConfigureSourceRejectsSubMinimumInterval(t *testing.T) {
	e := New(nil, nil, Options{Logger: zerolog.Nop()})

	_, err := e.ConfigureSource(rain.SourceConfig{
		Source:       rain.SourceCurrentConditions,
		StationID:    "KPDX",
		PollInterval: 30 * time.Second, // minimum is 1 minute
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	_, err = e.ConfigureSource(rain.SourceConfig{
		Source:       rain.SourceRecentRainfall,
		StationID:    "USC00356750",
		PollInterval: 5 * time.Minute, // minimum is 15 minutes
		Windows:      []rain.Window{{Days: 1, AmountInches: 0.1}},
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestConfigureSourceRejectsMalformedConfig(t *testing.T) {
	e := New(nil, nil, Options{Logger: zerolog.Nop()})

	cases := []rain.SourceConfig{
		{Source: rain.SourceCurrentConditions, PollInterval: time.Hour}, // no station
		{Source: "made-up", StationID: "X", PollInterval: time.Hour},
		{Source: rain.SourceRecentRainfall, StationID: "X", PollInterval: time.Hour}, // no windows
		{Source: rain.SourceRecentRainfall, StationID: "X", PollInterval: time.Hour,
			Windows: []rain.Window{{Days: 0, AmountInches: 0.1}}},
		{Source: rain.SourceRecentRainfall, StationID: "X", PollInterval: time.Hour,
			Windows: []rain.Window{{Days: 1}}}, // thresholded window without an amount
	}

	for i, cfg := range cases {
		if _, err := e.ConfigureSource(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}

func TestConfigureSourceRejectsDuplicate(t *testing.T) {
	p := &fakePoller{fn: func(int) (rain.DerivedState, error) { return boolState(false), nil }}
	e := newTestEngine(t, p)

	cfg := rain.SourceConfig{
		Source:       rain.SourceCurrentConditions,
		StationID:    "KPDX",
		PollInterval: 100 * time.Millisecond,
	}

	if _, err := e.ConfigureSource(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.ConfigureSource(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected duplicate configure to fail, got %v", err)
	}
}

func TestStartFiresImmediateFetch(t *testing.T) {
	p := &fakePoller{fn: func(int) (rain.DerivedState, error) { return boolState(true), nil }}
	e := newTestEngine(t, p)

	// Long interval: any poll observed within the test is the immediate one.
	h, err := e.ConfigureSource(rain.SourceConfig{
		Source:       rain.SourceCurrentConditions,
		StationID:    "KPDX",
		PollInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := e.CurrentState(rain.SourceCurrentConditions); ok {
		t.Fatal("expected no state before Start")
	}

	if err := e.Start(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, 3*time.Second, "immediate first fetch", func() bool {
		_, ok := e.CurrentState(rain.SourceCurrentConditions)
		return ok
	})

	state, _ := e.CurrentState(rain.SourceCurrentConditions)
	if !state.Active {
		t.Fatalf("expected derived state active, got %+v", state)
	}
}

func TestIdenticalCyclesNotifyOnce(t *testing.T) {
	p := &fakePoller{fn: func(int) (rain.DerivedState, error) { return boolState(true), nil }}
	e := newTestEngine(t, p)

	var mu sync.Mutex
	var notifications int
	e.OnStateChange(rain.SourceCurrentConditions, func(rain.SourceID, rain.DerivedState) {
		mu.Lock()
		notifications++
		mu.Unlock()
	})

	h, err := e.ConfigureSource(rain.SourceConfig{
		Source:       rain.SourceCurrentConditions,
		StationID:    "KPDX",
		PollInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Start(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, 3*time.Second, "several poll cycles", func() bool { return p.count() >= 3 })

	mu.Lock()
	defer mu.Unlock()
	if notifications != 1 {
		t.Fatalf("identical successful derivations must notify once, got %d", notifications)
	}
}

func TestStopPreventsFurtherNotifications(t *testing.T) {
	p := &fakePoller{fn: func(call int) (rain.DerivedState, error) {
		// Every cycle derives a different state, so every cycle would notify.
		return rain.DerivedState{Kind: rain.StateBoolean, Active: call%2 == 0}, nil
	}}
	e := newTestEngine(t, p)

	var mu sync.Mutex
	var notifications int
	e.OnStateChange(rain.SourceCurrentConditions, func(rain.SourceID, rain.DerivedState) {
		mu.Lock()
		notifications++
		mu.Unlock()
	})

	h, err := e.ConfigureSource(rain.SourceConfig{
		Source:       rain.SourceCurrentConditions,
		StationID:    "KPDX",
		PollInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Start(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, 3*time.Second, "first notifications", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return notifications >= 2
	})

	e.Stop(h)
	// Let any in-flight cycle drain, then measure.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	after := notifications
	mu.Unlock()

	// Several would-be tick intervals pass with the job stopped.
	time.Sleep(400 * time.Millisecond)

	mu.Lock()
	final := notifications
	mu.Unlock()

	if final != after {
		t.Fatalf("expected zero notifications after Stop, got %d more", final-after)
	}
}

func TestStopWaitsForInFlightNotification(t *testing.T) {
	p := &fakePoller{fn: func(call int) (rain.DerivedState, error) {
		// Every cycle derives a different state, so every cycle would notify.
		return rain.DerivedState{Kind: rain.StateBoolean, Active: call%2 == 0}, nil
	}}
	e := newTestEngine(t, p)

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var notifications int
	var finished bool
	e.OnStateChange(rain.SourceCurrentConditions, func(rain.SourceID, rain.DerivedState) {
		mu.Lock()
		notifications++
		first := notifications == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
			mu.Lock()
			finished = true
			mu.Unlock()
		}
	})

	h, err := e.ConfigureSource(rain.SourceConfig{
		Source:       rain.SourceCurrentConditions,
		StationID:    "KPDX",
		PollInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Start(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	<-entered
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()

	// Stop lands while the first notification is still being delivered; it
	// must not return until that delivery has finished.
	e.Stop(h)

	mu.Lock()
	finishedAtStop := finished
	after := notifications
	mu.Unlock()
	if !finishedAtStop {
		t.Fatal("Stop returned while a notification delivery was still in flight")
	}

	// Several would-be tick intervals pass with the job stopped; the
	// alternating states would notify every cycle if anything still ran.
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	final := notifications
	mu.Unlock()
	if final != after {
		t.Fatalf("expected no notifications after Stop returned, got %d more", final-after)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := &fakePoller{fn: func(int) (rain.DerivedState, error) { return boolState(false), nil }}
	e := newTestEngine(t, p)

	h, err := e.ConfigureSource(rain.SourceConfig{
		Source:       rain.SourceCurrentConditions,
		StationID:    "KPDX",
		PollInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Stopping a job that never started is a no-op, as is double-stop.
	e.Stop(h)
	if err := e.Start(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.Stop(h)
	e.Stop(h)

	// Starting an already-running job is also a no-op.
	if err := e.Start(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Start(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRestartFetchesFresh(t *testing.T) {
	p := &fakePoller{fn: func(int) (rain.DerivedState, error) { return boolState(true), nil }}
	e := newTestEngine(t, p)

	h, err := e.ConfigureSource(rain.SourceConfig{
		Source:       rain.SourceCurrentConditions,
		StationID:    "KPDX",
		PollInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := e.Start(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, 3*time.Second, "first fetch", func() bool { return p.count() >= 1 })
	e.Stop(h)

	before := p.count()
	if err := e.Start(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, 3*time.Second, "fresh fetch after restart", func() bool { return p.count() > before })
}

func TestFailedCycleKeepsLastState(t *testing.T) {
	p := &fakePoller{fn: func(call int) (rain.DerivedState, error) {
		if call == 1 {
			return boolState(true), nil
		}
		return rain.DerivedState{}, errors.New("upstream down")
	}}
	e := newTestEngine(t, p)

	var mu sync.Mutex
	var notifications int
	e.OnStateChange(rain.SourceCurrentConditions, func(rain.SourceID, rain.DerivedState) {
		mu.Lock()
		notifications++
		mu.Unlock()
	})

	h, err := e.ConfigureSource(rain.SourceConfig{
		Source:       rain.SourceCurrentConditions,
		StationID:    "KPDX",
		PollInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Start(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, 3*time.Second, "failing cycles after the first success", func() bool {
		return p.count() >= 3
	})

	state, ok := e.CurrentState(rain.SourceCurrentConditions)
	if !ok || !state.Active {
		t.Fatalf("failed cycles must leave the last state untouched, got %+v (ok=%v)", state, ok)
	}

	mu.Lock()
	defer mu.Unlock()
	if notifications != 1 {
		t.Fatalf("expected exactly one notification, got %d", notifications)
	}
}

func TestFailingSourceDoesNotAffectOthers(t *testing.T) {
	conditions := &fakePoller{fn: func(int) (rain.DerivedState, error) {
		return rain.DerivedState{}, errors.New("always failing")
	}}
	rainfall := &fakePoller{fn: func(int) (rain.DerivedState, error) {
		return rain.DerivedState{Kind: rain.StateThresholdFlag, Active: true}, nil
	}}

	e := New(nil, nil, Options{
		Logger: zerolog.Nop(),
		MinIntervals: map[rain.SourceID]time.Duration{
			rain.SourceCurrentConditions: time.Millisecond,
			rain.SourceRecentRainfall:    time.Millisecond,
		},
		PollerFactory: func(cfg rain.SourceConfig) (Poller, error) {
			if cfg.Source == rain.SourceCurrentConditions {
				return conditions, nil
			}
			return rainfall, nil
		},
	})
	t.Cleanup(e.Shutdown)

	ch, err := e.ConfigureSource(rain.SourceConfig{
		Source: rain.SourceCurrentConditions, StationID: "KPDX", PollInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rh, err := e.ConfigureSource(rain.SourceConfig{
		Source: rain.SourceRecentRainfall, StationID: "USC00356750", PollInterval: 50 * time.Millisecond,
		Windows: []rain.Window{{Days: 1, AmountInches: 0.1}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := e.Start(ch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Start(rh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, 3*time.Second, "healthy source to keep polling", func() bool {
		return rainfall.count() >= 3
	})

	if _, ok := e.CurrentState(rain.SourceCurrentConditions); ok {
		t.Fatal("a never-succeeding source must report no state")
	}
	if state, ok := e.CurrentState(rain.SourceRecentRainfall); !ok || !state.Active {
		t.Fatalf("healthy source must be unaffected, got %+v (ok=%v)", state, ok)
	}
}
