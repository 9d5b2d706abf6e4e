package engine

import (
	"sync"

	"github.com/rs/zerolog"

	"rainmon/internal/rain"
)

// Observer receives a source's newly derived state. Observers run
// synchronously on the publishing cycle's goroutine, in registration
// order.
type Observer func(rain.SourceID, rain.DerivedState)

// Notifier holds the last derived state per source and invokes observers
// when it changes. With notifyAlways set, observers fire on every
// successful cycle instead; the default change-only policy means "no
// notification" reads as "state confirmed unchanged".
type Notifier struct {
	mu        sync.RWMutex
	last      map[rain.SourceID]rain.DerivedState
	observers map[rain.SourceID][]Observer

	notifyAlways bool
	log          zerolog.Logger
}

func NewNotifier(notifyAlways bool, log zerolog.Logger) *Notifier {
	return &Notifier{
		last:         make(map[rain.SourceID]rain.DerivedState),
		observers:    make(map[rain.SourceID][]Observer),
		notifyAlways: notifyAlways,
		log:          log,
	}
}

// Subscribe registers an observer for one source.
func (n *Notifier) Subscribe(source rain.SourceID, fn Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers[source] = append(n.observers[source], fn)
}

// Publish stores the state and notifies observers. The first successful
// publish for a source always notifies.
func (n *Notifier) Publish(source rain.SourceID, state rain.DerivedState) {
	n.mu.Lock()
	prev, seen := n.last[source]
	changed := !seen || !prev.Equal(state)
	n.last[source] = state.Clone()

	var toNotify []Observer
	if changed || n.notifyAlways {
		toNotify = append([]Observer(nil), n.observers[source]...)
	}
	n.mu.Unlock()

	if changed {
		n.log.Info().
			Str("source", string(source)).
			Bool("active", state.Active).
			Msg("derived state changed")
	}

	for _, fn := range toNotify {
		fn(source, state.Clone())
	}
}

// Current returns a snapshot of the source's last state, if any. It never
// blocks on network activity.
func (n *Notifier) Current(source rain.SourceID) (rain.DerivedState, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	state, ok := n.last[source]
	return state.Clone(), ok
}

// All returns snapshots of every source that has published at least once.
func (n *Notifier) All() map[rain.SourceID]rain.DerivedState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[rain.SourceID]rain.DerivedState, len(n.last))
	for source, state := range n.last {
		out[source] = state.Clone()
	}
	return out
}
