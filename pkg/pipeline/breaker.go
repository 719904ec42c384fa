package pipeline

import (
	"sync"
	"time"

	"github.com/quorumhq/quorum/pkg/models"
)

// breakerSet tracks consecutive failures per node type across runs.
// When a type reaches the failure threshold its breaker opens: every
// attempt during the reset window fails immediately without invoking
// the node.
type breakerSet struct {
	mu        sync.Mutex
	threshold int
	reset     time.Duration
	states    map[models.NodeType]*breakerState
}

type breakerState struct {
	consecutive int
	openUntil   time.Time
}

func newBreakerSet(threshold int, reset time.Duration) *breakerSet {
	return &breakerSet{
		threshold: threshold,
		reset:     reset,
		states:    make(map[models.NodeType]*breakerState),
	}
}

// allow reports whether the node type may execute right now.
func (b *breakerSet) allow(t models.NodeType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[t]
	if !ok {
		return true
	}
	if st.openUntil.IsZero() {
		return true
	}
	if time.Now().After(st.openUntil) {
		// Reset window elapsed: half-open, one attempt through.
		st.openUntil = time.Time{}
		st.consecutive = 0
		return true
	}
	return false
}

// success closes the breaker for the type.
func (b *breakerSet) success(t models.NodeType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[t]; ok {
		st.consecutive = 0
		st.openUntil = time.Time{}
	}
}

// failure counts one terminal node failure; opens the breaker at the
// threshold.
func (b *breakerSet) failure(t models.NodeType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[t]
	if !ok {
		st = &breakerState{}
		b.states[t] = st
	}
	st.consecutive++
	if st.consecutive >= b.threshold {
		st.openUntil = time.Now().Add(b.reset)
	}
}
