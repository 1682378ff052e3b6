package region

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Selector picks a region from a named pool, grounded on
// proxy/selector.go's Selector: same round-robin counter, random-with-
// recency-window, and TTL sticky map, retargeted from endpoints to regions.
type Selector struct {
	mu    sync.Mutex
	pools map[string]*poolState
}

type poolState struct {
	pool      *Pool
	rrIndex   int64
	stickyMap map[string]*stickyEntry

	recencyRing []int
	recencyPos  int
	recencyLen  int
}

type stickyEntry struct {
	regionIdx int
	expiresAt *time.Time
}

// NewSelector returns an empty selector.
func NewSelector() *Selector {
	return &Selector{pools: make(map[string]*poolState)}
}

// RegisterPool validates and registers pool, replacing any existing pool of
// the same name.
func (s *Selector) RegisterPool(pool *Pool) error {
	if err := pool.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := &poolState{pool: pool, stickyMap: make(map[string]*stickyEntry)}
	if pool.RecencyWindow != nil {
		state.recencyRing = make([]int, *pool.RecencyWindow)
		for i := range state.recencyRing {
			state.recencyRing[i] = -1
		}
	}
	s.pools[pool.Name] = state
	return nil
}

// SelectRequest parameterizes a single selection.
type SelectRequest struct {
	Pool       string
	StickyKey  string // explicit sticky key; derived from Artifact/Entity otherwise
	Artifact   string
	Entity     string
	Commit     bool // advance rotation/sticky state; false previews selection
}

// Select returns the region chosen for req.
func (s *Selector) Select(req SelectRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.pools[req.Pool]
	if !ok {
		return "", fmt.Errorf("region: pool %q not found", req.Pool)
	}

	var idx int
	var err error
	switch state.pool.Strategy {
	case StrategyRoundRobin:
		idx = s.selectRoundRobin(state, req.Commit)
	case StrategyRandom:
		idx, err = s.selectRandom(state, req.Commit)
	case StrategySticky:
		idx, err = s.selectSticky(state, req, req.Commit)
	default:
		return "", fmt.Errorf("region: unknown strategy %q", state.pool.Strategy)
	}
	if err != nil {
		return "", err
	}
	return state.pool.Regions[idx], nil
}

func (s *Selector) selectRoundRobin(state *poolState, commit bool) int {
	idx := int(state.rrIndex % int64(len(state.pool.Regions)))
	if commit {
		state.rrIndex++
	}
	return idx
}

func (s *Selector) selectRandom(state *poolState, commit bool) (int, error) {
	n := len(state.pool.Regions)
	if n == 1 {
		return 0, nil
	}

	if state.recencyRing == nil {
		return randInt(n)
	}

	excluded := make(map[int]bool, state.recencyLen)
	for i := range state.recencyLen {
		if idx := state.recencyRing[i]; idx >= 0 {
			excluded[idx] = true
		}
	}

	candidates := make([]int, 0, n-len(excluded))
	for i := range n {
		if !excluded[i] {
			candidates = append(candidates, i)
		}
	}

	var selected int
	if len(candidates) == 0 {
		selected = state.recencyRing[state.recencyPos]
	} else {
		ci, err := randInt(len(candidates))
		if err != nil {
			return 0, err
		}
		selected = candidates[ci]
	}

	if commit {
		state.recencyRing[state.recencyPos] = selected
		state.recencyPos = (state.recencyPos + 1) % len(state.recencyRing)
		if state.recencyLen < len(state.recencyRing) {
			state.recencyLen++
		}
	}
	return selected, nil
}

func randInt(n int) (int, error) {
	bigIdx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("region: random selection failed: %w", err)
	}
	return int(bigIdx.Int64()), nil
}

func (s *Selector) selectSticky(state *poolState, req SelectRequest, commit bool) (int, error) {
	key := s.deriveStickyKey(state, req)
	if key == "" {
		return 0, fmt.Errorf("region: sticky selection on pool %q requires a key", state.pool.Name)
	}

	now := time.Now()
	if entry, ok := state.stickyMap[key]; ok {
		if entry.expiresAt == nil || entry.expiresAt.After(now) {
			return entry.regionIdx, nil
		}
		delete(state.stickyMap, key)
	}

	idx, err := s.selectRandom(state, false)
	if err != nil {
		return 0, err
	}

	if commit {
		entry := &stickyEntry{regionIdx: idx}
		if state.pool.Sticky != nil && state.pool.Sticky.TTLMs != nil {
			expires := now.Add(time.Duration(*state.pool.Sticky.TTLMs) * time.Millisecond)
			entry.expiresAt = &expires
		}
		state.stickyMap[key] = entry
	}
	return idx, nil
}

func (s *Selector) deriveStickyKey(state *poolState, req SelectRequest) string {
	if req.StickyKey != "" {
		return req.StickyKey
	}
	if state.pool.Sticky == nil {
		return req.Artifact
	}
	switch state.pool.Sticky.Scope {
	case StickyScopeEntity:
		return req.Entity
	default:
		return req.Artifact
	}
}
