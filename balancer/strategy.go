package balancer

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
)

var ErrUnknownStrategy = errors.New("unknown balancing strategy")

const (
	StrategyRandom         = "random"
	StrategyRoundRobin     = "round-robin"
	StrategyMinConnections = "minimum-connections"
)

// Target is one chat server a client can be sent to.
type Target struct {
	ID   int
	Host string
	Port int
}

// NewPool lists total servers listening on consecutive ports from firstPort.
// Server ids start at 1.
func NewPool(host string, firstPort, total int) []Target {
	if host == "localhost" {
		host = "127.0.0.1"
	}
	pool := make([]Target, total)
	for i := range pool {
		pool[i] = Target{ID: i + 1, Host: host, Port: firstPort + i}
	}
	return pool
}

// Strategy picks the server for the next assignment. Implementations are
// safe for concurrent use.
type Strategy interface {
	Name() string
	Pick() (Target, error)
}

// LoadSource reports the least loaded server among pool ids.
type LoadSource interface {
	MinLoadServer(pool []int) (int, error)
}

// NewStrategy builds the named strategy over pool. rng is only used by the
// random strategy and loads only by minimum-connections.
func NewStrategy(name string, pool []Target, loads LoadSource, rng *rand.Rand) (Strategy, error) {
	if len(pool) == 0 {
		return nil, errors.New("empty server pool")
	}
	switch normalize(name) {
	case StrategyRandom:
		if rng == nil {
			rng = rand.New(rand.NewSource(rand.Int63()))
		}
		return &Random{pool: pool, rng: rng}, nil
	case StrategyRoundRobin:
		return &RoundRobin{pool: pool}, nil
	case StrategyMinConnections:
		if loads == nil {
			return nil, fmt.Errorf("%s needs a load source", StrategyMinConnections)
		}
		return &MinConnections{pool: pool, loads: loads}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// IsMinConnections reports whether name selects the strategy that reads load
// counters from the store.
func IsMinConnections(name string) bool {
	return normalize(name) == StrategyMinConnections
}

func normalize(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "random":
		return StrategyRandom
	case "round-robin", "round robin", "roundrobin":
		return StrategyRoundRobin
	case "minimum-connections", "minimum connect", "min-conn", "least-connections":
		return StrategyMinConnections
	}
	return name
}

// Random is a uniform choice over the pool.
type Random struct {
	pool []Target
	mu   sync.Mutex
	rng  *rand.Rand
}

func (r *Random) Name() string { return StrategyRandom }

func (r *Random) Pick() (Target, error) {
	r.mu.Lock()
	i := r.rng.Intn(len(r.pool))
	r.mu.Unlock()
	return r.pool[i], nil
}

// RoundRobin advances once per assignment and wraps at the end of the pool.
type RoundRobin struct {
	pool []Target
	mu   sync.Mutex
	next int
}

func (r *RoundRobin) Name() string { return StrategyRoundRobin }

func (r *RoundRobin) Pick() (Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.pool[r.next]
	r.next = (r.next + 1) % len(r.pool)
	return t, nil
}

// MinConnections sends clients to the server with the fewest connected
// clients. Ties go to the earlier pool entry.
type MinConnections struct {
	pool  []Target
	loads LoadSource
}

func (m *MinConnections) Name() string { return StrategyMinConnections }

func (m *MinConnections) Pick() (Target, error) {
	ids := make([]int, len(m.pool))
	for i, t := range m.pool {
		ids[i] = t.ID
	}
	id, err := m.loads.MinLoadServer(ids)
	if err != nil {
		return Target{}, fmt.Errorf("query load counters: %w", err)
	}
	for _, t := range m.pool {
		if t.ID == id {
			return t, nil
		}
	}
	return m.pool[0], nil
}
