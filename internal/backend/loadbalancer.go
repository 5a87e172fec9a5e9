package backend

import (
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"unicode/utf8"

	"github.com/vyrodovalexey/avaroute/internal/config"
	"github.com/vyrodovalexey/avaroute/internal/util"
)

// Adaptive score weights.
const (
	scoreWeightConnections = 0.3
	scoreWeightLatency     = 0.3
	scoreWeightCPU         = 0.2
	scoreWeightMemory      = 0.2
)

// virtualSlots is the size the weighted round robin list is normalized to.
const virtualSlots = 100

// RoutingContext carries per-request routing inputs.
type RoutingContext struct {
	// SessionKey is the sticky session identifier, if any.
	SessionKey string
	// Exclude lists backend IDs that must not be chosen for this request.
	Exclude []string
}

// Selector picks a backend from the registry's healthy snapshot.
type Selector struct {
	registry *Registry
	rr       atomic.Uint64
	wrr      atomic.Uint64
}

// NewSelector creates a selector over registry.
func NewSelector(registry *Registry) *Selector {
	return &Selector{registry: registry}
}

// Select returns a backend according to strategy. It fails with
// util.ErrNoHealthyBackends when no backend is healthy.
func (s *Selector) Select(strategy string, rc RoutingContext) (Backend, error) {
	if !config.IsValidStrategy(strategy) {
		return Backend{}, fmt.Errorf("%w: %q", util.ErrUnknownStrategy, strategy)
	}

	healthy := s.registry.Healthy()
	if len(rc.Exclude) > 0 {
		healthy = slices.DeleteFunc(healthy, func(b Backend) bool {
			return slices.Contains(rc.Exclude, b.ID)
		})
	}
	if len(healthy) == 0 {
		return Backend{}, util.ErrNoHealthyBackends
	}

	switch strategy {
	case config.StrategyWeightedRoundRobin:
		return s.weightedRoundRobin(healthy), nil
	case config.StrategyLeastConnections:
		return leastConnections(healthy), nil
	case config.StrategyResponseTime:
		return fastestResponse(healthy), nil
	case config.StrategyAdaptive:
		return bestScore(healthy), nil
	case config.StrategySticky:
		if rc.SessionKey == "" {
			return s.roundRobin(healthy), nil
		}
		return healthy[StickyHash(rc.SessionKey)%uint32(len(healthy))], nil
	default:
		return s.roundRobin(healthy), nil
	}
}

func (s *Selector) roundRobin(healthy []Backend) Backend {
	idx := s.rr.Add(1) - 1
	return healthy[idx%uint64(len(healthy))]
}

// weightedRoundRobin walks a virtual list in which each backend holds
// round(weight/total*100) consecutive slots, at least one.
func (s *Selector) weightedRoundRobin(healthy []Backend) Backend {
	slots := VirtualSlots(healthy)

	total := 0
	for _, n := range slots {
		total += n
	}

	pos := int((s.wrr.Add(1) - 1) % uint64(total))
	for i, n := range slots {
		if pos < n {
			return healthy[i]
		}
		pos -= n
	}
	return healthy[len(healthy)-1]
}

// VirtualSlots returns the number of weighted round robin slots held by
// each backend, in order.
func VirtualSlots(backends []Backend) []int {
	totalWeight := 0
	for _, b := range backends {
		totalWeight += b.Weight
	}

	slots := make([]int, len(backends))
	for i, b := range backends {
		n := 1
		if totalWeight > 0 {
			n = int(math.Round(float64(b.Weight) / float64(totalWeight) * virtualSlots))
		}
		if n < 1 {
			n = 1
		}
		slots[i] = n
	}
	return slots
}

func leastConnections(healthy []Backend) Backend {
	selected := healthy[0]
	for _, b := range healthy[1:] {
		if b.ActiveConnections < selected.ActiveConnections {
			selected = b
		}
	}
	return selected
}

func fastestResponse(healthy []Backend) Backend {
	selected := healthy[0]
	for _, b := range healthy[1:] {
		if b.AvgResponseTime < selected.AvgResponseTime {
			selected = b
		}
	}
	return selected
}

func bestScore(healthy []Backend) Backend {
	selected := healthy[0]
	best := Score(selected)
	for _, b := range healthy[1:] {
		if score := Score(b); score > best {
			best = score
			selected = b
		}
	}
	return selected
}

// Score is the adaptive composite score; higher is better.
func Score(b Backend) float64 {
	return scoreWeightConnections*(1/(float64(b.ActiveConnections)+1)) +
		scoreWeightLatency*(1/(b.AvgResponseTime+1)) +
		scoreWeightCPU*(1/(b.CPUUsage+0.1)) +
		scoreWeightMemory*(1/(b.MemoryUsage+0.1))
}

// StickyHash is a base-31 polynomial hash over the code points of key,
// wrapping at 32 bits. Bytes that are not valid UTF-8 are hashed as their
// raw byte value.
func StickyHash(key string) uint32 {
	var h uint32
	for i := 0; i < len(key); {
		r, size := utf8.DecodeRuneInString(key[i:])
		if r == utf8.RuneError && size == 1 {
			r = rune(key[i])
		}
		h = h*31 + uint32(r)
		i += size
	}
	return h
}
