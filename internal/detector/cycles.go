// Package detector implements the opportunity detector: it subscribes to
// market-state change notices, looks up precomputed candidate cycles
// touching the changed pool, and emits Candidate records past a cheap
// price-ratio pre-filter.
package detector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/solflux/arbiter/internal/market"
)

// Cycle is a precomputed short cycle (length 2 or 3) through the pool
// graph: an ordered sequence of hops that returns to the starting token.
type Cycle struct {
	ID   string
	Hops []market.Hop
}

// CycleIndex maps each pool to the cycles that pass through it, built once
// from the pool graph at registration time and patched incrementally as
// pools register or retire — avoiding a full rebuild on every update, the
// design note's stated goal.
type CycleIndex struct {
	mu     sync.RWMutex
	cycles map[string]Cycle
	byPool map[solana.PublicKey][]string
}

func NewCycleIndex() *CycleIndex {
	return &CycleIndex{
		cycles: make(map[string]Cycle),
		byPool: make(map[solana.PublicKey][]string),
	}
}

// AddCycle registers a cycle and patches the per-pool index.
func (idx *CycleIndex) AddCycle(c Cycle) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.cycles[c.ID] = c
	for _, hop := range c.Hops {
		idx.byPool[hop.PoolID] = append(idx.byPool[hop.PoolID], c.ID)
	}
}

// RemoveCyclesForPool drops every cycle touching poolID, on adapter
// retirement signal.
func (idx *CycleIndex) RemoveCyclesForPool(poolID solana.PublicKey) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ids := idx.byPool[poolID]
	delete(idx.byPool, poolID)
	for _, id := range ids {
		cycle, ok := idx.cycles[id]
		if !ok {
			continue
		}
		delete(idx.cycles, id)
		for _, hop := range cycle.Hops {
			if hop.PoolID == poolID {
				continue
			}
			idx.byPool[hop.PoolID] = removeID(idx.byPool[hop.PoolID], id)
		}
	}
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// CyclesFor returns the cycles touching poolID, ordered by a stable
// ordering on cycle identifier (the detector's documented tie-break within
// a single update batch).
func (idx *CycleIndex) CyclesFor(poolID solana.PublicKey) []Cycle {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := append([]string(nil), idx.byPool[poolID]...)
	sort.Strings(ids)
	out := make([]Cycle, 0, len(ids))
	for _, id := range ids {
		out = append(out, idx.cycles[id])
	}
	return out
}

// BuildCycles derives every length-2 and length-3 cycle from a pool graph
// whose edges are pools connecting two mints, in both trade directions.
// Length-2 cycles are two distinct pools on the same token pair, each
// traded both ways; length-3 cycles are triangles across three distinct
// mints, traded both clockwise and counter-clockwise.
func BuildCycles(pools []market.Pool) []Cycle {
	byPair := make(map[pairKey][]market.Pool)
	adjacency := make(map[solana.PublicKey][]market.Pool)
	for _, p := range pools {
		key := newPairKey(p.TokenA, p.TokenB)
		byPair[key] = append(byPair[key], p)
		adjacency[p.TokenA] = append(adjacency[p.TokenA], p)
		adjacency[p.TokenB] = append(adjacency[p.TokenB], p)
	}

	var cycles []Cycle

	for _, group := range byPair {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				cycles = append(cycles, twoHopCycle(group[i], group[j]))
				cycles = append(cycles, twoHopCycle(group[j], group[i]))
			}
		}
	}

	seen := make(map[string]bool)
	for _, ab := range pools {
		for _, bc := range adjacency[ab.TokenB] {
			if bc.ID == ab.ID {
				continue
			}
			mid := ab.TokenB
			far := otherSide(bc, mid)
			if far == ab.TokenA {
				continue // that is a two-hop cycle, already covered
			}
			for _, ca := range adjacency[far] {
				if ca.ID == ab.ID || ca.ID == bc.ID {
					continue
				}
				if otherSide(ca, far) != ab.TokenA {
					continue
				}
				id := cycleID([]market.Pool{ab, bc, ca})
				if !seen[id] {
					seen[id] = true
					cycles = append(cycles, Cycle{
						ID: id,
						Hops: []market.Hop{
							{PoolID: ab.ID, AToB: true},
							{PoolID: bc.ID, AToB: bc.TokenA == mid},
							{PoolID: ca.ID, AToB: ca.TokenA == far},
						},
					})
				}

				// The opposite trade direction around the same triangle
				// (far -> mid -> ab.TokenA, i.e. ab.TokenB -> ab.TokenA the
				// other way round) is a distinct, equally tradable cycle;
				// the loop above only ever fixes ab's own AToB to true, so
				// it never constructs this rotation on its own.
				reverseID := cycleID([]market.Pool{ca, bc, ab})
				if !seen[reverseID] {
					seen[reverseID] = true
					cycles = append(cycles, Cycle{
						ID: reverseID,
						Hops: []market.Hop{
							{PoolID: ca.ID, AToB: ca.TokenA != far},
							{PoolID: bc.ID, AToB: bc.TokenA != mid},
							{PoolID: ab.ID, AToB: false},
						},
					})
				}
			}
		}
	}

	return cycles
}

func twoHopCycle(forward, backward market.Pool) Cycle {
	return Cycle{
		ID: cycleID([]market.Pool{forward, backward}),
		Hops: []market.Hop{
			{PoolID: forward.ID, AToB: true},
			{PoolID: backward.ID, AToB: false},
		},
	}
}

func otherSide(p market.Pool, known solana.PublicKey) solana.PublicKey {
	if p.TokenA == known {
		return p.TokenB
	}
	return p.TokenA
}

func cycleID(pools []market.Pool) string {
	s := ""
	for _, p := range pools {
		s += p.ID.String() + ":"
	}
	return fmt.Sprintf("cycle-%x", hashString(s))
}

func hashString(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

type pairKey struct {
	a, b solana.PublicKey
}

func newPairKey(a, b solana.PublicKey) pairKey {
	if a.String() > b.String() {
		a, b = b, a
	}
	return pairKey{a, b}
}
