// Package allocate selects an N-way spread of quotes: cheapest first,
// capped per provider for resilience, with a relaxation fallback when the
// cap would leave the request under-filled.
package allocate

import (
	"sort"

	"github.com/terradev/terradev/providers/common"
)

// Entry is one slot of an allocation: the quote the provisioner should
// act on. Order is the intended provisioning order, but the provisioner
// runs entries in parallel; callers must not read meaning into the index
// beyond logging.
type Entry struct {
	Provider     common.ProviderID   `json:"provider"`
	InstanceType string              `json:"instance_type"`
	Region       string              `json:"region"`
	GPUFamily    string              `json:"gpu_family"`
	Kind         common.CapacityKind `json:"kind"`
	PricePerHour float64             `json:"price_per_hour"`
}

// Allocation is the outcome of a spread pass.
type Allocation struct {
	Entries []Entry `json:"entries"`
	// Relaxed is set when the per-provider cap had to be lifted to reach
	// the requested count.
	Relaxed bool `json:"relaxed,omitempty"`
}

// ProviderCap returns the primary-pass concentration cap ceil(n/2),
// never below 1.
func ProviderCap(n int) int {
	if n <= 1 {
		return 1
	}
	return (n + 1) / 2
}

// Spread picks up to n quotes, cheapest first, subject to the price
// ceiling (maxPrice <= 0 means none) and the per-provider cap. Quotes
// flagged unavailable or demo-mode are never picked. When the primary
// pass cannot reach n, a relaxation pass refills ignoring the cap.
func Spread(quotes []common.Quote, n int, maxPrice float64) Allocation {
	if n < 1 {
		return Allocation{Entries: []Entry{}}
	}

	eligible := make([]common.Quote, 0, len(quotes))
	for _, q := range quotes {
		if !q.Available || q.DemoMode {
			continue
		}
		if maxPrice > 0 && q.PricePerHour > maxPrice {
			continue
		}
		eligible = append(eligible, q)
	}

	// Stable keeps aggregator insertion order as the tie-break.
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].PricePerHour < eligible[j].PricePerHour
	})

	limit := ProviderCap(n)
	perProvider := make(map[common.ProviderID]int)
	entries := make([]Entry, 0, n)

	for _, q := range eligible {
		if len(entries) == n {
			break
		}
		if perProvider[q.Provider] >= limit {
			continue
		}
		perProvider[q.Provider]++
		entries = append(entries, toEntry(q))
	}

	relaxed := false
	if len(entries) < n {
		// Relaxation: walk again without the cap, duplicating the
		// cheapest quotes until n or exhaustion.
		for _, q := range eligible {
			if len(entries) == n {
				break
			}
			relaxed = true
			entries = append(entries, toEntry(q))
		}
	}

	if len(entries) > n {
		entries = entries[:n]
	}
	return Allocation{Entries: entries, Relaxed: relaxed && len(entries) > 0}
}

func toEntry(q common.Quote) Entry {
	return Entry{
		Provider:     q.Provider,
		InstanceType: q.InstanceType,
		Region:       q.Region,
		GPUFamily:    q.GPUFamily,
		Kind:         q.Kind,
		PricePerHour: q.PricePerHour,
	}
}
