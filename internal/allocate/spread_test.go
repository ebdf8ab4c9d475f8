package allocate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terradev/terradev/providers/common"
)

func quote(provider common.ProviderID, price float64) common.Quote {
	return common.Quote{
		Provider:     provider,
		InstanceType: "gpu-" + string(provider),
		Region:       "us-east",
		GPUFamily:    "A100",
		PricePerHour: price,
		Available:    true,
		Kind:         common.CapacityOnDemand,
	}
}

func TestProviderCap(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{n: 0, want: 1},
		{n: 1, want: 1},
		{n: 2, want: 1},
		{n: 3, want: 2},
		{n: 4, want: 2},
		{n: 5, want: 3},
		{n: 10, want: 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ProviderCap(tt.n), "cap for n=%d", tt.n)
	}
}

func TestSpreadCheapestFirst(t *testing.T) {
	quotes := []common.Quote{
		quote("a", 3.0),
		quote("b", 1.0),
		quote("c", 2.0),
	}

	alloc := Spread(quotes, 2, 0)
	require.Len(t, alloc.Entries, 2)
	assert.Equal(t, common.ProviderID("b"), alloc.Entries[0].Provider)
	assert.Equal(t, common.ProviderID("c"), alloc.Entries[1].Provider)
	assert.False(t, alloc.Relaxed)
}

func TestSpreadCapsProviderConcentration(t *testing.T) {
	// One provider undercuts everyone on all four slots; the cap keeps it
	// at ceil(4/2) = 2 and the remaining slots go to the next cheapest.
	quotes := []common.Quote{
		quote("cheap", 1.0), quote("cheap", 1.1), quote("cheap", 1.2), quote("cheap", 1.3),
		quote("other", 2.0), quote("third", 2.5),
	}

	alloc := Spread(quotes, 4, 0)
	require.Len(t, alloc.Entries, 4)
	assert.False(t, alloc.Relaxed)

	counts := map[common.ProviderID]int{}
	for _, e := range alloc.Entries {
		counts[e.Provider]++
	}
	assert.Equal(t, 2, counts["cheap"])
	assert.Equal(t, 1, counts["other"])
	assert.Equal(t, 1, counts["third"])
}

func TestSpreadRelaxesWhenUnderfilled(t *testing.T) {
	// Only one provider has capacity; the cap alone cannot reach 3, so the
	// relaxation pass lifts it and flags the allocation.
	quotes := []common.Quote{
		quote("solo", 1.0), quote("solo", 1.5), quote("solo", 2.0),
	}

	alloc := Spread(quotes, 3, 0)
	require.Len(t, alloc.Entries, 3)
	assert.True(t, alloc.Relaxed)
	for _, e := range alloc.Entries {
		assert.Equal(t, common.ProviderID("solo"), e.Provider)
	}
}

func TestSpreadCapForcesRelaxationAcrossProviders(t *testing.T) {
	regionQuote := func(provider common.ProviderID, price float64, region string) common.Quote {
		q := quote(provider, price)
		q.Region = region
		return q
	}
	quotes := []common.Quote{
		regionQuote("aws", 4.80, "us-east-1"),
		regionQuote("runpod", 1.49, "us-east"),
		regionQuote("vastai", 2.10, "us-west-1"),
	}

	// Three providers, one quote each. At n=3 the primary pass fills the
	// request without relaxing.
	alloc := Spread(quotes, 3, 5.0)
	require.Len(t, alloc.Entries, 3)
	assert.False(t, alloc.Relaxed)
	assert.InDelta(t, 8.39, totalPerHour(alloc), 1e-9)

	// At n=4 the primary pass still yields only 3; relaxation fills the
	// fourth slot by duplicating the cheapest quote.
	alloc = Spread(quotes, 4, 5.0)
	require.Len(t, alloc.Entries, 4)
	assert.True(t, alloc.Relaxed)
	assert.InDelta(t, 9.88, totalPerHour(alloc), 1e-9)

	counts := map[common.ProviderID]int{}
	for _, e := range alloc.Entries {
		counts[e.Provider]++
	}
	assert.Equal(t, 2, counts["runpod"])
	assert.Equal(t, 1, counts["vastai"])
	assert.Equal(t, 1, counts["aws"])
}

func totalPerHour(a Allocation) float64 {
	var sum float64
	for _, e := range a.Entries {
		sum += e.PricePerHour
	}
	return sum
}

func TestSpreadPriceCeiling(t *testing.T) {
	quotes := []common.Quote{
		quote("a", 1.0),
		quote("b", 5.0),
		quote("c", 9.0),
	}

	alloc := Spread(quotes, 3, 4.0)
	require.Len(t, alloc.Entries, 1)
	assert.Equal(t, common.ProviderID("a"), alloc.Entries[0].Provider)
}

func TestSpreadFiltersUnavailableAndDemo(t *testing.T) {
	unavailable := quote("a", 0.5)
	unavailable.Available = false

	demo := quote("demo", 0.1)
	demo.DemoMode = true

	quotes := []common.Quote{unavailable, demo, quote("real", 2.0)}

	alloc := Spread(quotes, 2, 0)
	require.Len(t, alloc.Entries, 1)
	assert.Equal(t, common.ProviderID("real"), alloc.Entries[0].Provider)
}

func TestSpreadEmptyInputs(t *testing.T) {
	alloc := Spread(nil, 3, 0)
	assert.NotNil(t, alloc.Entries)
	assert.Empty(t, alloc.Entries)
	assert.False(t, alloc.Relaxed)

	alloc = Spread([]common.Quote{quote("a", 1)}, 0, 0)
	assert.Empty(t, alloc.Entries)
}

func TestSpreadEntryCarriesQuoteFields(t *testing.T) {
	q := common.Quote{
		Provider:     "vastai",
		InstanceType: "4090-host",
		Region:       "eu-west",
		GPUFamily:    "RTX4090",
		PricePerHour: 0.42,
		Available:    true,
		Kind:         common.CapacitySpot,
	}

	alloc := Spread([]common.Quote{q}, 1, 0)
	require.Len(t, alloc.Entries, 1)
	e := alloc.Entries[0]
	assert.Equal(t, q.Provider, e.Provider)
	assert.Equal(t, q.InstanceType, e.InstanceType)
	assert.Equal(t, q.Region, e.Region)
	assert.Equal(t, q.GPUFamily, e.GPUFamily)
	assert.Equal(t, q.Kind, e.Kind)
	assert.Equal(t, q.PricePerHour, e.PricePerHour)
}
