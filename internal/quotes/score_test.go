package quotes

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/terradev/terradev/providers/common"
)

func TestScoreDeterministic(t *testing.T) {
	q := common.Quote{PricePerHour: 2.5, Available: true, LatencyMS: 120}

	first := Score(q, 0.9, DefaultWeights)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Score(q, 0.9, DefaultWeights))
	}
}

func TestScoreMonotoneInPrice(t *testing.T) {
	cheap := common.Quote{PricePerHour: 1.0, Available: true}
	pricey := common.Quote{PricePerHour: 4.0, Available: true}

	assert.Greater(t, Score(cheap, 0.9, DefaultWeights), Score(pricey, 0.9, DefaultWeights))
}

func TestScoreBounds(t *testing.T) {
	tests := []struct {
		name string
		q    common.Quote
		rel  float64
	}{
		{name: "best case", q: common.Quote{PricePerHour: 0, Available: true, LatencyMS: 0}, rel: 1.0},
		{name: "worst case", q: common.Quote{PricePerHour: 50, Available: false, LatencyMS: 5000}, rel: 0},
		{name: "typical", q: common.Quote{PricePerHour: 3.2, Available: true, LatencyMS: 80}, rel: 0.85},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Score(tt.q, tt.rel, DefaultWeights)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		})
	}
}

func TestScoreComponents(t *testing.T) {
	// Availability weight alone: an unavailable quote loses exactly that
	// component.
	avail := common.Quote{PricePerHour: 2, Available: true, LatencyMS: 100}
	unavail := avail
	unavail.Available = false

	diff := Score(avail, 0.9, DefaultWeights) - Score(unavail, 0.9, DefaultWeights)
	assert.InDelta(t, DefaultWeights.Availability, diff, 1e-9)

	// Price beyond the anchor clamps to zero instead of going negative.
	farPrice := common.Quote{PricePerHour: 100, Available: true}
	atAnchor := common.Quote{PricePerHour: 10, Available: true}
	assert.Equal(t, Score(atAnchor, 0.5, DefaultWeights), Score(farPrice, 0.5, DefaultWeights))
}
