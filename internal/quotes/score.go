package quotes

import (
	"math"

	"github.com/terradev/terradev/providers/common"
)

// Weights controls the composite optimization score. The four components
// should sum to 1.0.
type Weights struct {
	Price        float64 `yaml:"price_weight" json:"price_weight"`
	Availability float64 `yaml:"availability_weight" json:"availability_weight"`
	Latency      float64 `yaml:"latency_weight" json:"latency_weight"`
	Reliability  float64 `yaml:"reliability_weight" json:"reliability_weight"`
}

// DefaultWeights is the stock scoring profile.
var DefaultWeights = Weights{
	Price:        0.4,
	Availability: 0.3,
	Latency:      0.2,
	Reliability:  0.1,
}

// priceAnchor is the hourly price at which the price component fades to
// zero.
const priceAnchor = 10.0

// Score computes the optimization score for a quote. Deterministic for
// identical inputs and monotone decreasing in price.
func Score(q common.Quote, reliability float64, w Weights) float64 {
	price := math.Max(0, 1-q.PricePerHour/priceAnchor)

	avail := 0.0
	if q.Available {
		avail = 1.0
	}

	latency := math.Max(0, 1-q.LatencyMS/1000)

	return w.Price*price + w.Availability*avail + w.Latency*latency + w.Reliability*reliability
}
