package credits

// Pricing maps a model to its credit price per thousand output units.
// Unknown models fall back to DefaultPricePerKilo.
type Pricing struct {
	PerKilo map[string]int64
	// DefaultPricePerKilo is used for models without an explicit entry.
	DefaultPricePerKilo int64
	// SearchPrice and ImagePrice are fixed per-operation costs.
	SearchPrice int64
	ImagePrice  int64
}

// DefaultPricing returns a pricing table suitable for tests and the demo binary.
func DefaultPricing() Pricing {
	return Pricing{
		PerKilo: map[string]int64{
			"gpt-4o":      10,
			"gpt-4o-mini": 1,
		},
		DefaultPricePerKilo: 10,
		SearchPrice:         1,
		ImagePrice:          50,
	}
}

func (p Pricing) pricePerKilo(model string) int64 {
	if price, ok := p.PerKilo[model]; ok && price > 0 {
		return price
	}
	if p.DefaultPricePerKilo > 0 {
		return p.DefaultPricePerKilo
	}
	return 1
}

// Cost computes the credit cost of a usage sample for the given model.
// Output and reasoning units are charged at the model rate; partial kilounits
// round up so usage is never free. Image generation is charged up front when
// its reservation is committed, so ImageCount is carried for attribution only
// and never priced here.
func (p Pricing) Cost(model string, usage Usage) int64 {
	units := int64(usage.OutputUnits + usage.ReasoningUnits)
	cost := (units*p.pricePerKilo(model) + 999) / 1000
	cost += int64(usage.SearchCount) * p.SearchPrice
	return cost
}

// CapOutput converts the remaining balance into a hard ceiling on generated
// output units. It returns the lesser of the requested ceiling and the
// affordable ceiling, and ok=false only when no credit remains, which callers
// treat as "deny the turn". This holds even after a passing pre-flight check,
// because usage is estimated rather than measured before generation.
func (p Pricing) CapOutput(model string, requestedMax int, remaining int64) (int, bool) {
	if remaining <= 0 {
		return 0, false
	}
	affordable := remaining * 1000 / p.pricePerKilo(model)
	if affordable <= 0 {
		// A positive balance that cannot buy one output unit at this model's
		// rate is treated the same as an empty one: a zero unit ceiling would
		// only admit a turn that is forbidden to produce anything.
		return 0, false
	}
	if requestedMax > 0 && int64(requestedMax) < affordable {
		return requestedMax, true
	}
	return int(affordable), true
}
