package agent

import (
	"sort"
	"strings"
)

// ModelPrice is USD per million tokens.
type ModelPrice struct {
	InputPer1M      float64
	OutputPer1M     float64
	CacheReadPer1M  float64
	CacheWritePer1M float64
}

// DefaultModelPrices is keyed by model id prefix. The longest matching
// prefix wins so dated snapshots resolve to their family.
var DefaultModelPrices = map[string]ModelPrice{
	"claude-opus-4":      {InputPer1M: 15.0, OutputPer1M: 75.0, CacheReadPer1M: 1.50, CacheWritePer1M: 18.75},
	"claude-sonnet-4":    {InputPer1M: 3.0, OutputPer1M: 15.0, CacheReadPer1M: 0.30, CacheWritePer1M: 3.75},
	"claude-3-7-sonnet":  {InputPer1M: 3.0, OutputPer1M: 15.0, CacheReadPer1M: 0.30, CacheWritePer1M: 3.75},
	"claude-3-5-sonnet":  {InputPer1M: 3.0, OutputPer1M: 15.0, CacheReadPer1M: 0.30, CacheWritePer1M: 3.75},
	"claude-3-5-haiku":   {InputPer1M: 0.80, OutputPer1M: 4.0, CacheReadPer1M: 0.08, CacheWritePer1M: 1.0},
	"claude-haiku-4":     {InputPer1M: 1.0, OutputPer1M: 5.0, CacheReadPer1M: 0.10, CacheWritePer1M: 1.25},
	"gpt-4o-mini":        {InputPer1M: 0.15, OutputPer1M: 0.60, CacheReadPer1M: 0.075},
	"gpt-4o":             {InputPer1M: 2.50, OutputPer1M: 10.0, CacheReadPer1M: 1.25},
	"gpt-4.1-mini":       {InputPer1M: 0.40, OutputPer1M: 1.60, CacheReadPer1M: 0.10},
	"gpt-4.1":            {InputPer1M: 2.0, OutputPer1M: 8.0, CacheReadPer1M: 0.50},
	"gemini-2.0-flash":   {InputPer1M: 0.10, OutputPer1M: 0.40, CacheReadPer1M: 0.025},
	"gemini-2.5-flash":   {InputPer1M: 0.30, OutputPer1M: 2.50, CacheReadPer1M: 0.075},
	"gemini-2.5-pro":     {InputPer1M: 1.25, OutputPer1M: 10.0, CacheReadPer1M: 0.31},
	"anthropic.claude-3": {InputPer1M: 3.0, OutputPer1M: 15.0, CacheReadPer1M: 0.30, CacheWritePer1M: 3.75},
}

// CostFunc prices one model call.
type CostFunc func(model string, usage Usage) float64

// PriceTable resolves model prices by longest prefix.
type PriceTable struct {
	prefixes []string
	prices   map[string]ModelPrice
}

// NewPriceTable builds a table. Nil uses DefaultModelPrices.
func NewPriceTable(prices map[string]ModelPrice) *PriceTable {
	if prices == nil {
		prices = DefaultModelPrices
	}
	t := &PriceTable{prices: prices}
	for prefix := range prices {
		t.prefixes = append(t.prefixes, prefix)
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i]) != len(t.prefixes[j]) {
			return len(t.prefixes[i]) > len(t.prefixes[j])
		}
		return t.prefixes[i] < t.prefixes[j]
	})
	return t
}

// Lookup returns the price of model, if known. Bedrock style ids such as
// "us.anthropic.claude-sonnet-4-..." match after their region prefix.
func (t *PriceTable) Lookup(model string) (ModelPrice, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	candidates := []string{model}
	if idx := strings.Index(model, "anthropic."); idx >= 0 {
		candidates = append(candidates, model[idx:], strings.TrimPrefix(model[idx:], "anthropic."))
	}
	for _, candidate := range candidates {
		for _, prefix := range t.prefixes {
			if strings.HasPrefix(candidate, prefix) {
				return t.prices[prefix], true
			}
		}
	}
	return ModelPrice{}, false
}

// Cost returns the USD cost of usage for model, or 0 for unknown models.
func (t *PriceTable) Cost(model string, usage Usage) float64 {
	price, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	const perToken = 1.0 / 1_000_000
	return float64(usage.InputTokens)*price.InputPer1M*perToken +
		float64(usage.OutputTokens)*price.OutputPer1M*perToken +
		float64(usage.CacheReadTokens)*price.CacheReadPer1M*perToken +
		float64(usage.CacheWriteTokens)*price.CacheWritePer1M*perToken
}
