package gateway

import "strings"

// modelPrice is USD per 1M tokens.
type modelPrice struct {
	prompt     float64
	completion float64
}

// Prices for common models; matched by prefix so dated snapshots resolve.
// Unknown models fall back to a conservative default rather than zero, so
// cost accounting never silently under-reports.
var modelPrices = map[string]modelPrice{
	"gpt-4o-mini":       {prompt: 0.15, completion: 0.60},
	"gpt-4o":            {prompt: 2.50, completion: 10.00},
	"gpt-4.1-mini":      {prompt: 0.40, completion: 1.60},
	"gpt-4.1":           {prompt: 2.00, completion: 8.00},
	"claude-3-5-haiku":  {prompt: 0.80, completion: 4.00},
	"claude-3-5-sonnet": {prompt: 3.00, completion: 15.00},
	"claude-3-7-sonnet": {prompt: 3.00, completion: 15.00},
}

var defaultPrice = modelPrice{prompt: 3.00, completion: 15.00}

// CostUSD computes the monetary cost of one call.
func CostUSD(mdl string, promptTokens, completionTokens int) float64 {
	price := defaultPrice

	best := 0
	for prefix, p := range modelPrices {
		if strings.HasPrefix(mdl, prefix) && len(prefix) > best {
			best = len(prefix)
			price = p
		}
	}

	return float64(promptTokens)*price.prompt/1e6 +
		float64(completionTokens)*price.completion/1e6
}
