package anthropic

import (
	"strings"

	"go.uber.org/zap"
)

// TokenUsage counts the tokens of one response, or a running total.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Add accumulates o into u.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheCreationInputTokens += o.CacheCreationInputTokens
	u.CacheReadInputTokens += o.CacheReadInputTokens
}

// price is USD per million tokens.
type price struct{ input, output float64 }

// familyPrices is matched by model-name prefix, so dated snapshots resolve
// to their family.
var familyPrices = []struct {
	prefix string
	price  price
}{
	{"claude-haiku-4-5", price{1.00, 5.00}},
	{"claude-3-5-haiku", price{0.80, 4.00}},
	{"claude-sonnet-4", price{3.00, 15.00}},
}

func priceFor(model string) (price, bool) {
	for _, fp := range familyPrices {
		if strings.HasPrefix(model, fp.prefix) {
			return fp.price, true
		}
	}
	return price{}, false
}

// EstimateCost returns the USD cost of u on model, or 0 for unknown models.
// Cache writes bill at 1.25x input and cache reads at 0.1x.
func (u TokenUsage) EstimateCost(model string) float64 {
	p, ok := priceFor(model)
	if !ok {
		return 0
	}
	input := float64(u.InputTokens) + 1.25*float64(u.CacheCreationInputTokens) + 0.1*float64(u.CacheReadInputTokens)
	return (input*p.input + float64(u.OutputTokens)*p.output) / 1e6
}

// Log writes u at debug level.
func (u TokenUsage) Log(model, capability string) {
	zap.L().Debug("llm usage",
		zap.String("model", model),
		zap.String("capability", capability),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", u.EstimateCost(model)),
	)
}
