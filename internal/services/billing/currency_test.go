package billing

import (
	"testing"

	"github.com/amerfu/sentinel/internal/services/pricing"
	"github.com/stretchr/testify/assert"
)

func TestAttributeCurrency(t *testing.T) {
	cheap := pricing.Entry{InputPrice: 0.0000025, OutputPrice: 0.00001}
	expensive := pricing.Entry{InputPrice: 0.02, OutputPrice: 0.06}

	tests := []struct {
		model    string
		price    pricing.Entry
		expected string
	}{
		{"qwen-plus", cheap, "CNY"},
		{"glm-4", cheap, "CNY"},
		{"deepseek-chat", cheap, "CNY"},
		{"yi-large", cheap, "CNY"},
		{"gpt-4o", cheap, "USD"},
		// A per-token price above a cent can only be a CNY-denominated
		// per-thousand entry.
		{"mystery-model", expensive, "CNY"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, AttributeCurrency(tt.model, tt.price), tt.model)
	}
}

func TestPriceCostDeepSeekConversion(t *testing.T) {
	price := pricing.Entry{InputPrice: 0.000001, OutputPrice: 0.000002}

	// 100 prompt + 50 completion tokens at USD catalogue prices.
	raw := 100*price.InputPrice + 50*price.OutputPrice

	cost, currency := PriceCost("deepseek-chat", raw, price, true)
	assert.InDelta(t, 0.00144, cost, 1e-9)
	assert.Equal(t, "CNY", currency)
}

func TestPriceCostConversionDisabled(t *testing.T) {
	price := pricing.Entry{InputPrice: 0.000001, OutputPrice: 0.000002}

	cost, currency := PriceCost("deepseek-chat", 0.0002, price, false)
	assert.Equal(t, 0.0002, cost)
	assert.Equal(t, "CNY", currency)
}

func TestPriceCostOnlyDeepSeekConverted(t *testing.T) {
	price := pricing.Entry{InputPrice: 0.0000008, OutputPrice: 0.000002}

	cost, currency := PriceCost("qwen-plus", 0.0002, price, true)
	assert.Equal(t, 0.0002, cost)
	assert.Equal(t, "CNY", currency)

	cost, currency = PriceCost("gpt-4o", 0.0002, price, true)
	assert.Equal(t, 0.0002, cost)
	assert.Equal(t, "USD", currency)
}
