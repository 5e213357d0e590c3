package billing

import (
	"strings"

	"github.com/amerfu/sentinel/internal/services/pricing"
)

// The catalogue stores DeepSeek prices in USD while the other Chinese
// vendors are CNY; this fixed rate re-labels DeepSeek costs as CNY when
// force-conversion is on. Calibration only: a per-entry currency field
// should replace it eventually.
const usdToCnyRate = 7.2

var chineseVendorMarkers = []string{"qwen", "glm", "zhipu", "yi-", "deepseek"}

func isChineseModel(model string) bool {
	m := strings.ToLower(model)
	for _, marker := range chineseVendorMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

func isDeepSeek(model string) bool {
	return strings.Contains(strings.ToLower(model), "deepseek")
}

// AttributeCurrency picks the display currency for a model. Chinese vendor
// names map to CNY; otherwise a large stored unit price is presumed to
// already be CNY; everything else is USD. The tag is display-only.
func AttributeCurrency(model string, price pricing.Entry) string {
	if isChineseModel(model) {
		return "CNY"
	}
	if price.InputPrice > 0.01 {
		return "CNY"
	}
	return "USD"
}

// PriceCost attributes a currency to a computed cost and applies the
// DeepSeek USD-to-CNY calibration when enabled. No other model is ever
// converted.
func PriceCost(model string, cost float64, price pricing.Entry, forceCNY bool) (float64, string) {
	if forceCNY && isDeepSeek(model) {
		return cost * usdToCnyRate, "CNY"
	}
	return cost, AttributeCurrency(model, price)
}
