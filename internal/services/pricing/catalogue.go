package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// catalogueVendorTag marks entries written by the automatic sync so manual
// entries remain distinguishable.
const catalogueVendorTag = "litellm_auto"

// suffixFilters drop aliased model IDs that duplicate a canonical entry.
var suffixFilters = []string{
	"instruct",
	"chat",
	"-latest",
	"-v1:0",
	":0",
}

// dateFilters drop dated model variants; the base model carries the price.
var dateFilters = []*regexp.Regexp{
	regexp.MustCompile(`-20\d{6}`),
	regexp.MustCompile(`-20\d{8}`),
	regexp.MustCompile(`-250\d`),
	regexp.MustCompile(`-23\d{2}`),
	regexp.MustCompile(`-24\d{2}`),
	regexp.MustCompile(`-25\d{2}`),
	regexp.MustCompile(`@20\d{6}`),
	regexp.MustCompile(`@20\d{8}`),
	regexp.MustCompile(`-preview-\d{2}-\d{2}`),
	regexp.MustCompile(`-\d{4}-\d{2}-\d{2}`),
}

// Catalogue periodically pulls the public LiteLLM price table, filters and
// normalizes the model identifiers, and upserts unit prices into the Store.
type Catalogue struct {
	store      *Store
	logger     *zap.Logger
	httpClient *http.Client
	url        string
	protected  map[string]struct{}
}

type CatalogueConfig struct {
	URL             string
	ProtectedModels []string
	HTTPClient      *http.Client
}

func NewCatalogue(store *Store, logger *zap.Logger, cfg CatalogueConfig) *Catalogue {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	protected := make(map[string]struct{}, len(cfg.ProtectedModels))
	for _, m := range cfg.ProtectedModels {
		protected[NormalizeModel(m)] = struct{}{}
	}

	return &Catalogue{
		store:      store,
		logger:     logger,
		httpClient: client,
		url:        cfg.URL,
		protected:  protected,
	}
}

// catalogueModel is the subset of the LiteLLM schema the sync consumes.
type catalogueModel struct {
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
}

// Sync fetches the catalogue once and upserts every entry that survives the
// filters. A fetch or parse failure aborts the cycle without touching the
// store; individual bad entries are skipped.
func (c *Catalogue) Sync(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build catalogue request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch price catalogue: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("price catalogue returned status %d", resp.StatusCode)
	}

	var models map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return fmt.Errorf("failed to parse price catalogue: %w", err)
	}

	var stored, skipped int
	for modelID, raw := range models {
		var info catalogueModel
		if err := json.Unmarshal(raw, &info); err != nil {
			// Documentation entries mix types; not worth aborting over.
			skipped++
			continue
		}

		if !c.admit(modelID, info) {
			skipped++
			continue
		}

		key := NormalizeModel(modelID)
		if _, ok := c.protected[key]; ok {
			c.logger.Debug("Skipping protected model", zap.String("model", key))
			skipped++
			continue
		}

		entry := Entry{
			InputPrice:  info.InputCostPerToken,
			OutputPrice: info.OutputCostPerToken,
			Vendor:      catalogueVendorTag,
		}
		if err := c.store.Put(ctx, key, entry); err != nil {
			c.logger.Warn("Failed to store catalogue price",
				zap.String("model", key), zap.Error(err))
			skipped++
			continue
		}
		stored++
	}

	c.logger.Info("Price catalogue synced",
		zap.Int("stored", stored),
		zap.Int("skipped", skipped))

	return nil
}

// admit applies the zero-price, suffix and dated-variant filters to a raw
// catalogue model ID.
func (c *Catalogue) admit(modelID string, info catalogueModel) bool {
	if info.InputCostPerToken == 0 && info.OutputCostPerToken == 0 {
		return false
	}
	for _, suffix := range suffixFilters {
		if strings.HasSuffix(modelID, suffix) {
			return false
		}
	}
	for _, re := range dateFilters {
		if re.MatchString(modelID) {
			return false
		}
	}
	return true
}

// Run syncs once after startDelay, then on every interval tick until the
// context is cancelled. Failed cycles are logged and retried next tick.
func (c *Catalogue) Run(ctx context.Context, startDelay, interval time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(startDelay):
	}

	if err := c.Sync(ctx); err != nil {
		c.logger.Warn("Initial price sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(ctx); err != nil {
				c.logger.Warn("Scheduled price sync failed", zap.Error(err))
			}
		}
	}
}
