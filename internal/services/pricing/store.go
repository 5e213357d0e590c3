package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Entry is a per-model unit price in display currency per token. At least
// one of the two prices is strictly positive for any stored entry.
type Entry struct {
	InputPrice  float64 `json:"input_price"`
	OutputPrice float64 `json:"output_price"`
	Vendor      string  `json:"vendor,omitempty"`
}

// Store persists price entries in the price database (DB 0), keyed by
// normalized model name under the "price:" prefix.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
	}
}

// Put upserts the entry under price:{model}. The caller is responsible for
// normalizing the model name first.
func (s *Store) Put(ctx context.Context, model string, entry Entry) error {
	if entry.InputPrice == 0 && entry.OutputPrice == 0 {
		return fmt.Errorf("refusing zero-priced entry for %s", model)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal price entry: %w", err)
	}

	if err := s.client.Set(ctx, s.priceKey(model), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store price for %s: %w", model, err)
	}

	s.logger.Debug("Price stored",
		zap.String("model", model),
		zap.Float64("input_price", entry.InputPrice),
		zap.Float64("output_price", entry.OutputPrice))

	return nil
}

// Get returns the entry for a normalized model name, or nil when absent.
func (s *Store) Get(ctx context.Context, model string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.priceKey(model)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get price for %s: %w", model, err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal price for %s: %w", model, err)
	}

	return &entry, nil
}

// Exists reports whether a price entry is present for the model.
func (s *Store) Exists(ctx context.Context, model string) (bool, error) {
	n, err := s.client.Exists(ctx, s.priceKey(model)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check price for %s: %w", model, err)
	}
	return n > 0, nil
}

// All scans every price:* key and returns the decoded table keyed by model
// name. Malformed values are skipped.
func (s *Store) All(ctx context.Context) (map[string]Entry, error) {
	keys, err := s.client.Keys(ctx, "price:*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan price keys: %w", err)
	}

	prices := make(map[string]Entry, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}

		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			s.logger.Warn("Skipping malformed price entry",
				zap.String("key", key), zap.Error(err))
			continue
		}

		prices[strings.TrimPrefix(key, "price:")] = entry
	}

	return prices, nil
}

func (s *Store) priceKey(model string) string {
	return fmt.Sprintf("price:%s", model)
}
