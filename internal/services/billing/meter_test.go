package billing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/amerfu/sentinel/internal/services/pricing"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fixedEncoder bills a constant token count per content delta.
type fixedEncoder struct{ n int }

func (e fixedEncoder) Count(string) int { return e.n }

func newMeterCache(t *testing.T, model string, entry pricing.Entry) *pricing.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := pricing.NewStore(client, zap.NewNop())
	require.NoError(t, store.Put(context.Background(), model, entry))

	cache := pricing.NewCache(store, zap.NewNop())
	require.NoError(t, cache.Refresh(context.Background()))
	return cache
}

func deltaChunk(content string) []byte {
	frame := map[string]any{
		"choices": []any{
			map[string]any{"delta": map[string]any{"content": content}},
		},
	}
	raw, _ := json.Marshal(frame)
	return []byte("data: " + string(raw) + "\n\n")
}

func usageChunk(prompt, completion int) []byte {
	frame := map[string]any{
		"choices": []any{},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	}
	raw, _ := json.Marshal(frame)
	return []byte("data: " + string(raw) + "\n\n")
}

func drainEvents(ch <-chan Event) []Event {
	var events []Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestMeterFusesWhenLimitCrossed(t *testing.T) {
	cache := newMeterCache(t, "qwen-plus", pricing.Entry{InputPrice: 0.0001, OutputPrice: 0.0002})
	budget := NewBudget(0.001)
	bus := NewBus(zap.NewNop())
	_, events := bus.Subscribe()

	m := NewMeter(MeterConfig{
		Model:   "qwen-plus",
		Budget:  budget,
		Bus:     bus,
		Cache:   cache,
		Encoder: fixedEncoder{n: 3},
		Logger:  zap.NewNop(),
	})

	// 3 tokens at 0.0002 each: 0.0006 per chunk against a 0.001 limit.
	require.NoError(t, m.Process(deltaChunk("你好")))
	assert.False(t, m.Fused())

	err := m.Process(deltaChunk("世界"))
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.True(t, m.Fused())

	// Once fused, every further chunk is rejected without metering.
	before := budget.Current()
	assert.ErrorIs(t, m.Process(deltaChunk("更多")), ErrBudgetExceeded)
	assert.Equal(t, before, budget.Current())

	evs := drainEvents(events)
	require.NotEmpty(t, evs)

	var sawFused, sawError bool
	for _, ev := range evs {
		if ev.Type == "billing" && ev.Fused {
			sawFused = true
		}
		if ev.Type == "error" {
			sawError = true
			assert.Equal(t, "budget_exceeded", ev.Reason)
		}
	}
	assert.True(t, sawFused)
	assert.True(t, sawError)
}

func TestMeterEventCostsAreMonotonic(t *testing.T) {
	cache := newMeterCache(t, "qwen-plus", pricing.Entry{InputPrice: 0.0001, OutputPrice: 0.0002})
	budget := NewBudget(10)
	bus := NewBus(zap.NewNop())
	_, events := bus.Subscribe()

	m := NewMeter(MeterConfig{
		Model:   "qwen-plus",
		Budget:  budget,
		Bus:     bus,
		Cache:   cache,
		Encoder: fixedEncoder{n: 3},
		Logger:  zap.NewNop(),
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Process(deltaChunk("词")))
	}

	evs := drainEvents(events)
	require.NotEmpty(t, evs)

	prev := 0.0
	for _, ev := range evs {
		assert.GreaterOrEqual(t, ev.Cost, prev)
		prev = ev.Cost
	}
}

func TestMeterEmitThrottledByTokens(t *testing.T) {
	// Price small enough that neither the cost nor (within the test) the
	// time threshold fires; only the 10-token threshold can.
	cache := newMeterCache(t, "qwen-plus", pricing.Entry{InputPrice: 1e-7, OutputPrice: 1e-7})
	budget := NewBudget(10)
	bus := NewBus(zap.NewNop())
	_, events := bus.Subscribe()

	m := NewMeter(MeterConfig{
		Model:   "qwen-plus",
		Budget:  budget,
		Bus:     bus,
		Cache:   cache,
		Encoder: fixedEncoder{n: 3},
		Logger:  zap.NewNop(),
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Process(deltaChunk("词")))
	}
	assert.Empty(t, drainEvents(events))

	// Fourth chunk crosses 10 accumulated tokens.
	require.NoError(t, m.Process(deltaChunk("词")))
	evs := drainEvents(events)
	require.Len(t, evs, 1)
	assert.Equal(t, "billing", evs[0].Type)
}

func TestMeterEmitThrottledByCostDelta(t *testing.T) {
	// 3 tokens at 0.00005 each cost 0.00015 per chunk, crossing the 1e-4
	// delta on every chunk while staying under the 10-token threshold.
	cache := newMeterCache(t, "qwen-plus", pricing.Entry{InputPrice: 0.00005, OutputPrice: 0.00005})
	budget := NewBudget(10)
	bus := NewBus(zap.NewNop())
	_, events := bus.Subscribe()

	m := NewMeter(MeterConfig{
		Model:   "qwen-plus",
		Budget:  budget,
		Bus:     bus,
		Cache:   cache,
		Encoder: fixedEncoder{n: 3},
		Logger:  zap.NewNop(),
	})

	require.NoError(t, m.Process(deltaChunk("词")))
	evs := drainEvents(events)
	require.Len(t, evs, 1)
	assert.InDelta(t, 0.00015, evs[0].Cost, 1e-9)

	require.NoError(t, m.Process(deltaChunk("词")))
	evs = drainEvents(events)
	require.Len(t, evs, 1)
	assert.InDelta(t, 0.0003, evs[0].Cost, 1e-9)
}

func TestMeterEmitThrottledByTime(t *testing.T) {
	// Cost and token volume stay below their thresholds; only the 200 ms
	// wall-clock rule can fire.
	cache := newMeterCache(t, "qwen-plus", pricing.Entry{InputPrice: 1e-7, OutputPrice: 1e-7})
	budget := NewBudget(10)
	bus := NewBus(zap.NewNop())
	_, events := bus.Subscribe()

	m := NewMeter(MeterConfig{
		Model:   "qwen-plus",
		Budget:  budget,
		Bus:     bus,
		Cache:   cache,
		Encoder: fixedEncoder{n: 3},
		Logger:  zap.NewNop(),
	})

	require.NoError(t, m.Process(deltaChunk("词")))
	assert.Empty(t, drainEvents(events))

	time.Sleep(250 * time.Millisecond)

	require.NoError(t, m.Process(deltaChunk("词")))
	evs := drainEvents(events)
	require.Len(t, evs, 1)
	assert.Equal(t, "billing", evs[0].Type)
}

func TestMeterFinalizePrefersOwnCompletionCount(t *testing.T) {
	cache := newMeterCache(t, "qwen-plus", pricing.Entry{InputPrice: 0.0001, OutputPrice: 0.0002})
	budget := NewBudget(10)
	bus := NewBus(zap.NewNop())
	_, events := bus.Subscribe()

	var persisted json.RawMessage
	m := NewMeter(MeterConfig{
		Model:   "qwen-plus",
		Budget:  budget,
		Bus:     bus,
		Cache:   cache,
		Encoder: fixedEncoder{n: 3},
		Logger:  zap.NewNop(),
		Persist: func(assistant json.RawMessage) { persisted = assistant },
	})

	require.NoError(t, m.Process(deltaChunk("你好")))
	require.NoError(t, m.Process(deltaChunk("世界")))
	assert.Equal(t, 6, m.CompletionTokens())

	// The vendor under-reports streamed completions; the terminal bill
	// must use the meter's own count: 100*0.0001 + 6*0.0002 = 0.0112.
	require.NoError(t, m.Process(usageChunk(100, 1)))
	assert.InDelta(t, 0.0112, budget.Current(), 1e-9)

	evs := drainEvents(events)
	require.NotEmpty(t, evs)
	assert.InDelta(t, 0.0112, evs[len(evs)-1].Cost, 1e-9)

	require.NotNil(t, persisted)
	assert.JSONEq(t, `{"role":"assistant","content":"你好世界"}`, string(persisted))
}

func TestMeterIgnoresNoise(t *testing.T) {
	cache := newMeterCache(t, "qwen-plus", pricing.Entry{InputPrice: 0.0001, OutputPrice: 0.0002})
	budget := NewBudget(10)
	m := NewMeter(MeterConfig{
		Model:   "qwen-plus",
		Budget:  budget,
		Bus:     NewBus(zap.NewNop()),
		Cache:   cache,
		Encoder: fixedEncoder{n: 3},
		Logger:  zap.NewNop(),
	})

	require.NoError(t, m.Process([]byte("data: [DONE]\n\n")))
	require.NoError(t, m.Process([]byte(": keep-alive comment\n\n")))
	require.NoError(t, m.Process([]byte("data: {malformed json\n\n")))
	require.NoError(t, m.Process([]byte(`data: {"choices":[{"delta":{}}]}`+"\n\n")))

	assert.Zero(t, budget.Current())
	assert.Zero(t, m.CompletionTokens())
}

func TestMeterResponseNonStreaming(t *testing.T) {
	cache := newMeterCache(t, "deepseek-chat", pricing.Entry{InputPrice: 0.000001, OutputPrice: 0.000002})
	budget := NewBudget(10)
	bus := NewBus(zap.NewNop())
	_, events := bus.Subscribe()

	var persisted json.RawMessage
	m := NewMeter(MeterConfig{
		Model:    "deepseek-chat",
		Budget:   budget,
		Bus:      bus,
		Cache:    cache,
		Encoder:  fixedEncoder{n: 1},
		Logger:   zap.NewNop(),
		ForceCNY: true,
		Persist:  func(assistant json.RawMessage) { persisted = assistant },
	})

	body := []byte(`{
		"choices":[{"message":{"role":"assistant","content":"done"}}],
		"usage":{"prompt_tokens":100,"completion_tokens":50,"total_tokens":150}
	}`)
	m.MeterResponse(body)

	// (100*0.000001 + 50*0.000002) * 7.2 = 0.00144 CNY.
	assert.InDelta(t, 0.00144, budget.Current(), 1e-9)

	evs := drainEvents(events)
	require.Len(t, evs, 1)
	assert.Equal(t, "billing", evs[0].Type)
	assert.Equal(t, "CNY", evs[0].Currency)
	assert.InDelta(t, 0.00144, evs[0].Cost, 1e-9)

	require.NotNil(t, persisted)
	assert.JSONEq(t, `{"role":"assistant","content":"done"}`, string(persisted))
}

func TestMeterResponseWithoutUsage(t *testing.T) {
	cache := newMeterCache(t, "qwen-plus", pricing.Entry{InputPrice: 0.0001, OutputPrice: 0.0002})
	budget := NewBudget(10)
	m := NewMeter(MeterConfig{
		Model:   "qwen-plus",
		Budget:  budget,
		Bus:     NewBus(zap.NewNop()),
		Cache:   cache,
		Encoder: fixedEncoder{n: 1},
		Logger:  zap.NewNop(),
	})

	m.MeterResponse([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`))

	assert.Zero(t, budget.Current())
}
