package billing

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/amerfu/sentinel/internal/services/pricing"
	"github.com/amerfu/sentinel/internal/services/tokenizer"
	"go.uber.org/zap"
)

// ErrBudgetExceeded terminates the upstream stream once the running total
// crosses the limit.
var ErrBudgetExceeded = errors.New("budget limit exceeded")

// Emit throttling: a billing event goes out when any of these is reached
// since the previous emit.
const (
	emitTokenThreshold = 10
	emitCostThreshold  = 1e-4
	emitTimeThreshold  = 200 * time.Millisecond
)

// PersistFunc receives the assistant reply for out-of-band session memory
// writes after a completed turn.
type PersistFunc func(assistant json.RawMessage)

// Meter transforms one request's SSE stream: it tokenizes content deltas,
// advances the shared running cost, publishes throttled billing events and
// fuses the stream the moment the budget is breached. All state other than
// the budget counter and the bus is request-local.
type Meter struct {
	model    string
	budget   *Budget
	bus      *Bus
	cache    *pricing.Cache
	enc      tokenizer.Encoder
	logger   *zap.Logger
	forceCNY bool
	persist  PersistFunc

	fused            bool
	completionTokens int
	reply            strings.Builder
	// Pico-units charged for this request so far, used to reconcile the
	// terminal authoritative bill against the incremental estimates.
	chargedPicos uint64
	emitTokens   int

	// Written once per emit; the mutex is cheap because emits are
	// throttled to a few per second.
	emitMu          sync.Mutex
	lastEmit        time.Time
	lastEmittedCost float64
}

type MeterConfig struct {
	Model    string
	Budget   *Budget
	Bus      *Bus
	Cache    *pricing.Cache
	Encoder  tokenizer.Encoder
	Logger   *zap.Logger
	ForceCNY bool
	Persist  PersistFunc
}

func NewMeter(cfg MeterConfig) *Meter {
	return &Meter{
		model:    cfg.Model,
		budget:   cfg.Budget,
		bus:      cfg.Bus,
		cache:    cfg.Cache,
		enc:      cfg.Encoder,
		logger:   cfg.Logger,
		forceCNY: cfg.ForceCNY,
		persist:  cfg.Persist,
		lastEmit: time.Now(),
	}
}

// streamChunk is the subset of an SSE data frame the meter inspects.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		Message json.RawMessage `json:"message"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage"`
}

// CompletionTokens returns the meter's own output-token count so far.
func (m *Meter) CompletionTokens() int {
	return m.completionTokens
}

// Fused reports whether the budget breaker has tripped for this request.
func (m *Meter) Fused() bool {
	return m.fused
}

// Process runs the tokenization-and-billing loop over one upstream chunk.
// The caller forwards the chunk bytes to the client only when Process
// returns nil; ErrBudgetExceeded means the stream must end immediately.
// Malformed lines are ignored: metering never fails the request on its own
// parse errors.
func (m *Meter) Process(chunk []byte) error {
	if m.fused {
		return ErrBudgetExceeded
	}

	emitted := false
	for _, line := range strings.Split(string(chunk), "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			continue
		}

		var frame streamChunk
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			continue
		}

		if content := m.deltaContent(&frame); content != "" {
			if err := m.meterDelta(content, &emitted); err != nil {
				return err
			}
		}

		if len(frame.Usage) > 0 && string(frame.Usage) != "null" {
			m.finalize(&frame)
		}
	}

	return nil
}

func (m *Meter) deltaContent(frame *streamChunk) string {
	if len(frame.Choices) == 0 || frame.Choices[0].Delta.Content == nil {
		return ""
	}
	return *frame.Choices[0].Delta.Content
}

// meterDelta charges one content delta and trips the breaker when the
// running total crosses the limit.
func (m *Meter) meterDelta(content string, emitted *bool) error {
	n := m.enc.Count(content)
	if n == 0 {
		return nil
	}
	m.completionTokens += n
	m.emitTokens += n
	m.reply.WriteString(content)
	meteredTokens.WithLabelValues(m.model).Add(float64(n))

	price, _ := m.cache.Lookup(m.model)
	cost, currency := PriceCost(m.model, float64(n)*price.OutputPrice, price, m.forceCNY)
	m.chargedPicos += m.budget.AddCost(cost)

	allowed, current, limit := m.budget.Gate()
	if !allowed {
		m.fused = true
		breakerTrips.Inc()
		m.logger.Warn("Budget breaker tripped mid-stream",
			zap.String("model", m.model),
			zap.Float64("current", current),
			zap.Float64("limit", limit))

		m.bus.Publish(Event{
			Type:     "billing",
			Model:    m.model,
			Cost:     current,
			Currency: currency,
			Fused:    true,
		})
		m.bus.Publish(Event{
			Type:     "error",
			Reason:   "budget_exceeded",
			Cost:     current,
			Currency: currency,
		})
		return ErrBudgetExceeded
	}

	if cost > 0 && !*emitted && m.shouldEmit(current) {
		*emitted = true
		m.bus.Publish(Event{
			Type:     "billing",
			Model:    m.model,
			Cost:     current,
			Currency: currency,
		})
	}
	return nil
}

// shouldEmit applies the token/cost/time throttle and, when it fires,
// resets the accumulators.
func (m *Meter) shouldEmit(current float64) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	byTokens := m.emitTokens >= emitTokenThreshold
	byCost := math.Abs(current-m.lastEmittedCost) >= emitCostThreshold
	byTime := time.Since(m.lastEmit) >= emitTimeThreshold

	if !byTokens && !byCost && !byTime {
		return false
	}

	m.emitTokens = 0
	m.lastEmit = time.Now()
	m.lastEmittedCost = current
	return true
}

// finalize handles the terminal usage chunk: the authoritative bill uses
// the vendor's prompt count but the meter's own completion count, because
// some vendors under-report streamed completions. The incremental charges
// already on the counter are reconciled, never double-charged.
func (m *Meter) finalize(frame *streamChunk) {
	var usage Usage
	if err := json.Unmarshal(frame.Usage, &usage); err != nil {
		m.logger.Debug("Unparseable usage in terminal chunk", zap.Error(err))
		return
	}

	price, _ := m.cache.Lookup(m.model)
	raw := float64(usage.PromptTokens)*price.InputPrice +
		float64(m.completionTokens)*price.OutputPrice
	cost, currency := PriceCost(m.model, raw, price, m.forceCNY)

	if picos := uint64(math.Round(cost * picosPerUnit)); picos > m.chargedPicos {
		m.budget.AddPicos(picos - m.chargedPicos)
		m.chargedPicos = picos
	}

	current := m.budget.Current()
	m.bus.Publish(Event{
		Type:     "billing",
		Model:    m.model,
		Cost:     current,
		Currency: currency,
	})

	m.logger.Info("Stream metered",
		zap.String("model", m.model),
		zap.Uint64("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", m.completionTokens),
		zap.Float64("cost", cost),
		zap.String("currency", currency))

	if m.persist != nil {
		if reply := m.assistantReply(frame); reply != nil {
			m.persist(reply)
		}
	}
}

// assistantReply prefers a full message object on the terminal chunk and
// falls back to the accumulated delta text.
func (m *Meter) assistantReply(frame *streamChunk) json.RawMessage {
	if len(frame.Choices) > 0 && len(frame.Choices[0].Message) > 0 {
		return frame.Choices[0].Message
	}
	if m.reply.Len() == 0 {
		return nil
	}
	raw, err := json.Marshal(map[string]string{
		"role":    "assistant",
		"content": m.reply.String(),
	})
	if err != nil {
		return nil
	}
	return raw
}

// MeterResponse is the non-streaming variant: it reads usage from the full
// response body, charges once with the vendor's counts on both sides, and
// emits a single billing event. The body bytes themselves are returned to
// the client untouched by the caller.
func (m *Meter) MeterResponse(body []byte) {
	var frame streamChunk
	if err := json.Unmarshal(body, &frame); err != nil {
		m.logger.Debug("Unparseable non-streaming response", zap.Error(err))
		return
	}
	if len(frame.Usage) == 0 || string(frame.Usage) == "null" {
		m.logger.Debug("No usage in non-streaming response",
			zap.String("model", m.model))
		return
	}

	var usage Usage
	if err := json.Unmarshal(frame.Usage, &usage); err != nil {
		m.logger.Debug("Unparseable usage in response", zap.Error(err))
		return
	}

	price, _ := m.cache.Lookup(m.model)
	raw := float64(usage.PromptTokens)*price.InputPrice +
		float64(usage.CompletionTokens)*price.OutputPrice
	cost, currency := PriceCost(m.model, raw, price, m.forceCNY)

	m.chargedPicos += m.budget.AddCost(cost)

	m.bus.Publish(Event{
		Type:     "billing",
		Model:    m.model,
		Cost:     m.budget.Current(),
		Currency: currency,
	})

	m.logger.Info("Response metered",
		zap.String("model", m.model),
		zap.Uint64("prompt_tokens", usage.PromptTokens),
		zap.Uint64("completion_tokens", usage.CompletionTokens),
		zap.Float64("cost", cost),
		zap.String("currency", currency))

	if m.persist != nil {
		if len(frame.Choices) > 0 && len(frame.Choices[0].Message) > 0 {
			m.persist(frame.Choices[0].Message)
		}
	}
}
