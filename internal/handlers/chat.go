package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amerfu/sentinel/internal/services/billing"
	"github.com/amerfu/sentinel/internal/services/dispatch"
	"github.com/amerfu/sentinel/internal/services/memory"
	"github.com/amerfu/sentinel/internal/services/pricing"
	"github.com/amerfu/sentinel/internal/services/tokenizer"
	"go.uber.org/zap"
)

// ChatHandler proxies chat completions to the upstream vendor while the
// meter watches the stream.
type ChatHandler struct {
	logger     *zap.Logger
	dispatcher *dispatch.Dispatcher
	cache      *pricing.Cache
	budget     *billing.Budget
	bus        *billing.Bus
	encoder    tokenizer.Encoder
	memory     *memory.Store
	forceCNY   bool
}

type ChatHandlerConfig struct {
	Logger     *zap.Logger
	Dispatcher *dispatch.Dispatcher
	Cache      *pricing.Cache
	Budget     *billing.Budget
	Bus        *billing.Bus
	Encoder    tokenizer.Encoder
	Memory     *memory.Store
	ForceCNY   bool
}

func NewChatHandler(cfg ChatHandlerConfig) *ChatHandler {
	return &ChatHandler{
		logger:     cfg.Logger,
		dispatcher: cfg.Dispatcher,
		cache:      cfg.Cache,
		budget:     cfg.Budget,
		bus:        cfg.Bus,
		encoder:    cfg.Encoder,
		memory:     cfg.Memory,
		forceCNY:   cfg.ForceCNY,
	}
}

// ChatCompletions handles POST /v1/chat/completions for both streaming and
// non-streaming requests. The upstream body is passed through byte-for-byte
// until the budget breaker fuses the stream.
func (h *ChatHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	model, _ := payload["model"].(string)
	if model == "" {
		model = "default"
	}
	sessionID, _ := payload["session_id"].(string)
	if sessionID == "" {
		sessionID = "default"
	}
	loadHistory, _ := payload["load_history"].(bool)
	stream, _ := payload["stream"].(bool)

	if loadHistory {
		history, err := h.memory.History(r.Context(), sessionID)
		if err != nil {
			h.logger.Warn("History load failed, continuing without it",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		memory.InjectHistory(payload, history)
	}

	// Text-only models must not receive image parts from the history.
	if !strings.Contains(pricing.NormalizeModel(model), "vl") {
		memory.CollapseMultimodal(payload)
	}

	userMessage := memory.LastUserMessage(payload)
	persist := func(assistant json.RawMessage) {
		go h.writeSessionMemory(sessionID, userMessage, assistant)
	}

	meter := billing.NewMeter(billing.MeterConfig{
		Model:    model,
		Budget:   h.budget,
		Bus:      h.bus,
		Cache:    h.cache,
		Encoder:  h.encoder,
		Logger:   h.logger,
		ForceCNY: h.forceCNY,
		Persist:  persist,
	})

	resp, err := h.dispatcher.Forward(r.Context(), model, payload)
	if err != nil {
		if errors.Is(err, dispatch.ErrUnsupportedModel) || errors.Is(err, dispatch.ErrMissingCredential) {
			h.sendError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.logger.Error("Upstream request failed",
			zap.String("model", model), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if stream {
		h.streamResponse(w, r, resp, meter, model)
		return
	}
	h.passthroughResponse(w, resp, meter)
}

// streamResponse forwards upstream SSE chunks verbatim, running the meter
// on each chunk before it goes out. The body ends the instant the meter
// fuses.
func (h *ChatHandler) streamResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, meter *billing.Meter, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if merr := meter.Process(chunk); merr != nil {
				// Budget fused: stop forwarding, the body ends here.
				h.logger.Warn("Stream fused",
					zap.String("model", model), zap.Error(merr))
				return
			}
			if _, werr := w.Write(chunk); werr != nil {
				// Client went away; the request context cancels the
				// upstream read on return.
				h.logger.Debug("Client disconnected mid-stream",
					zap.String("model", model))
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF && r.Context().Err() == nil {
				h.logger.Warn("Upstream stream error",
					zap.String("model", model), zap.Error(err))
			}
			return
		}
	}
}

// passthroughResponse meters a non-streaming response once and returns the
// original bytes untouched.
func (h *ChatHandler) passthroughResponse(w http.ResponseWriter, resp *http.Response, meter *billing.Meter) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to read upstream response")
		return
	}

	meter.MeterResponse(body)

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// writeSessionMemory appends the turn to the session log out-of-band; a
// failed write never affects the finished request.
func (h *ChatHandler) writeSessionMemory(sessionID string, user, assistant json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if user != nil {
		if err := h.memory.Append(ctx, sessionID, user); err != nil {
			h.logger.Warn("Failed to persist user message",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if assistant != nil {
		if err := h.memory.Append(ctx, sessionID, assistant); err != nil {
			h.logger.Warn("Failed to persist assistant reply",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

func (h *ChatHandler) sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}
