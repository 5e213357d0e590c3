package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUnsupportedModel  = errors.New("no official endpoint for this model family")
	ErrMissingCredential = errors.New("vendor API key is not configured")
)

const (
	dashScopeURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"
	zhipuURL     = "https://open.bigmodel.cn/api/paas/v4/chat/completions"
	deepSeekURL  = "https://api.deepseek.com/chat/completions"
)

// Credentials holds the per-vendor API keys.
type Credentials struct {
	DashScope string
	Zhipu     string
	DeepSeek  string
}

// Dispatcher routes a chat request to the upstream vendor chosen by model
// family and forwards the (lightly rewritten) body.
type Dispatcher struct {
	client *http.Client
	creds  Credentials
	logger *zap.Logger
}

func NewDispatcher(creds Credentials, logger *zap.Logger) *Dispatcher {
	// Latency on token streams is dominated by small-packet delays, so
	// Nagle stays off and keep-alive is held at 60s. No proxy: the local
	// network path must stay direct.
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 60 * time.Second,
	}
	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Dispatcher{
		client: &http.Client{Transport: transport},
		creds:  creds,
		logger: logger,
	}
}

// Route resolves the upstream URL and credential for a raw model name.
// Matching is by substring on the normalized-ish lowercase form, before any
// cache-key normalization.
func (d *Dispatcher) Route(model string) (url, apiKey string, err error) {
	m := strings.ToLower(strings.TrimSpace(model))

	switch {
	case strings.Contains(m, "qwen") || strings.Contains(m, "qwq"):
		url, apiKey = dashScopeURL, d.creds.DashScope
	case strings.Contains(m, "glm"):
		url, apiKey = zhipuURL, d.creds.Zhipu
	case strings.Contains(m, "deepseek"):
		url, apiKey = deepSeekURL, d.creds.DeepSeek
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
	}

	if apiKey == "" {
		return "", "", fmt.Errorf("%w: %s", ErrMissingCredential, model)
	}
	return url, apiKey, nil
}

// rewriteStreamOptions adjusts stream_options in place: streaming requests
// need include_usage so the upstream emits a terminal usage chunk, while
// some vendors reject stream_options outside stream mode.
func rewriteStreamOptions(payload map[string]any) {
	stream, _ := payload["stream"].(bool)
	if stream {
		if _, ok := payload["stream_options"]; !ok {
			payload["stream_options"] = map[string]any{"include_usage": true}
		}
		return
	}
	delete(payload, "stream_options")
}

// Forward sends the request body to the vendor chosen for the model and
// returns the raw upstream response. The caller owns the response body.
//
// Streaming requests get stream_options.include_usage injected (unless the
// caller set stream_options already) so the upstream emits a terminal usage
// chunk; non-streaming requests have stream_options removed because some
// vendors reject it outside stream mode.
func (d *Dispatcher) Forward(ctx context.Context, model string, payload map[string]any) (*http.Response, error) {
	url, apiKey, err := d.Route(model)
	if err != nil {
		return nil, err
	}

	rewriteStreamOptions(payload)
	stream, _ := payload["stream"].(bool)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	d.logger.Debug("Forwarding to upstream",
		zap.String("model", model),
		zap.String("url", url),
		zap.Bool("stream", stream))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}
