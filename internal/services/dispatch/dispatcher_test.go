package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(Credentials{
		DashScope: "ds-key",
		Zhipu:     "zp-key",
		DeepSeek:  "dk-key",
	}, zap.NewNop())
}

func TestRoute(t *testing.T) {
	d := newTestDispatcher()

	tests := []struct {
		model   string
		wantURL string
		wantKey string
	}{
		{"qwen-plus", dashScopeURL, "ds-key"},
		{"Qwen-Max", dashScopeURL, "ds-key"},
		{"qwq-32b", dashScopeURL, "ds-key"},
		{"glm-4-plus", zhipuURL, "zp-key"},
		{"deepseek-chat", deepSeekURL, "dk-key"},
		{"deepseek-reasoner", deepSeekURL, "dk-key"},
	}
	for _, tt := range tests {
		url, key, err := d.Route(tt.model)
		require.NoError(t, err, tt.model)
		assert.Equal(t, tt.wantURL, url, tt.model)
		assert.Equal(t, tt.wantKey, key, tt.model)
	}
}

func TestRouteUnsupportedModel(t *testing.T) {
	d := newTestDispatcher()

	_, _, err := d.Route("gpt-4o")
	assert.ErrorIs(t, err, ErrUnsupportedModel)
}

func TestRouteMissingCredential(t *testing.T) {
	d := NewDispatcher(Credentials{DashScope: "ds-key"}, zap.NewNop())

	_, _, err := d.Route("glm-4")
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, _, err = d.Route("deepseek-chat")
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestRewriteStreamOptionsInjectsUsage(t *testing.T) {
	payload := map[string]any{
		"model":  "qwen-plus",
		"stream": true,
	}

	rewriteStreamOptions(payload)

	opts, ok := payload["stream_options"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, opts["include_usage"])
}

func TestRewriteStreamOptionsRespectsCallerSettings(t *testing.T) {
	payload := map[string]any{
		"model":          "qwen-plus",
		"stream":         true,
		"stream_options": map[string]any{"include_usage": false},
	}

	rewriteStreamOptions(payload)

	opts := payload["stream_options"].(map[string]any)
	assert.Equal(t, false, opts["include_usage"])
}

func TestRewriteStreamOptionsStripsWhenNotStreaming(t *testing.T) {
	payload := map[string]any{
		"model":          "qwen-plus",
		"stream_options": map[string]any{"include_usage": true},
	}

	rewriteStreamOptions(payload)

	_, present := payload["stream_options"]
	assert.False(t, present)
}
