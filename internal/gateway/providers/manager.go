package providers

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mrmushfiq/llm0-chat-core/internal/shared/config"
)

// Manager builds per-credential upstream clients. The pool hands out keys;
// Manager turns a key plus a model into a Provider speaking the right dialect.
type Manager struct {
	upstream     string
	defaultModel string
	baseURLs     map[string]string
	httpClient   *http.Client
}

// NewManager creates a new provider manager
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		upstream:     cfg.UpstreamProvider,
		defaultModel: cfg.DefaultModel,
		baseURLs: map[string]string{
			"openai":    cfg.OpenAIBaseURL,
			"anthropic": cfg.AnthropicBaseURL,
			"google":    cfg.GeminiBaseURL,
		},
		httpClient: NewHTTPClient(cfg.UpstreamConnectTimeout, cfg.UpstreamReadTimeout),
	}
}

// NewHTTPClient returns a client for long-lived streams: connect and
// response-header timeouts apply, but the body may stream for as long as the
// request context allows.
func NewHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	transport.ResponseHeaderTimeout = readTimeout
	return &http.Client{Transport: transport}
}

// DefaultModel is used when a request does not name a model
func (m *Manager) DefaultModel() string {
	return m.defaultModel
}

// ValidateModel reports whether model is served by the configured upstream
func (m *Manager) ValidateModel(model string) bool {
	if m.detectProvider(model) != m.upstream {
		return false
	}
	p, err := m.ForKey("", model)
	if err != nil {
		return false
	}
	return p.ValidateModel(model)
}

// ForKey returns a provider for model that authenticates with apiKey
func (m *Manager) ForKey(apiKey, model string) (Provider, error) {
	providerName := m.detectProvider(model)
	baseURL := m.baseURLs[providerName]

	switch providerName {
	case "openai":
		return NewOpenAIProvider(apiKey, baseURL, m.httpClient), nil
	case "anthropic":
		return NewAnthropicProvider(apiKey, baseURL, m.httpClient), nil
	case "google":
		return NewGeminiProvider(apiKey, baseURL, m.httpClient), nil
	}
	return nil, fmt.Errorf("unknown model: %s", model)
}

// detectProvider determines which provider a model belongs to
func (m *Manager) detectProvider(model string) string {
	if strings.HasPrefix(model, "gpt-") {
		return "openai"
	}
	if strings.HasPrefix(model, "claude-") {
		return "anthropic"
	}
	if strings.HasPrefix(model, "gemini-") {
		return "google"
	}
	return ""
}
