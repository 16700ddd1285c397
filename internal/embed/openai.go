package embed

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/starford/munin/internal/apperr"
)

// DefaultModel balances quality against cost for short prose records.
const DefaultModel = "text-embedding-3-small"

const defaultTimeout = 10 * time.Second

// OpenAI embeds text through the OpenAI embeddings API or any compatible
// endpoint (Azure, vLLM, Ollama, llama.cpp).
type OpenAI struct {
	client     openai.Client
	model      string
	baseURL    string
	dimensions int
	timeout    time.Duration
}

// Option configures an OpenAI provider.
type Option func(*OpenAI)

// WithModel sets the embedding model.
func WithModel(model string) Option {
	return func(p *OpenAI) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL points the provider at an OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) Option {
	return func(p *OpenAI) {
		p.baseURL = baseURL
	}
}

// WithDimensions requests truncated vectors from models that support it.
// Zero keeps the model's native width.
func WithDimensions(n int) Option {
	return func(p *OpenAI) {
		if n > 0 {
			p.dimensions = n
		}
	}
}

// WithTimeout bounds each embedding call.
func WithTimeout(d time.Duration) Option {
	return func(p *OpenAI) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewOpenAI creates the provider. An empty apiKey falls back to
// OPENAI_API_KEY; an unset base URL falls back to OPENAI_BASE_URL, then the
// public API.
func NewOpenAI(apiKey string, opts ...Option) (*OpenAI, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("embed: api key required (set embedding.api_key or OPENAI_API_KEY): %w", apperr.ErrValidation)
	}

	p := &OpenAI{
		model:   DefaultModel,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.baseURL == "" {
		p.baseURL = os.Getenv("OPENAI_BASE_URL")
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = openai.NewClient(clientOpts...)
	return p, nil
}

// Embed returns the vector for text. Provider failures of any kind wrap
// apperr.ErrEmbeddingUnavailable so callers can degrade uniformly.
func (p *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embed: empty text: %w", apperr.ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(p.model),
		// Pin the wire format: compatible endpoints do not all implement
		// the SDK's base64 default.
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if p.dimensions > 0 {
		params.Dimensions = openai.Int(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("embed: %s: %w: %v", p.model, apperr.ErrEmbeddingUnavailable, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: %s returned no vectors: %w", p.model, apperr.ErrEmbeddingUnavailable)
	}

	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, f := range raw {
		vec[i] = float32(f)
	}
	return vec, nil
}

// Dimensions reports the configured vector width, 0 when the model default
// is used.
func (p *OpenAI) Dimensions() int {
	return p.dimensions
}

// Model reports the embedding model in use.
func (p *OpenAI) Model() string {
	return p.model
}
