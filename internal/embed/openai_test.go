package embed

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/starford/munin/internal/apperr"
)

// embedTestServer returns a provider wired to a fake embeddings endpoint.
func embedTestServer(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := NewOpenAI("test-key",
		WithBaseURL(server.URL),
		WithModel("text-embedding-3-small"),
		WithDimensions(2),
	)
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	return p
}

func embeddingResponse(vec []float64) string {
	data, _ := json.Marshal(map[string]interface{}{
		"object": "list",
		"data": []map[string]interface{}{
			{"object": "embedding", "index": 0, "embedding": vec},
		},
		"model": "text-embedding-3-small",
		"usage": map[string]int{"prompt_tokens": 4, "total_tokens": 4},
	})
	return string(data)
}

func TestEmbed_SendsRequestAndParsesVector(t *testing.T) {
	p := embedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("authorization = %q", auth)
		}
		var body struct {
			Input      string `json:"input"`
			Model      string `json:"model"`
			Dimensions int    `json:"dimensions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Input != "summary\n\nbody text" {
			t.Errorf("input = %q", body.Input)
		}
		if body.Model != "text-embedding-3-small" {
			t.Errorf("model = %q", body.Model)
		}
		if body.Dimensions != 2 {
			t.Errorf("dimensions = %d", body.Dimensions)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(embeddingResponse([]float64{0.5, -0.25})))
	})

	vec, err := p.Embed(t.Context(), "summary\n\nbody text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	want := []float32{0.5, -0.25}
	if len(vec) != 2 || vec[0] != want[0] || vec[1] != want[1] {
		t.Errorf("vector = %v, want %v", vec, want)
	}
}

func TestEmbed_ProviderFailureWrapsSentinel(t *testing.T) {
	p := embedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "bad key", "type": "invalid_request_error"}}`))
	})

	_, err := p.Embed(t.Context(), "anything")
	if !errors.Is(err, apperr.ErrEmbeddingUnavailable) {
		t.Errorf("err = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestEmbed_EmptyResponseWrapsSentinel(t *testing.T) {
	p := embedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object": "list", "data": [], "model": "m", "usage": {"prompt_tokens": 0, "total_tokens": 0}}`))
	})

	_, err := p.Embed(t.Context(), "anything")
	if !errors.Is(err, apperr.ErrEmbeddingUnavailable) {
		t.Errorf("err = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestEmbed_RejectsEmptyText(t *testing.T) {
	p := embedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty text")
	})

	_, err := p.Embed(t.Context(), "   \n")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewOpenAI(""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestNew_ProviderSwitch(t *testing.T) {
	e, err := New("none", "")
	if err != nil || e != nil {
		t.Errorf("none: %v, %v", e, err)
	}
	e, err = New("", "")
	if err != nil || e != nil {
		t.Errorf("empty: %v, %v", e, err)
	}
	if _, err := New("openai", "test-key", WithModel("custom")); err != nil {
		t.Errorf("openai: %v", err)
	}
	if _, err := New("sentencepiece", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown provider err = %v, want ErrValidation", err)
	}
}
