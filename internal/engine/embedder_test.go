package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lazypower/cogmem/internal/config"
	"github.com/lazypower/cogmem/internal/memerr"
	"github.com/lazypower/cogmem/internal/vector"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"Hello World", 2},
		{"Go developer, prefers minimal dependencies.", 5},
		{"a b c", 0}, // single chars skipped
		{"SQLite WAL mode", 3},
		{"", 0},
	}

	for _, tt := range tests {
		tokens := tokenize(tt.input)
		if len(tokens) != tt.want {
			t.Errorf("tokenize(%q) = %d tokens %v, want %d", tt.input, len(tokens), tokens, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	vec := []float64{3, 4}
	normalize(vec)

	norm := math.Sqrt(vec[0]*vec[0] + vec[1]*vec[1])
	if math.Abs(norm-1) > 1e-10 {
		t.Errorf("normalized magnitude = %f, want 1", norm)
	}

	zero := []float64{0, 0, 0}
	normalize(zero) // should not panic
	for i, v := range zero {
		if v != 0 {
			t.Errorf("zero[%d] = %f, want 0", i, v)
		}
	}
}

func TestHashEmbedder(t *testing.T) {
	emb := NewHashEmbedder(256)
	ctx := context.Background()

	if emb.Model() != "hash" || emb.Dimensions() != 256 {
		t.Fatalf("model/dims = %s/%d", emb.Model(), emb.Dimensions())
	}

	vec, err := emb.Embed(ctx, "Go developer minimal dependencies")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 256 {
		t.Fatalf("vec length = %d, want 256", len(vec))
	}

	again, _ := emb.Embed(ctx, "Go developer minimal dependencies")
	if vector.CosineSimilarity(vec, again) < 0.9999 {
		t.Error("embedding is not deterministic")
	}

	related, _ := emb.Embed(ctx, "Go developer who prefers minimal dependencies")
	unrelated, _ := emb.Embed(ctx, "Python machine learning tensorflow")
	sim := vector.CosineSimilarity(vec, related)
	if sim < 0.5 {
		t.Errorf("similar text cosine = %f, want > 0.5", sim)
	}
	if u := vector.CosineSimilarity(vec, unrelated); u >= sim {
		t.Errorf("unrelated similarity %f should be less than related %f", u, sim)
	}

	empty, err := emb.Embed(ctx, "!")
	if err != nil {
		t.Fatalf("Embed empty: %v", err)
	}
	for _, v := range empty {
		if v != 0 {
			t.Fatal("tokenless text should embed to zero")
		}
	}

	if _, err := NewHashEmbedder(0).Embed(ctx, "x"); !errors.Is(err, memerr.ErrValidation) {
		t.Errorf("zero dims err = %v, want validation", err)
	}
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string `json:"model"`
			Input string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Input == "boom" {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	ctx := context.Background()
	emb := NewOllamaEmbedder(srv.URL+"/", "nomic-embed-text", 3)
	vec, err := emb.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[2] != 0.3 {
		t.Errorf("vec = %v", vec)
	}
	if emb.Model() != "ollama:nomic-embed-text" {
		t.Errorf("model = %q", emb.Model())
	}

	if _, err := emb.Embed(ctx, "boom"); err == nil {
		t.Error("expected error for non-200 response")
	}

	wrong := NewOllamaEmbedder(srv.URL, "nomic-embed-text", 4)
	var dm *memerr.DimensionMismatchError
	if _, err := wrong.Embed(ctx, "hello"); !errors.As(err, &dm) {
		t.Errorf("err = %v, want dimension mismatch", err)
	}

	if !OllamaAvailable(srv.URL, "nomic-embed-text") {
		t.Error("Ollama should be available against a live server")
	}
}

func TestNewEmbedder(t *testing.T) {
	emb, err := NewEmbedder(config.EmbeddingConfig{Provider: "hash"}, 8)
	if err != nil || emb.Model() != "hash" {
		t.Fatalf("hash provider = %v, %v", emb, err)
	}
	emb, err = NewEmbedder(config.EmbeddingConfig{Provider: "ollama", URL: "http://x", Model: "m"}, 8)
	if err != nil || emb.Model() != "ollama:m" {
		t.Fatalf("ollama provider = %v, %v", emb, err)
	}
	if _, err := NewEmbedder(config.EmbeddingConfig{Provider: "bogus"}, 8); !errors.Is(err, memerr.ErrValidation) {
		t.Errorf("bogus provider err = %v", err)
	}
}
