package discovery

import (
	"context"
	"crypto/sha256"
	"math"
	"sync"

	"github.com/ainp-broker/broker/pkg/store"
)

// HashEmbedder is a deterministic, dependency-free fallback for the
// external embedding collaborator (spec §6): it derives a unit-ish
// 384-dimensional vector from repeated SHA-256 hashing of the input text.
// It produces no semantic structure — it exists so discovery can be
// exercised (registration, storage, ranking, cache) without a live
// embedding-model collaborator configured, per spec.md's note that the
// embedding call itself is "deliberately out of scope."
type HashEmbedder struct{}

func NewHashEmbedder() *HashEmbedder { return &HashEmbedder{} }

func (HashEmbedder) Embed(_ context.Context, text string) (store.Embedding, error) {
	vec := make(store.Embedding, EmbeddingDim)
	seed := []byte(text)
	block := sha256.Sum256(seed)
	for i := 0; i < EmbeddingDim; i++ {
		if i > 0 && i%32 == 0 {
			block = sha256.Sum256(block[:])
		}
		b := block[i%32]
		// map a byte to roughly [-1, 1]
		vec[i] = float32(int16(b)-128) / 128.0
	}
	normalize(vec)
	return vec, nil
}

func normalize(v store.Embedding) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= norm
	}
}

// CachedEmbedder wraps an Embedder with an in-process cache keyed by the
// SHA-256 of the input text, per spec §4.3 "cached by SHA-256 of
// description text." A miss computes and stores; a hit never calls the
// wrapped embedder again for that exact text.
type CachedEmbedder struct {
	inner store.Embedder
	mu    sync.RWMutex
	cache map[[32]byte]store.Embedding
}

func NewCachedEmbedder(inner store.Embedder) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: make(map[[32]byte]store.Embedding)}
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) (store.Embedding, error) {
	key := sha256.Sum256([]byte(text))
	c.mu.RLock()
	if v, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[key] = v
	c.mu.Unlock()
	return v, nil
}
