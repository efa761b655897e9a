// Package vectorindex abstracts insertion and k-nearest retrieval
// against a text-embedding store, keyed by conversation id, via
// hand-rolled REST clients for Qdrant and Pinecone rather than an
// official vector-DB SDK.
package vectorindex

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/clinext/extraction-engine/internal/domain"
	"github.com/clinext/extraction-engine/internal/platform/logger"
)

// Match is one retrieval hit: a chunk plus its similarity in [0,1].
type Match struct {
	Chunk domain.Chunk
	Score float64
}

// Client is the capability interface every section retrieval call
// and the ingest stage depend on.
type Client interface {
	Upsert(ctx context.Context, conversationID string, chunks []domain.Chunk) error
	Query(ctx context.Context, conversationID string, embedding []float32, k int) ([]Match, error)
	Drop(ctx context.Context, conversationID string) error
}

// NewFromEnv selects a backend by VECTOR_PROVIDER ("qdrant" default,
// or "pinecone") and constructs it from environment configuration.
func NewFromEnv(log *logger.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("VECTOR_PROVIDER")))
	if provider == "" {
		provider = "qdrant"
	}
	switch provider {
	case "qdrant":
		return newQdrantClient(log)
	case "pinecone":
		return newPineconeClient(log)
	default:
		return nil, fmt.Errorf("vectorindex: unknown VECTOR_PROVIDER %q", provider)
	}
}

// namespace derives the per-conversation isolation key. Every backend
// must use this so queries never cross conversations.
func namespace(conversationID string) string {
	return "conv_" + conversationID
}
