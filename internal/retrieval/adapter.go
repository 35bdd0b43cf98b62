// Package retrieval provides the pluggable corpus retrieval contract the
// run engine queries before invoking an LLM, plus concrete adapters
// (local pgvector, AWS Bedrock Knowledge Bases, GCP Vertex AI Search)
// behind it. Every adapter call is expected to go through an
// internal/resilience.Caller for timeout/retry/circuit-breaker protection.
package retrieval

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Stable error codes returned by the AWS and GCP providers. local_pgvector
// surfaces plain Go errors since it has no external auth/config surface.
var (
	ErrAWSConfigMissing     = errors.New("AWS_CONFIG_MISSING: aws_bedrock_kb provider is missing required configuration")
	ErrAWSAuthError         = errors.New("AWS_AUTH_ERROR: aws_bedrock_kb provider authentication failed")
	ErrAWSRetrievalError    = errors.New("AWS_RETRIEVAL_ERROR: aws_bedrock_kb retrieval call failed")
	ErrVertexConfigMissing  = errors.New("VERTEX_RETRIEVAL_CONFIG_MISSING: gcp_vertex provider is missing required configuration")
	ErrVertexAuthError      = errors.New("VERTEX_RETRIEVAL_AUTH_ERROR: gcp_vertex provider authentication failed")
	ErrVertexRetrievalError = errors.New("VERTEX_RETRIEVAL_ERROR: gcp_vertex retrieval call failed")
)

// ProviderKind names one of the three retrieval provider backends a corpus
// can be configured with.
type ProviderKind string

const (
	ProviderLocalPgvector ProviderKind = "local_pgvector"
	ProviderAWSBedrockKB  ProviderKind = "aws_bedrock_kb"
	ProviderGCPVertex     ProviderKind = "gcp_vertex"

	// DefaultTopK is applied when a corpus's provider_config is {} and when
	// a /run request omits top_k.
	DefaultTopK = 5
)

// ProviderConfig is the tagged union a corpus's provider_config column
// holds. Exactly one of the provider-specific fields is meaningful,
// selected by Kind. An empty ProviderConfig normalizes to local_pgvector
// with TopKDefault = DefaultTopK.
type ProviderConfig struct {
	Kind        ProviderKind      `json:"kind,omitempty"`
	TopKDefault int               `json:"top_k_default,omitempty"`
	AWSBedrock  *AWSBedrockConfig `json:"aws_bedrock_kb,omitempty"`
	GCPVertex   *GCPVertexConfig  `json:"gcp_vertex,omitempty"`
}

// AWSBedrockConfig is the aws_bedrock_kb provider's required configuration.
type AWSBedrockConfig struct {
	KnowledgeBaseID string `json:"knowledge_base_id"`
	Region          string `json:"region"`
}

// GCPVertexConfig is the gcp_vertex provider's required configuration.
type GCPVertexConfig struct {
	Project  string `json:"project"`
	Location string `json:"location"`
	IndexID  string `json:"index_id"`
}

// Normalize fills in the local_pgvector default for a zero-value config,
// matching the {} -> local_pgvector/top_k_default=5 rule.
func (c ProviderConfig) Normalize() ProviderConfig {
	if c.Kind == "" {
		c.Kind = ProviderLocalPgvector
	}
	if c.TopKDefault <= 0 {
		c.TopKDefault = DefaultTopK
	}
	return c
}

// Chunk is one retrieved passage, ready to fold into an LLM prompt.
type Chunk struct {
	ChunkID  uuid.UUID
	Text     string
	Score    float64
	Metadata map[string]any
}

// Adapter is a pluggable corpus retrieval back end. Implementations return
// results already sorted by score desc, then ChunkID asc, truncated to
// topK.
type Adapter interface {
	Name() string
	Retrieve(ctx context.Context, query string, topK int, tenantID, corpusID uuid.UUID) ([]Chunk, error)
}
