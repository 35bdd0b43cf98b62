package retrieval

import (
	"fmt"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"

	"github.com/nexusrag/nexusrag/internal/embedding"
)

// Factory builds the Adapter named by a corpus's (normalized)
// ProviderConfig, wiring it to the shared clients constructed once at
// startup rather than per corpus.
type Factory struct {
	db        pgvectorDB
	embedder  embedding.Embedder
	awsClient *bedrockagentruntime.Client
	gcpClient *aiplatform.MatchClient
}

func NewFactory(db pgvectorDB, embedder embedding.Embedder, awsClient *bedrockagentruntime.Client, gcpClient *aiplatform.MatchClient) *Factory {
	return &Factory{db: db, embedder: embedder, awsClient: awsClient, gcpClient: gcpClient}
}

func (f *Factory) Build(config ProviderConfig) (Adapter, error) {
	config = config.Normalize()
	switch config.Kind {
	case ProviderLocalPgvector:
		return NewLocalPgvectorProvider(f.db, f.embedder), nil
	case ProviderAWSBedrockKB:
		if config.AWSBedrock == nil {
			return nil, ErrAWSConfigMissing
		}
		return NewAWSBedrockKBProvider(f.awsClient, *config.AWSBedrock)
	case ProviderGCPVertex:
		if config.GCPVertex == nil {
			return nil, ErrVertexConfigMissing
		}
		return NewGCPVertexProvider(f.gcpClient, *config.GCPVertex, f.embedder)
	default:
		return nil, fmt.Errorf("retrieval: unknown provider kind %q", config.Kind)
	}
}
