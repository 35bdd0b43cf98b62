package retrieval

import (
	"context"
	"errors"
	"fmt"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/uuid"

	"github.com/nexusrag/nexusrag/internal/embedding"
)

// vertexMatchClient is the subset of *aiplatform.MatchClient the provider
// needs, narrowed so tests can substitute a fake.
type vertexMatchClient interface {
	FindNeighbors(ctx context.Context, req *aiplatformpb.FindNeighborsRequest, opts ...interface{}) (*aiplatformpb.FindNeighborsResponse, error)
}

// GCPVertexProvider retrieves chunks from a Vertex AI Vector Search
// (Matching Engine) deployed index.
type GCPVertexProvider struct {
	client   vertexMatchClient
	config   GCPVertexConfig
	embedder embedding.Embedder
}

func NewGCPVertexProvider(client *aiplatform.MatchClient, config GCPVertexConfig, embedder embedding.Embedder) (*GCPVertexProvider, error) {
	if config.Project == "" || config.Location == "" || config.IndexID == "" {
		return nil, ErrVertexConfigMissing
	}
	return &GCPVertexProvider{client: vertexClientAdapter{client}, config: config, embedder: embedder}, nil
}

func (p *GCPVertexProvider) Name() string { return string(ProviderGCPVertex) }

func (p *GCPVertexProvider) Retrieve(ctx context.Context, query string, topK int, tenantID, corpusID uuid.UUID) ([]Chunk, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	vec := p.embedder.Embed(query)
	floats := make([]float32, len(vec))
	copy(floats, vec)

	req := &aiplatformpb.FindNeighborsRequest{
		IndexEndpoint:   p.config.IndexID,
		DeployedIndexId: corpusID.String(),
		Queries: []*aiplatformpb.FindNeighborsRequest_Query{
			{
				Datapoint:     &aiplatformpb.IndexDatapoint{FeatureVector: floats},
				NeighborCount: int32(topK),
			},
		},
	}

	resp, err := p.client.FindNeighbors(ctx, req)
	if err != nil {
		if isVertexAuthError(err) {
			return nil, fmt.Errorf("%w: %v", ErrVertexAuthError, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrVertexRetrievalError, err)
	}

	var chunks []Chunk
	if len(resp.NearestNeighbors) > 0 {
		for _, n := range resp.NearestNeighbors[0].Neighbors {
			if n.Datapoint == nil {
				continue
			}
			id, err := uuid.Parse(n.Datapoint.DatapointId)
			if err != nil {
				id = uuid.NewSHA1(corpusID, []byte(n.Datapoint.DatapointId))
			}
			chunks = append(chunks, Chunk{
				ChunkID: id,
				Score:   float64(n.Distance),
			})
		}
	}
	return sortAndTruncate(chunks, topK), nil
}

func isVertexAuthError(err error) bool {
	if st, ok := status.FromError(err); ok {
		if st.Code() == codes.Unauthenticated || st.Code() == codes.PermissionDenied {
			return true
		}
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == 401 || gErr.Code == 403
	}
	return false
}

// vertexClientAdapter adapts *aiplatform.MatchClient's real (variadic
// gax.CallOption) signature to the narrower vertexMatchClient interface
// used for testing.
type vertexClientAdapter struct {
	client *aiplatform.MatchClient
}

func (a vertexClientAdapter) FindNeighbors(ctx context.Context, req *aiplatformpb.FindNeighborsRequest, _ ...interface{}) (*aiplatformpb.FindNeighborsResponse, error) {
	return a.client.FindNeighbors(ctx, req)
}
