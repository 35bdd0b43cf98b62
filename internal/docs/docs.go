// Package docs serves the OpenAPI description of NexusRAG's HTTP surface
// (spec §7). The document is built programmatically with
// github.com/getkin/kin-openapi's openapi3 types and validated once at
// package init — a malformed spec panics at process start rather than
// failing a client's request for it.
package docs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

var spec = buildSpec()

func init() {
	if err := spec.Validate(context.Background()); err != nil {
		panic(fmt.Sprintf("docs: built-in OpenAPI document is invalid: %v", err))
	}
}

func buildSpec() *openapi3.T {
	t := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "NexusRAG API",
			Description: "Multi-tenant streaming retrieval-augmented-generation service.",
			Version:     "1",
		},
		Paths: openapi3.NewPaths(
			openapi3.WithPath("/v1/run", pathItem("run", withPost("Start or continue a retrieval-augmented chat turn.", operation("run")))),
			openapi3.WithPath("/v1/corpora", pathItem("corpora", withGet("List corpora.", operation("listCorpora")), withPost("Create a corpus.", operation("createCorpus")))),
			openapi3.WithPath("/v1/corpora/{id}", pathItem("corpora", withGet("Read, patch, or delete one corpus.", operation("getCorpus")))),
			openapi3.WithPath("/v1/documents", pathItem("documents", withGet("List documents.", operation("listDocuments")), withPost("Upload a document.", operation("createDocument")))),
			openapi3.WithPath("/v1/documents/text", pathItem("documents", withPost("Ingest a document from raw text.", operation("createDocumentText")))),
			openapi3.WithPath("/v1/documents/{id}/reindex", pathItem("documents", withPost("Re-chunk and re-embed a document.", operation("reindexDocument")))),
			openapi3.WithPath("/v1/apikeys", pathItem("apikeys", withGet("List tenant API keys.", operation("listAPIKeys")), withPost("Create a tenant API key.", operation("createAPIKey")))),
			openapi3.WithPath("/v1/audit", pathItem("audit", withGet("Query the tenant audit trail.", operation("listAuditLog")))),
			openapi3.WithPath("/v1/governance/dsar", pathItem("governance", withGet("List data subject access requests.", operation("listDSAR")), withPost("File a data subject access request.", operation("createDSAR")))),
			openapi3.WithPath("/v1/governance/legal-holds", pathItem("governance", withGet("List active legal holds.", operation("listLegalHolds")), withPost("Place a legal hold.", operation("placeLegalHold")))),
			openapi3.WithPath("/v1/compliance/snapshots", pathItem("compliance", withGet("List signed compliance snapshots.", operation("listComplianceSnapshots")))),
			openapi3.WithPath("/v1/failover/status", pathItem("failover", withGet("Get this region's failover status.", operation("getFailoverStatus")))),
			openapi3.WithPath("/v1/failover/promote", pathItem("failover", withPost("Promote a region to primary.", operation("promoteRegion")))),
			openapi3.WithPath("/v1/failover/demote", pathItem("failover", withPost("Demote a region to standby.", operation("demoteRegion")))),
		),
		Components: &openapi3.Components{
			SecuritySchemes: openapi3.SecuritySchemes{
				"ApiKeyAuth": &openapi3.SecuritySchemeRef{Value: openapi3.NewSecurityScheme().WithType("apiKey").WithIn("header").WithName("X-API-Key")},
			},
		},
	}
	return t
}

type pathOption func(tag string, p *openapi3.PathItem)

func withGet(summary string, op *openapi3.Operation) pathOption {
	return func(tag string, p *openapi3.PathItem) {
		op.Tags, op.Summary = []string{tag}, summary
		p.Get = op
	}
}

func withPost(summary string, op *openapi3.Operation) pathOption {
	return func(tag string, p *openapi3.PathItem) {
		op.Tags, op.Summary = []string{tag}, summary
		p.Post = op
	}
}

// pathItem assembles one OpenAPI path from its GET/POST operations, each
// tagged with tag for the generated docs' sidebar grouping.
func pathItem(tag string, opts ...pathOption) *openapi3.PathItem {
	p := &openapi3.PathItem{}
	for _, opt := range opts {
		opt(tag, p)
	}
	return p
}

func operation(operationID string) *openapi3.Operation {
	resp := openapi3.NewResponses()
	resp.Set("200", &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("OK")})
	return &openapi3.Operation{
		OperationID: operationID,
		Responses:   resp,
		Security:    &openapi3.SecurityRequirements{{"ApiKeyAuth": []string{}}},
	}
}

// SpecHandler serves the OpenAPI document as JSON.
func SpecHandler(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := spec.MarshalJSON()
		if err != nil {
			logger.Error("marshaling openapi spec", "error", err)
			http.Error(w, "failed to render OpenAPI document", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

const swaggerUITemplate = `<!DOCTYPE html>
<html>
<head><title>NexusRAG API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
<script>
  window.onload = () => SwaggerUIBundle({url: '/api/docs/openapi.json', dom_id: '#swagger-ui'})
</script>
</body>
</html>`

// SwaggerUIHandler serves a minimal Swagger UI page that loads the spec
// from SpecHandler's endpoint at /api/docs/openapi.json.
func SwaggerUIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(swaggerUITemplate))
	}
}
