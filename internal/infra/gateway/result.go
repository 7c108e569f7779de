package gateway

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"mcpgate/internal/domain"
)

// errorPayload is the JSON shape of every failure returned through the front
// door: a kind tag, a message, and enough context to self-correct.
type errorPayload struct {
	Kind           string   `json:"kind"`
	Message        string   `json:"message"`
	Upstream       string   `json:"upstream,omitempty"`
	KnownUpstreams []string `json:"knownUpstreams,omitempty"`
	KnownActions   []string `json:"knownActions,omitempty"`
}

func errorResult(err error) *mcp.CallToolResult {
	payload := errorPayload{
		Kind:    "InternalError",
		Message: err.Error(),
	}
	if gwErr, ok := domain.AsError(err); ok {
		payload.Kind = string(gwErr.Kind)
		payload.Message = gwErr.Error()
		payload.Upstream = gwErr.Upstream
		payload.KnownUpstreams = gwErr.KnownUpstreams
		payload.KnownActions = gwErr.KnownActions
	}
	return textResult(map[string]errorPayload{"error": payload}, true)
}

type listingPayload struct {
	Upstream  string                  `json:"upstream"`
	FetchedAt time.Time               `json:"fetchedAt"`
	Actions   []domain.ToolDescriptor `json:"actions"`
}

func listingResult(snap *domain.CatalogSnapshot) (*mcp.CallToolResult, error) {
	return textResult(listingPayload{
		Upstream:  snap.Upstream,
		FetchedAt: snap.FetchedAt,
		Actions:   snap.Descriptors,
	}, false), nil
}

func textResult(payload any, isError bool) *mcp.CallToolResult {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		raw = []byte(`{"error":{"kind":"InternalError","message":"encode result"}}`)
		isError = true
	}
	return &mcp.CallToolResult{
		IsError: isError,
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(raw)},
		},
	}
}
