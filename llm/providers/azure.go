package providers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ewoutbarendregt/crosscheck/llm"
)

// AzureProvider implements the Azure OpenAI chat-completions API. The wire
// format matches OpenAI; only the URL scheme and authentication differ, and
// the model is resolved from the deployment rather than the request body.
type AzureProvider struct {
	OpenAIProvider // Embed for shared request/response format
}

func init() {
	llm.RegisterProvider(&AzureProvider{})
}

// Name returns the provider identifier.
func (a *AzureProvider) Name() string {
	return "azure"
}

// BuildURL constructs the deployment-scoped Azure OpenAI endpoint.
func (a *AzureProvider) BuildURL(ep llm.Endpoint) string {
	baseURL := strings.TrimSuffix(ep.BaseURL, "/")
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		baseURL, ep.Deployment, ep.APIVersion)
}

// SetHeaders adds Azure api-key authentication.
func (a *AzureProvider) SetHeaders(req *http.Request, ep llm.Endpoint) {
	if ep.APIKey != "" {
		req.Header.Set("api-key", ep.APIKey)
	}
}
