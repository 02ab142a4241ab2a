package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// LLMTimeout bounds one enhancement call. Slow models fall back to the rule
// pass rather than stalling the pipeline.
const LLMTimeout = 20 * time.Second

// LLMClient produces structured product candidates from raw offer text.
type LLMClient interface {
	ExtractProducts(ctx context.Context, text string) ([]llmProduct, error)
}

// llmProduct is the wire shape the model is asked to emit. Pointers
// distinguish "absent" from zero so the merge can prefer model values only
// when present.
type llmProduct struct {
	Name      string            `json:"name"`
	Brand     *string           `json:"brand,omitempty"`
	Category  *string           `json:"category,omitempty"`
	Condition *string           `json:"condition,omitempty"`
	Grade     *string           `json:"grade,omitempty"`
	Price     *float64          `json:"price,omitempty"`
	Currency  *string           `json:"currency,omitempty"`
	Quantity  *int              `json:"quantity,omitempty"`
	Specs     map[string]string `json:"specs,omitempty"`
}

const llmOutputSchema = `{
	"type": "object",
	"required": ["products"],
	"properties": {
		"products": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name":      {"type": "string", "minLength": 1},
					"brand":     {"type": ["string", "null"]},
					"category":  {"type": ["string", "null"]},
					"condition": {"type": ["string", "null"]},
					"grade":     {"type": ["string", "null"]},
					"price":     {"type": ["number", "null"], "minimum": 0},
					"currency":  {"type": ["string", "null"]},
					"quantity":  {"type": ["integer", "null"], "minimum": 1},
					"specs":     {"type": ["object", "null"], "additionalProperties": {"type": "string"}}
				}
			}
		}
	}
}`

// OllamaClient talks to an Ollama-compatible generate endpoint.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
	schema  *jsonschema.Schema
}

// NewOllamaClient builds a client for the given base URL and model name.
func NewOllamaClient(baseURL, model string) (*OllamaClient, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("llm-output.json", strings.NewReader(llmOutputSchema)); err != nil {
		return nil, fmt.Errorf("add llm output schema: %w", err)
	}
	schema, err := compiler.Compile("llm-output.json")
	if err != nil {
		return nil, fmt.Errorf("compile llm output schema: %w", err)
	}
	return &OllamaClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: LLMTimeout},
		schema:  schema,
	}, nil
}

const extractionPrompt = `You extract product offers from supplier messages.
Return ONLY a JSON object of the form {"products": [...]} where each product
has: name (required), brand, category, condition (new|used|refurbished),
grade (A-D), price (number), currency (ISO code), quantity (integer >= 1),
specs (string map, e.g. {"ram": "8GB", "storage": "256GB"}).
Use null for unknown fields. Do not invent values.

Message:
%s`

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *OllamaClient) ExtractProducts(ctx context.Context, text string) ([]llmProduct, error) {
	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  fmt.Sprintf(extractionPrompt, text),
		Stream:  false,
		Format:  "json",
		Options: map[string]any{"temperature": 0.1},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, "llm unavailable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, contracts.Ef(contracts.KindTransient, "llm status %d", resp.StatusCode)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, "decode llm response", err)
	}
	return c.parseOutput(gen.Response)
}

// parseOutput pulls the first JSON object out of the model text and
// validates it against the output schema. Anything malformed is a fallback
// condition, not a fatal one.
func (c *OllamaClient) parseOutput(raw string) ([]llmProduct, error) {
	obj := firstJSONObject(raw)
	if obj == "" {
		return nil, contracts.E(contracts.KindTransient, "llm output contains no JSON object")
	}

	var generic any
	if err := json.Unmarshal([]byte(obj), &generic); err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, "llm output is not valid JSON", err)
	}
	if err := c.schema.Validate(generic); err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, "llm output failed schema validation", err)
	}

	var out struct {
		Products []llmProduct `json:"products"`
	}
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, "decode llm products", err)
	}
	return out.Products, nil
}

// firstJSONObject returns the first balanced top-level {...} in s, skipping
// braces inside string literals.
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
