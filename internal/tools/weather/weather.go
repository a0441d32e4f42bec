// Package weather implements the getWeatherInformation tool on top of the
// wttr.in JSON API.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/chatline/internal/agent"
)

const (
	// ToolName is the name the model calls the tool by.
	ToolName = "getWeatherInformation"

	defaultBaseURL          = "https://wttr.in"
	defaultTimeout          = 10 * time.Second
	defaultMaxResponseBytes = int64(1 << 20)
)

// Config configures the weather tool.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Tool reports current conditions for a city.
type Tool struct {
	baseURL string
	client  *http.Client
}

// Input is the tool's argument object.
type Input struct {
	City string `json:"city" jsonschema:"description=Name of the city to report the weather for"`
}

// New creates the weather tool.
func New(cfg Config) *Tool {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Tool{baseURL: baseURL, client: client}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "show the weather in a given city to the user"
}

func (t *Tool) Schema() json.RawMessage {
	return agent.SchemaFor[Input]()
}

// report is the subset of wttr.in's format=j1 payload the tool reads.
type report struct {
	CurrentCondition []struct {
		TempF       string `json:"temp_F"`
		Humidity    string `json:"humidity"`
		WeatherDesc []struct {
			Value string `json:"value"`
		} `json:"weatherDesc"`
	} `json:"current_condition"`
}

// Execute fetches the weather. Lookup failures are reported to the model as
// the tool's output rather than as errors.
func (t *Tool) Execute(ctx context.Context, env agent.ToolEnv, params json.RawMessage) (*agent.ToolResult, error) {
	var input Input
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewToolError(ToolName, fmt.Errorf("decode input: %w", err)).WithType(agent.ToolErrorInvalidInput)
	}
	city := strings.TrimSpace(input.City)

	endpoint := t.baseURL + "/" + url.PathEscape(city) + "?format=j1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fetchError(city, err), nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fetchError(city, err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &agent.ToolResult{
			Content: fmt.Sprintf("Sorry, I couldn't fetch weather for %s. Please try again.", city),
		}, nil
	}

	var data report
	if err := json.NewDecoder(io.LimitReader(resp.Body, defaultMaxResponseBytes)).Decode(&data); err != nil {
		return fetchError(city, fmt.Errorf("decode response: %w", err)), nil
	}
	if len(data.CurrentCondition) == 0 {
		return fetchError(city, fmt.Errorf("response has no current conditions")), nil
	}

	current := data.CurrentCondition[0]
	condition := "unknown"
	if len(current.WeatherDesc) > 0 && current.WeatherDesc[0].Value != "" {
		condition = current.WeatherDesc[0].Value
	}
	return &agent.ToolResult{
		Content: fmt.Sprintf("The weather in %s is %s, %s°F with %s%% humidity.", city, condition, current.TempF, current.Humidity),
	}, nil
}

func fetchError(city string, err error) *agent.ToolResult {
	return &agent.ToolResult{
		Content: fmt.Sprintf("Error fetching weather for %s: %s", city, err),
		IsError: true,
	}
}
