// Package clock implements the getLocalTime tool.
package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/chatline/internal/agent"
)

const (
	// ToolName is the name the model calls the tool by.
	ToolName = "getLocalTime"

	defaultBaseURL = "https://worldtimeapi.org/api/timezone"
	defaultTimeout = 5 * time.Second
	timeLayout     = "03:04 PM"
)

// cityZones maps well-known city names to IANA zones.
var cityZones = map[string]string{
	"new york":    "America/New_York",
	"london":      "Europe/London",
	"tokyo":       "Asia/Tokyo",
	"los angeles": "America/Los_Angeles",
	"chicago":     "America/Chicago",
	"paris":       "Europe/Paris",
	"sydney":      "Australia/Sydney",
	"mumbai":      "Asia/Kolkata",
	"beijing":     "Asia/Shanghai",
	"moscow":      "Europe/Moscow",
}

// Config configures the local time tool. An empty BaseURL disables the
// remote lookup and the time is computed from the local zone database.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
}

// DefaultConfig uses worldtimeapi.org.
func DefaultConfig() Config {
	return Config{BaseURL: defaultBaseURL}
}

// Tool answers with the current time at a location.
type Tool struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// Input is the tool's argument object.
type Input struct {
	Location string `json:"location" jsonschema:"description=City name or IANA time zone"`
}

// New creates the local time tool.
func New(cfg Config) *Tool {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Tool{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		client:  client,
		now:     now,
	}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "get the local time for a specified location"
}

func (t *Tool) Schema() json.RawMessage {
	return agent.SchemaFor[Input]()
}

// Execute resolves the location to a zone and reports the time there.
// Unknown locations fall back to UTC.
func (t *Tool) Execute(ctx context.Context, env agent.ToolEnv, params json.RawMessage) (*agent.ToolResult, error) {
	var input Input
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewToolError(ToolName, fmt.Errorf("decode input: %w", err)).WithType(agent.ToolErrorInvalidInput)
	}
	location := strings.TrimSpace(input.Location)
	zone, known := ResolveZone(location)

	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc = time.UTC
		known = false
	}

	current := t.now()
	if t.baseURL != "" {
		if remote, err := t.fetch(ctx, zone); err == nil {
			current = remote
		}
	}

	content := fmt.Sprintf("The current time in %s is %s", location, current.In(loc).Format(timeLayout))
	if !known {
		content += " (UTC)"
	}
	return &agent.ToolResult{Content: content}, nil
}

// ResolveZone maps a city name or IANA zone to a zone name. The second
// result is false when the location was not recognized and UTC is used.
func ResolveZone(location string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(location))
	if zone, ok := cityZones[normalized]; ok {
		return zone, true
	}
	if strings.Contains(location, "/") {
		if _, err := time.LoadLocation(strings.TrimSpace(location)); err == nil {
			return strings.TrimSpace(location), true
		}
	}
	return "UTC", false
}

func (t *Tool) fetch(ctx context.Context, zone string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/"+zone, nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("time lookup failed: %s", resp.Status)
	}

	var payload struct {
		Datetime string `json:"datetime"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err != nil {
		return time.Time{}, fmt.Errorf("decode response: %w", err)
	}
	return time.Parse(time.RFC3339Nano, payload.Datetime)
}
