// Package planner talks to an optional external planning service. The
// planner is advisory: any transport error, timeout, or implausible
// response is a soft miss and the host falls back to its local matcher.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// requestTimeout is the hard deadline for one plan request.
const requestTimeout = 2500 * time.Millisecond

// Step is one suggested tool invocation.
type Step struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Plan is the planner's suggestion for a prompt.
type Plan struct {
	Steps      []Step  `json:"steps"`
	Confidence float64 `json:"confidence"`
}

type planRequest struct {
	Prompt       string   `json:"prompt"`
	AllowedTools []string `json:"allowedTools"`
	SpecVersion  string   `json:"specVersion"`
}

// Client is an HTTP client for the plan endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a planner client for the service at baseURL.
// logger may be nil.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// Plan posts a prompt to the planner. The second return is false on any
// soft miss: transport error, non-2xx status, malformed body, or a
// confidence outside [0, 1]. Callers fall back locally on a miss.
func (c *Client) Plan(ctx context.Context, prompt string, allowedTools []string, specVersion string) (*Plan, bool) {
	body, err := json.Marshal(planRequest{
		Prompt:       prompt,
		AllowedTools: allowedTools,
		SpecVersion:  specVersion,
	})
	if err != nil {
		c.logger.Warn("planner request marshal failed", zap.Error(err))
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/plan", bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("planner request build failed", zap.Error(err))
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("planner unreachable", zap.Error(err))
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("planner returned non-2xx", zap.Int("status", resp.StatusCode))
		return nil, false
	}

	var plan Plan
	if err := json.NewDecoder(resp.Body).Decode(&plan); err != nil {
		c.logger.Warn("planner response malformed", zap.Error(err))
		return nil, false
	}
	if plan.Confidence < 0 || plan.Confidence > 1 {
		c.logger.Warn("planner confidence out of range", zap.Float64("confidence", plan.Confidence))
		return nil, false
	}
	return &plan, true
}
