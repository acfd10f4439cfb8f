// Package remote is the production engine client: a thin JSON-over-HTTP
// transport to the external agent-execution service. It performs no
// reasoning and no retries; timeouts and error policy belong to the
// orchestrator.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/threadline-ai/threadline/internal/customer"
	"github.com/threadline-ai/threadline/internal/engine"
)

// Client implements engine.Engine against a base URL.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a remote engine client. A zero timeout disables the
// transport-level deadline (the orchestrator enforces its own).
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Handle returns a handle bound to one agent reference.
func (c *Client) Handle(agentRef string) engine.Handle {
	return &handle{client: c, agentRef: agentRef}
}

type handle struct {
	client   *Client
	agentRef string
}

// wire shapes for the execution service.

type runRequest struct {
	Agent    string             `json:"agent"`
	Messages []customer.Message `json:"messages"`
}

type resumeRequest struct {
	Agent     string            `json:"agent"`
	State     string            `json:"state"`
	Decisions []engine.Decision `json:"decisions"`
}

type validateRequest struct {
	Agent string `json:"agent"`
	State string `json:"state"`
}

type runResponse struct {
	Output     string                   `json:"output"`
	NewItems   []customer.Message       `json:"new_items"`
	FinalAgent string                   `json:"final_agent"`
	Pending    []engine.ApprovalRequest `json:"pending_approvals"`
	State      string                   `json:"state"`
}

func (h *handle) Run(ctx context.Context, input engine.Input) (engine.Outcome, error) {
	var resp runResponse
	err := h.client.post(ctx, "/run", runRequest{
		Agent:    h.agentRef,
		Messages: input.Messages,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.outcome(), nil
}

func (h *handle) Resume(ctx context.Context, state string, decisions []engine.Decision) (engine.Outcome, error) {
	var resp runResponse
	err := h.client.post(ctx, "/resume", resumeRequest{
		Agent:     h.agentRef,
		State:     state,
		Decisions: decisions,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.outcome(), nil
}

func (h *handle) CheckState(state string) error {
	// Validation is quick on the service side; a short deadline keeps a
	// dead service from stalling the resume-or-fresh decision.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.client.post(ctx, "/validate", validateRequest{
		Agent: h.agentRef,
		State: state,
	}, nil)
}

// outcome maps the duck-shaped wire response onto the tagged union:
// pending approvals plus state means the run paused, anything else is
// a completion.
func (r *runResponse) outcome() engine.Outcome {
	if len(r.Pending) > 0 && r.State != "" {
		return engine.AwaitingApproval{
			Pending:      r.Pending,
			State:        r.State,
			PartialItems: r.NewItems,
		}
	}
	return engine.Completed{
		Output:     r.Output,
		NewItems:   r.NewItems,
		FinalAgent: r.FinalAgent,
	}
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("engine %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("engine %s: status %d: %s", path, resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
