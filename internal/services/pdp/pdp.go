// Package pdp is the policy-decision-point client. It exposes a single
// check(principal, resource, action) call to an external PDP, built around
// the request shape a Cerbos-style check-resources call expects:
// principal/resource/action, a generated request ID, and default-deny when
// no explicit allow comes back. Generating protobuf stubs without a protoc
// toolchain would mean fabricating a fake client, so this client speaks the
// same check-resources contract over JSON/HTTP instead, using net/http.
package pdp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nnoe/agent/internal/plugin"
)

// Decision is the outcome of a PDP check.
type Decision int

const (
	Deny Decision = iota
	Allow
	Transport // the PDP could not be reached; caller decides the fail-open/closed policy
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "Allow"
	case Deny:
		return "Deny"
	default:
		return "Transport"
	}
}

// Config configures the PDP client.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Client is a PDP client. It also satisfies plugin.Driver so it can be
// registered and health-checked alongside the other service plugins, even
// though it has no watched keys of its own: Check is called on demand by
// whichever component needs a decision.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ plugin.Driver = (*Client)(nil)

// New constructs a PDP client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

func (c *Client) Name() string { return "pdp" }

// Init is a no-op; the client dials lazily on first Check/Health call.
func (c *Client) Init(ctx context.Context) error { return nil }

// OnChange is a no-op; the PDP client has no watched keys of its own.
func (c *Client) OnChange(ctx context.Context, change plugin.Change) error { return nil }

// Reload is a no-op; there is no local state to re-render.
func (c *Client) Reload(ctx context.Context) error { return nil }

func (c *Client) Shutdown(ctx context.Context) error { return nil }

type checkRequest struct {
	RequestID string   `json:"requestId"`
	Principal principal `json:"principal"`
	Resources []resource `json:"resources"`
}

type principal struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

type resource struct {
	Kind    string   `json:"kind"`
	ID      string   `json:"id"`
	Actions []string `json:"actions"`
}

type checkResponse struct {
	Results []struct {
		Actions map[string]string `json:"actions"` // action -> "EFFECT_ALLOW" | "EFFECT_DENY"
	} `json:"results"`
}

// Check asks the PDP whether principal (identified by id and roles) may
// perform action on resource (kind/id). Any transport failure returns
// Transport, not Deny, so callers can apply their own fail policy; lack of
// an explicit allow in the response is a default Deny.
func (c *Client) Check(ctx context.Context, principalID string, roles []string, resourceKind, resourceID, action string) (Decision, error) {
	req := checkRequest{
		RequestID: "nnoe-" + uuid.NewString(),
		Principal: principal{ID: principalID, Roles: roles},
		Resources: []resource{{Kind: resourceKind, ID: resourceID, Actions: []string{action}}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Transport, fmt.Errorf("pdp: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/api/check_resources", bytes.NewReader(body))
	if err != nil {
		return Transport, fmt.Errorf("pdp: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Transport, fmt.Errorf("pdp: calling %s: %w", c.cfg.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Transport, fmt.Errorf("pdp: unexpected status %d", resp.StatusCode)
	}

	var cr checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Transport, fmt.Errorf("pdp: decoding response: %w", err)
	}

	for _, result := range cr.Results {
		if effect, ok := result.Actions[action]; ok {
			if effect == "EFFECT_ALLOW" {
				return Allow, nil
			}
			return Deny, nil
		}
	}
	return Deny, nil
}

// Health performs a lightweight reachability check against the PDP.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/_health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
