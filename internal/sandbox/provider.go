package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lzjever/mbos-wos/internal/core"
)

// Sandbox is the provider's view of a remote workspace instance.
type Sandbox struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	URL          string `json:"url"`
	WorkspaceURL string `json:"workspace_url"`
	WorkerURL    string `json:"worker_url"`
}

type CreateSandboxRequest struct {
	Environment string `json:"environment,omitempty"`
	RepoURL     string `json:"repo_url,omitempty"`
	TaskID      string `json:"task_id"`
}

// Provider requests remote sandboxes. The HTTP implementation reads the
// caller's auth token from the context placed there by the gateway.
type Provider interface {
	CreateSandbox(ctx context.Context, req CreateSandboxRequest) (*Sandbox, error)
	GetSandbox(ctx context.Context, id string) (*Sandbox, error)
	DeleteSandbox(ctx context.Context, id string) error
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (*Sandbox, error) {
	var sb Sandbox
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes", req, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

func (c *Client) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	var sb Sandbox
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes/"+id, nil, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

func (c *Client) DeleteSandbox(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sandboxes/"+id, nil, nil)
}

// Environment is a provider-defined sandbox template.
type Environment struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// ListEnvironments fetches the provider's environment catalog. The gateway
// uses it for the one-time cache refresh after first authentication.
func (c *Client) ListEnvironments(ctx context.Context) ([]Environment, error) {
	var envs []Environment
	if err := c.do(ctx, http.MethodGet, "/v1/environments", nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := core.AuthToken(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return core.NewAppError(core.ErrProviderError, fmt.Sprintf("sandbox provider: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		code := core.ErrProviderError
		if resp.StatusCode == http.StatusUnauthorized {
			code = core.ErrUnauthorized
		}
		return core.NewAppError(code, fmt.Sprintf("sandbox provider %d: %s", resp.StatusCode, string(b)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
