package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log/slog"

	"github.com/hostedeth/deployer/pkg/config"
)

// Client talks to the pipeline provider: the external service that fetches a
// repository, builds it, reports stage transitions back over the webhook, and
// serves the built artifact.
type Client struct {
	base   string
	token  string
	client *http.Client
	logger *slog.Logger
}

// New returns a pipeline provider client.
func New(cfg config.DeployerConfig, logger *slog.Logger) *Client {
	return &Client{
		base:   strings.TrimRight(cfg.PipelineURL, "/"),
		token:  cfg.PipelineAuthToken,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// CreateInput describes the source-and-build pipeline for one deployment.
type CreateInput struct {
	PipelineID string `json:"pipeline_id"`
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	PackageDir string `json:"package_dir"`
	BuildDir   string `json:"build_dir"`
	OAuthToken string `json:"oauth_token"`
}

// CreatePipeline provisions a pipeline that checks out the repository and
// produces a zipped build artifact.
func (c *Client) CreatePipeline(ctx context.Context, input CreateInput) error {
	payload, err := json.Marshal(input)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/pipelines", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("create pipeline request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("pipeline provider rejected create: %s", resp.Status)
	}
	c.logger.Info("pipeline created", "pipeline_id", input.PipelineID, "repo", input.Owner+"/"+input.Repository)
	return nil
}

// DeletePipeline tears down the build pipeline once a deployment is live.
func (c *Client) DeletePipeline(ctx context.Context, pipelineID string) error {
	endpoint := c.base + "/pipelines/" + url.PathEscape(pipelineID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete pipeline request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("pipeline provider rejected delete: %s", resp.Status)
	}
	return nil
}

// FetchArtifact downloads the zipped build output for a pipeline.
func (c *Client) FetchArtifact(ctx context.Context, pipelineID string) ([]byte, error) {
	endpoint := c.base + "/pipelines/" + url.PathEscape(pipelineID) + "/artifact"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pipeline provider returned %s for artifact", resp.Status)
	}
	artifact, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read artifact body: %w", err)
	}
	return artifact, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
