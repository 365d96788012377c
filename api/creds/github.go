package creds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gantryproject/gantry/api/common"
)

const defaultAPIBase = "https://api.github.com"

// GitHubConfig configures the GitHub JIT credential issuer.
type GitHubConfig struct {
	APIBase string
	Token   string
	// RunnerGroup is the runner group name runners register into. Empty
	// means the default group.
	RunnerGroup string
	// WorkDir is the work folder passed to the runner.
	WorkDir string

	RequestTimeout time.Duration
}

// GitHub issues just-in-time runner configurations via the GitHub REST API.
// Each blob is valid for exactly one runner registration.
type GitHub struct {
	cfg    GitHubConfig
	client *http.Client

	mu       sync.Mutex
	groupIDs map[string]int64 // org -> resolved runner group id
}

// NewGitHub builds an issuer from cfg.
func NewGitHub(cfg GitHubConfig) *GitHub {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.WorkDir == "" {
		cfg.WorkDir = "_work"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &GitHub{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		groupIDs: make(map[string]int64),
	}
}

type jitRequest struct {
	Name          string   `json:"name"`
	RunnerGroupID int64    `json:"runner_group_id"`
	Labels        []string `json:"labels"`
	WorkFolder    string   `json:"work_folder"`
}

type jitResponse struct {
	EncodedJITConfig string `json:"encoded_jit_config"`
}

// Issue requests a JIT config for one runner in org. The returned blob is
// base64-encoded and single-use.
func (g *GitHub) Issue(ctx context.Context, org, runnerName string, labels []string) (string, error) {
	groupID, err := g.runnerGroupID(ctx, org)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(jitRequest{
		Name:          runnerName,
		RunnerGroupID: groupID,
		Labels:        labels,
		WorkFolder:    g.cfg.WorkDir,
	})
	if err != nil {
		return "", err
	}

	u := g.cfg.APIBase + "/orgs/" + url.PathEscape(org) + "/actions/runners/generate-jitconfig"
	resp, err := g.do(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", g.apiError(resp)
	}

	var out jitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding jit response: %v", ErrUnavailable, err)
	}
	if out.EncodedJITConfig == "" {
		return "", fmt.Errorf("%w: empty jit config in response", ErrUnavailable)
	}
	common.Logger(ctx).WithField("runner", runnerName).Debug("issued jit config")
	return out.EncodedJITConfig, nil
}

type runnerGroupList struct {
	RunnerGroups []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"runner_groups"`
}

// runnerGroupID resolves the configured runner group name to its id for
// org, caching the result for the life of the process.
func (g *GitHub) runnerGroupID(ctx context.Context, org string) (int64, error) {
	if g.cfg.RunnerGroup == "" {
		return 1, nil // GitHub's default group
	}

	g.mu.Lock()
	if id, ok := g.groupIDs[org]; ok {
		g.mu.Unlock()
		return id, nil
	}
	g.mu.Unlock()

	u := g.cfg.APIBase + "/orgs/" + url.PathEscape(org) + "/actions/runner-groups?per_page=100"
	resp, err := g.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, g.apiError(resp)
	}

	var list runnerGroupList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return 0, fmt.Errorf("%w: decoding runner groups: %v", ErrUnavailable, err)
	}
	for _, rg := range list.RunnerGroups {
		if rg.Name == g.cfg.RunnerGroup {
			g.mu.Lock()
			g.groupIDs[org] = rg.ID
			g.mu.Unlock()
			return rg.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: runner group %q not found in org %s", ErrUnauthorized, g.cfg.RunnerGroup, org)
}

func (g *GitHub) do(ctx context.Context, method, rawurl string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawurl, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func (g *GitHub) apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: api returned %d: %s", ErrUnauthorized, resp.StatusCode, msg)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: api returned %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}
	return fmt.Errorf("%w: api returned %d: %s", ErrUnauthorized, resp.StatusCode, msg)
}
