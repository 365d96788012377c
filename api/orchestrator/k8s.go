package orchestrator

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gantryproject/gantry/api/common"
)

const (
	managedByLabel   = "app.kubernetes.io/managed-by"
	managedByValue   = "gantry"
	orgLabel         = "gantry.io/org"
	jobIDLabel       = "gantry.io/job-id"
	runnerNameLabel  = "gantry.io/runner-name"
	defaultTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	defaultCAPath    = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"
)

// KubeConfig configures the Kubernetes pod client.
type KubeConfig struct {
	// APIServer is the base URL of the API server. Empty means in-cluster,
	// derived from the KUBERNETES_SERVICE_HOST/PORT environment.
	APIServer string
	TokenPath string
	CAPath    string
	Insecure  bool

	Namespace   string
	RunnerImage string
	DindImage   string
	// DindEnabled adds a docker-in-docker sidecar so jobs can build images.
	DindEnabled bool

	CPURequest    string
	MemoryRequest string
	CPULimit      string
	MemoryLimit   string

	RequestTimeout time.Duration
}

// KubeClient runs runner workloads as Kubernetes pods, one pod per runner.
// It speaks to the API server directly over HTTP rather than pulling in the
// full client machinery; the three calls it needs are plain REST.
type KubeClient struct {
	cfg    KubeConfig
	base   string
	token  string
	client *http.Client
}

// NewKubeClient builds a pod client from cfg, loading the service account
// token and CA when running in-cluster.
func NewKubeClient(cfg KubeConfig) (*KubeClient, error) {
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("kube: namespace is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.TokenPath == "" {
		cfg.TokenPath = defaultTokenPath
	}
	if cfg.CAPath == "" {
		cfg.CAPath = defaultCAPath
	}

	base := cfg.APIServer
	if base == "" {
		host, port := os.Getenv("KUBERNETES_SERVICE_HOST"), os.Getenv("KUBERNETES_SERVICE_PORT")
		if host == "" || port == "" {
			return nil, fmt.Errorf("kube: no api server configured and not running in-cluster")
		}
		base = "https://" + net.JoinHostPort(host, port)
	}

	var token string
	if b, err := os.ReadFile(cfg.TokenPath); err == nil {
		token = strings.TrimSpace(string(b))
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.Insecure}
	if !cfg.Insecure {
		if pem, err := os.ReadFile(cfg.CAPath); err == nil {
			pool := x509.NewCertPool()
			if pool.AppendCertsFromPEM(pem) {
				tlsConfig.RootCAs = pool
			}
		}
	}

	return &KubeClient{
		cfg:   cfg,
		base:  strings.TrimRight(base, "/"),
		token: token,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig:     tlsConfig,
				MaxIdleConnsPerHost: 8,
			},
		},
	}, nil
}

func (k *KubeClient) podsURL() string {
	return k.base + "/api/v1/namespaces/" + url.PathEscape(k.cfg.Namespace) + "/pods"
}

func (k *KubeClient) do(ctx context.Context, method, rawurl string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawurl, body)
	if err != nil {
		return nil, err
	}
	if k.token != "" {
		req.Header.Set("Authorization", "Bearer "+k.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

type podList struct {
	Items []pod `json:"items"`
}

type pod struct {
	Metadata podMetadata `json:"metadata"`
	Status   podStatus   `json:"status"`
}

type podMetadata struct {
	Name              string            `json:"name"`
	UID               string            `json:"uid,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	CreationTimestamp time.Time         `json:"creationTimestamp,omitempty"`
}

type podStatus struct {
	Phase string `json:"phase"`
}

// List returns every managed runner pod in the namespace, including pods
// created by earlier incarnations of this process.
func (k *KubeClient) List(ctx context.Context) ([]*Workload, error) {
	u := k.podsURL() + "?labelSelector=" + url.QueryEscape(managedByLabel+"="+managedByValue)
	resp, err := k.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, k.apiError(resp)
	}

	var list podList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("%w: decoding pod list: %v", ErrUnavailable, err)
	}

	workloads := make([]*Workload, 0, len(list.Items))
	for _, p := range list.Items {
		w := &Workload{
			ID:        p.Metadata.UID,
			Name:      p.Metadata.Name,
			Org:       p.Metadata.Labels[orgLabel],
			Phase:     mapPhase(p.Status.Phase),
			CreatedAt: p.Metadata.CreationTimestamp,
		}
		if raw := p.Metadata.Labels[jobIDLabel]; raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				w.JobID = id
			}
		}
		workloads = append(workloads, w)
	}
	return workloads, nil
}

// Create submits a runner pod for spec and returns the pod UID.
func (k *KubeClient) Create(ctx context.Context, spec *WorkloadSpec) (string, error) {
	manifest := k.manifest(spec)
	buf, err := json.Marshal(manifest)
	if err != nil {
		return "", err
	}

	resp, err := k.do(ctx, http.MethodPost, k.podsURL(), bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", k.apiError(resp)
	}

	var created pod
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("%w: decoding created pod: %v", ErrUnavailable, err)
	}
	common.Logger(ctx).WithFields(logrus.Fields{
		"pod": created.Metadata.Name, "org": spec.Org, "job_id": spec.JobID,
	}).Info("runner pod created")
	return created.Metadata.UID, nil
}

// Delete removes a runner pod by name. A missing pod is treated as already
// deleted.
func (k *KubeClient) Delete(ctx context.Context, name string) error {
	body := bytes.NewReader([]byte(`{"gracePeriodSeconds":30}`))
	resp, err := k.do(ctx, http.MethodDelete, k.podsURL()+"/"+url.PathEscape(name), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode >= 300:
		return k.apiError(resp)
	}
	return nil
}

func (k *KubeClient) apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: api server returned %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}
	return fmt.Errorf("%w: api server returned %d: %s", ErrRejected, resp.StatusCode, msg)
}

func mapPhase(s string) Phase {
	switch s {
	case "Pending":
		return PhasePending
	case "Running":
		return PhaseRunning
	case "Succeeded":
		return PhaseSucceeded
	case "Failed":
		return PhaseFailed
	}
	return PhaseUnknown
}

// manifest builds the pod body for a runner. The runner container consumes
// the JIT credential blob from its environment and registers itself; with
// DindEnabled a privileged docker sidecar shares the pod so jobs can run
// container builds.
func (k *KubeClient) manifest(spec *WorkloadSpec) map[string]interface{} {
	labels := map[string]string{
		managedByLabel:  managedByValue,
		orgLabel:        spec.Org,
		jobIDLabel:      strconv.FormatInt(spec.JobID, 10),
		runnerNameLabel: spec.Name,
	}

	resources := map[string]interface{}{}
	requests := map[string]string{}
	if k.cfg.CPURequest != "" {
		requests["cpu"] = k.cfg.CPURequest
	}
	if k.cfg.MemoryRequest != "" {
		requests["memory"] = k.cfg.MemoryRequest
	}
	if len(requests) > 0 {
		resources["requests"] = requests
	}
	limits := map[string]string{}
	if k.cfg.CPULimit != "" {
		limits["cpu"] = k.cfg.CPULimit
	}
	if k.cfg.MemoryLimit != "" {
		limits["memory"] = k.cfg.MemoryLimit
	}
	if len(limits) > 0 {
		resources["limits"] = limits
	}

	runner := map[string]interface{}{
		"name":  "runner",
		"image": k.cfg.RunnerImage,
		"env": []map[string]string{
			{"name": "ACTIONS_RUNNER_INPUT_JITCONFIG", "value": spec.JITConfig},
		},
		"resources": resources,
	}

	containers := []map[string]interface{}{runner}
	volumes := []map[string]interface{}{}

	if k.cfg.DindEnabled {
		runner["env"] = append(runner["env"].([]map[string]string),
			map[string]string{"name": "DOCKER_HOST", "value": "tcp://localhost:2375"})
		runner["volumeMounts"] = []map[string]string{
			{"name": "work", "mountPath": "/home/runner/_work"},
		}
		containers = append(containers, map[string]interface{}{
			"name":  "dind",
			"image": k.cfg.DindImage,
			"securityContext": map[string]interface{}{
				"privileged": true,
			},
			"env": []map[string]string{
				{"name": "DOCKER_TLS_CERTDIR", "value": ""},
			},
			"volumeMounts": []map[string]string{
				{"name": "work", "mountPath": "/home/runner/_work"},
			},
		})
		volumes = append(volumes, map[string]interface{}{
			"name":     "work",
			"emptyDir": map[string]interface{}{},
		})
	}

	return map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]interface{}{
			"name":      spec.Name,
			"namespace": k.cfg.Namespace,
			"labels":    labels,
			"annotations": map[string]string{
				"gantry.io/run-id": strconv.FormatInt(spec.RunID, 10),
				"gantry.io/labels": strings.Join(spec.Labels, ","),
			},
		},
		"spec": map[string]interface{}{
			"restartPolicy": "Never",
			"containers":    containers,
			"volumes":       volumes,
		},
	}
}
