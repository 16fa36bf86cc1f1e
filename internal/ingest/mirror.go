package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Environment string

const (
	EnvLocal      Environment = "local"
	EnvTunnel     Environment = "tunnel"
	EnvProduction Environment = "production"
)

type EnvironmentSettings struct {
	BaseURL        string `json:"baseUrl"`
	APIKey         string `json:"apiKey,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type EnvironmentConfig struct {
	CurrentEnvironment Environment                         `json:"currentEnvironment"`
	Environments       map[Environment]EnvironmentSettings `json:"environments"`
}

func defaultMirrorTimeout(env Environment) time.Duration {
	switch env {
	case EnvTunnel:
		return 45 * time.Second
	case EnvProduction:
		return 60 * time.Second
	default:
		return 30 * time.Second
	}
}

// MirrorClient talks to the optional remote mirror that keeps a copy of
// every ingested report. A nil client is valid and means no mirror is
// configured.
type MirrorClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
}

type MirrorUploadRequest struct {
	AccountIdentifier string         `json:"account_identifier"`
	CSVType           ReportKind     `json:"csv_type"`
	CSVContent        string         `json:"csv_content"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

type MirrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func NewMirrorClient(config EnvironmentConfig, httpClient *http.Client) (*MirrorClient, error) {
	env := config.CurrentEnvironment
	if env == "" {
		return nil, nil
	}
	settings, ok := config.Environments[env]
	if !ok || strings.TrimSpace(settings.BaseURL) == "" {
		return nil, fmt.Errorf("%w: no mirror settings for environment %s", ErrNotConfigured, env)
	}
	timeout := defaultMirrorTimeout(env)
	if settings.TimeoutSeconds > 0 {
		timeout = time.Duration(settings.TimeoutSeconds) * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &MirrorClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(settings.BaseURL), "/"),
		apiKey:     strings.TrimSpace(settings.APIKey),
		httpClient: httpClient,
		timeout:    timeout,
	}, nil
}

func (c *MirrorClient) Upload(ctx context.Context, req MirrorUploadRequest) (MirrorResponse, error) {
	return c.post(ctx, "/extension/csv/upload", req)
}

func (c *MirrorClient) Validate(ctx context.Context, req MirrorUploadRequest) (MirrorResponse, error) {
	req.Metadata = nil
	return c.post(ctx, "/extension/csv/validate", req)
}

func (c *MirrorClient) Health(ctx context.Context) error {
	if c == nil {
		return ErrNotConfigured
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/extension/csv/health", nil)
	if err != nil {
		return err
	}
	c.setHeaders(httpReq)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("mirror health check failed: status=%d", resp.StatusCode)
	}
	return nil
}

func (c *MirrorClient) post(ctx context.Context, path string, req MirrorUploadRequest) (MirrorResponse, error) {
	var out MirrorResponse
	if c == nil {
		return out, ErrNotConfigured
	}
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return out, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return out, readErr
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			out.Success = true
			return out, nil
		}
		return out, fmt.Errorf("mirror call failed: status=%d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if out.Error == "" {
			out.Error = fmt.Sprintf("status=%d", resp.StatusCode)
		}
		return out, fmt.Errorf("mirror call failed: %s", out.Error)
	}
	return out, nil
}

func (c *MirrorClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}
