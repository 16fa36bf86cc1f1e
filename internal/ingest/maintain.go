package ingest

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
)

// TabEnsurer guarantees the workbook exposes the expected tabs with header
// rows before the first append.
type TabEnsurer interface {
	EnsureTabs(ctx context.Context, workbookHandle, correlationID string) error
}

type WorkbookMaintainerOptions struct {
	BaseURL        string
	Auth           AuthManager
	Appender       SheetAppender
	HTTPClient     *http.Client
	Logger         Logger
	RequestTimeout time.Duration
}

type WorkbookMaintainer struct {
	baseURL        string
	auth           AuthManager
	appender       SheetAppender
	httpClient     *http.Client
	logger         Logger
	requestTimeout time.Duration

	mu      sync.Mutex
	ensured map[string]bool
}

func NewWorkbookMaintainer(opts WorkbookMaintainerOptions) (*WorkbookMaintainer, error) {
	if opts.Auth == nil {
		return nil, fmt.Errorf("%w: auth manager is required", ErrInvalidInput)
	}
	if opts.Appender == nil {
		return nil, fmt.Errorf("%w: sheet appender is required", ErrInvalidInput)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://sheets.googleapis.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &WorkbookMaintainer{
		baseURL:        baseURL,
		auth:           opts.Auth,
		appender:       opts.Appender,
		httpClient:     httpClient,
		logger:         logger,
		requestTimeout: requestTimeout,
		ensured:        map[string]bool{},
	}, nil
}

// EnsureTabs lists the workbook's tabs on first contact and creates any
// missing one from {Orders, Listings, Messages}, then writes its declared
// header row. A creation attempt that loses a race because the tab already
// exists is success.
func (m *WorkbookMaintainer) EnsureTabs(ctx context.Context, workbookHandle, correlationID string) error {
	workbookHandle = strings.TrimSpace(workbookHandle)
	if workbookHandle == "" {
		return fmt.Errorf("%w: workbook handle is required", ErrInvalidInput)
	}
	m.mu.Lock()
	done := m.ensured[workbookHandle]
	m.mu.Unlock()
	if done {
		return nil
	}

	existing, err := m.listTabs(ctx, workbookHandle, correlationID)
	if err != nil {
		return err
	}
	for _, tab := range RequiredTabs() {
		if existing[tab] {
			continue
		}
		created, err := m.createTab(ctx, workbookHandle, tab, correlationID)
		if err != nil {
			return err
		}
		if !created {
			// Lost a concurrent creation race; header row already handled.
			continue
		}
		headerRow := make(CanonicalRow, 0, len(tabHeaderRows[tab]))
		for _, h := range TabHeaderRow(tab) {
			headerRow = append(headerRow, h)
		}
		if _, err := m.appender.Append(ctx, workbookHandle, tab+"!A:Z", []CanonicalRow{headerRow}, correlationID); err != nil {
			return err
		}
		m.logger.Printf("created tab %s in workbook %s", tab, workbookHandle)
	}

	m.mu.Lock()
	m.ensured[workbookHandle] = true
	m.mu.Unlock()
	return nil
}

// Forget drops the ensured marker for a workbook, forcing a fresh listing
// on next contact. Used when the routing for an account changes mid-session.
func (m *WorkbookMaintainer) Forget(workbookHandle string) {
	m.mu.Lock()
	delete(m.ensured, workbookHandle)
	m.mu.Unlock()
}

func (m *WorkbookMaintainer) listTabs(ctx context.Context, workbookHandle, correlationID string) (map[string]bool, error) {
	requestURL := fmt.Sprintf("%s/v4/spreadsheets/%s?fields=sheets.properties.title", m.baseURL, url.PathEscape(workbookHandle))
	status, body, err := m.doJSON(ctx, http.MethodGet, requestURL, correlationID, nil)
	if err != nil {
		return nil, asPipelineTransient(err)
	}
	switch {
	case status >= 200 && status <= 299:
	case status == http.StatusForbidden:
		return nil, &PipelineError{Kind: KindPermissionDenied, HTTPStatus: status, Message: errorMessageFrom(body)}
	case status == http.StatusNotFound:
		return nil, &PipelineError{Kind: KindWorkbookMissing, HTTPStatus: status, Message: errorMessageFrom(body)}
	default:
		return nil, &PipelineError{Kind: KindOtherTransient, HTTPStatus: status, Message: errorMessageFrom(body)}
	}

	var parsed struct {
		Sheets []struct {
			Properties struct {
				Title string `json:"title"`
			} `json:"properties"`
		} `json:"sheets"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, pipelineErrorf(KindOtherTransient, "malformed workbook metadata: %v", err)
	}
	tabs := map[string]bool{}
	for _, sheet := range parsed.Sheets {
		tabs[sheet.Properties.Title] = true
	}
	return tabs, nil
}

func (m *WorkbookMaintainer) createTab(ctx context.Context, workbookHandle, tab, correlationID string) (bool, error) {
	requestURL := fmt.Sprintf("%s/v4/spreadsheets/%s:batchUpdate", m.baseURL, url.PathEscape(workbookHandle))
	payload := map[string]any{
		"requests": []map[string]any{
			{"addSheet": map[string]any{"properties": map[string]any{"title": tab}}},
		},
	}
	status, body, err := m.doJSON(ctx, http.MethodPost, requestURL, correlationID, payload)
	if err != nil {
		return false, asPipelineTransient(err)
	}
	if status >= 200 && status <= 299 {
		return true, nil
	}
	if strings.Contains(strings.ToLower(errorMessageFrom(body)), "already exists") {
		return false, nil
	}
	switch status {
	case http.StatusForbidden:
		return false, &PipelineError{Kind: KindPermissionDenied, HTTPStatus: status, Message: errorMessageFrom(body)}
	case http.StatusNotFound:
		return false, &PipelineError{Kind: KindWorkbookMissing, HTTPStatus: status, Message: errorMessageFrom(body)}
	default:
		return false, &PipelineError{Kind: KindOtherTransient, HTTPStatus: status, Message: errorMessageFrom(body)}
	}
}

// doJSON performs one authorized call. An expired token (401) is
// recovered by invalidating and re-acquiring, up to the same cap the
// appender uses; past the cap the call reports auth-unavailable.
func (m *WorkbookMaintainer) doJSON(ctx context.Context, method, requestURL, correlationID string, payload any) (int, []byte, error) {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
	}
	token, err := m.auth.Acquire(ctx, false)
	if err != nil {
		return 0, nil, err
	}
	authRetries := 0
	for {
		status, respBody, err := m.send(ctx, method, requestURL, correlationID, token, bodyBytes)
		if err != nil {
			return 0, nil, err
		}
		if status != http.StatusUnauthorized {
			return status, respBody, nil
		}
		if authRetries >= maxAuthRetries {
			return 0, nil, &PipelineError{Kind: KindAuthUnavailable, HTTPStatus: status, Message: "auth retry cap exceeded"}
		}
		authRetries++
		_ = m.auth.Invalidate(ctx, token)
		token, err = m.auth.Acquire(ctx, false)
		if err != nil {
			return 0, nil, err
		}
	}
}

func (m *WorkbookMaintainer) send(ctx context.Context, method, requestURL, correlationID, token string, body []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	callCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, method, requestURL, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if correlationID != "" {
		req.Header.Set("X-Correlation-Id", correlationID)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		if callCtx.Err() != nil {
			return 0, nil, callCtx.Err()
		}
		return 0, nil, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return 0, nil, readErr
	}
	return resp.StatusCode, respBody, nil
}

// NopTabEnsurer is used in mock mode and anywhere structure is known good.
type NopTabEnsurer struct{}

func (NopTabEnsurer) EnsureTabs(ctx context.Context, workbookHandle, correlationID string) error {
	return nil
}
