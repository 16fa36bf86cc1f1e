package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

type AppendOutcome string

const (
	OutcomeOK               AppendOutcome = "ok"
	OutcomeAuthExpired      AppendOutcome = "auth-expired"
	OutcomePermissionDenied AppendOutcome = "permission-denied"
	OutcomeNotFound         AppendOutcome = "not-found"
	OutcomeRateLimited      AppendOutcome = "rate-limited"
	OutcomeOtherTransient   AppendOutcome = "other-transient"
	OutcomeFatal            AppendOutcome = "fatal"
)

type AppendAttempt struct {
	WorkbookHandle string        `json:"workbookHandle"`
	TabRange       string        `json:"tabRange"`
	RowCount       int           `json:"rowCount"`
	AttemptOrdinal int           `json:"attemptOrdinal"`
	Outcome        AppendOutcome `json:"outcome"`
	HTTPStatus     int           `json:"httpStatus,omitempty"`
	Message        string        `json:"message,omitempty"`
}

type AppendResult struct {
	UpdatedRowCount    int             `json:"updatedRowCount"`
	UpdatedColumnCount int             `json:"updatedColumnCount"`
	UpdatedCellCount   int             `json:"updatedCellCount"`
	TabRange           string          `json:"tabRange"`
	Attempts           []AppendAttempt `json:"attempts,omitempty"`
	Warnings           []string        `json:"warnings,omitempty"`
}

// SheetAppender is what the orchestrator depends on; the HTTP writer and
// the mock implementation both satisfy it.
type SheetAppender interface {
	Append(ctx context.Context, workbookHandle, tabRange string, rows []CanonicalRow, correlationID string) (AppendResult, error)
}

type SheetWriterOptions struct {
	BaseURL        string
	Auth           AuthManager
	HTTPClient     *http.Client
	Logger         Logger
	RequestTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

type SheetWriter struct {
	baseURL        string
	auth           AuthManager
	httpClient     *http.Client
	logger         Logger
	requestTimeout time.Duration
	baseDelay      time.Duration
	maxDelay       time.Duration
}

const (
	maxAuthRetries      = 2
	maxRateAttempts     = 3
	maxTransientRetries = 2
)

func NewSheetWriter(opts SheetWriterOptions) (*SheetWriter, error) {
	if opts.Auth == nil {
		return nil, fmt.Errorf("%w: auth manager is required", ErrInvalidInput)
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
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &SheetWriter{
		baseURL:        baseURL,
		auth:           opts.Auth,
		httpClient:     httpClient,
		logger:         logger,
		requestTimeout: requestTimeout,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
	}, nil
}

type appendBody struct {
	Values         []CanonicalRow `json:"values"`
	MajorDimension string         `json:"majorDimension"`
}

type appendResponse struct {
	Updates struct {
		UpdatedRange   string `json:"updatedRange"`
		UpdatedRows    int    `json:"updatedRows"`
		UpdatedColumns int    `json:"updatedColumns"`
		UpdatedCells   int    `json:"updatedCells"`
	} `json:"updates"`
}

// Append sends one batch to the named range, absorbing the full retry
// policy: 401 invalidate+acquire (two extra attempts at most), 429/quota
// backoff starting at one second and doubling (three attempts total),
// other non-2xx retried twice. Partial success is recorded as a warning
// and never re-sent.
func (w *SheetWriter) Append(ctx context.Context, workbookHandle, tabRange string, rows []CanonicalRow, correlationID string) (AppendResult, error) {
	result := AppendResult{TabRange: tabRange}
	if len(rows) == 0 {
		return result, nil
	}
	if strings.TrimSpace(workbookHandle) == "" {
		return result, fmt.Errorf("%w: workbook handle is required", ErrInvalidInput)
	}

	bodyBytes, err := json.Marshal(appendBody{Values: rows, MajorDimension: "ROWS"})
	if err != nil {
		return result, err
	}
	requestURL := fmt.Sprintf(
		"%s/v4/spreadsheets/%s/values/%s:append?valueInputOption=USER_ENTERED&insertDataOption=INSERT_ROWS",
		w.baseURL, url.PathEscape(workbookHandle), url.PathEscape(tabRange),
	)

	token, err := w.auth.Acquire(ctx, false)
	if err != nil {
		return result, err
	}

	authRetries := 0
	rateAttempts := 0
	transientRetries := 0

	for ordinal := 1; ; ordinal++ {
		attempt := AppendAttempt{
			WorkbookHandle: workbookHandle,
			TabRange:       tabRange,
			RowCount:       len(rows),
			AttemptOrdinal: ordinal,
		}

		status, respBody, callErr := w.doAppend(ctx, requestURL, token, correlationID, bodyBytes)
		switch {
		case callErr != nil:
			attempt.Outcome = OutcomeOtherTransient
			attempt.Message = callErr.Error()
			result.Attempts = append(result.Attempts, attempt)
			if errors.Is(callErr, context.Canceled) {
				return result, callErr
			}
			kind := KindOtherTransient
			if errors.Is(callErr, context.DeadlineExceeded) {
				kind = KindTimeout
			}
			if transientRetries >= maxTransientRetries {
				return result, &PipelineError{Kind: kind, Message: callErr.Error()}
			}
			transientRetries++
			if err := sleepContext(ctx, w.retryDelay(transientRetries)); err != nil {
				return result, err
			}
			continue

		case status >= 200 && status <= 299:
			attempt.Outcome = OutcomeOK
			attempt.HTTPStatus = status
			result.Attempts = append(result.Attempts, attempt)
			var parsed appendResponse
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				return result, pipelineErrorf(KindOtherTransient, "malformed append response: %v", err)
			}
			result.UpdatedRowCount = parsed.Updates.UpdatedRows
			result.UpdatedColumnCount = parsed.Updates.UpdatedColumns
			result.UpdatedCellCount = parsed.Updates.UpdatedCells
			if parsed.Updates.UpdatedRange != "" {
				result.TabRange = parsed.Updates.UpdatedRange
			}
			if result.UpdatedRowCount < len(rows) {
				warning := fmt.Sprintf("partial-write: requested %d rows, remote reported %d", len(rows), result.UpdatedRowCount)
				result.Warnings = append(result.Warnings, warning)
				w.logger.Printf("append %s: %s", correlationID, warning)
			}
			return result, nil

		case status == http.StatusUnauthorized:
			attempt.Outcome = OutcomeAuthExpired
			attempt.HTTPStatus = status
			result.Attempts = append(result.Attempts, attempt)
			if authRetries >= maxAuthRetries {
				return result, &PipelineError{Kind: KindAuthUnavailable, HTTPStatus: status, Message: "auth retry cap exceeded"}
			}
			authRetries++
			_ = w.auth.Invalidate(ctx, token)
			token, err = w.auth.Acquire(ctx, false)
			if err != nil {
				return result, err
			}
			continue

		case status == http.StatusForbidden:
			attempt.Outcome = OutcomePermissionDenied
			attempt.HTTPStatus = status
			attempt.Message = errorMessageFrom(respBody)
			result.Attempts = append(result.Attempts, attempt)
			return result, &PipelineError{Kind: KindPermissionDenied, HTTPStatus: status, Message: attempt.Message}

		case status == http.StatusNotFound:
			attempt.Outcome = OutcomeNotFound
			attempt.HTTPStatus = status
			attempt.Message = errorMessageFrom(respBody)
			result.Attempts = append(result.Attempts, attempt)
			return result, &PipelineError{Kind: KindWorkbookMissing, HTTPStatus: status, Message: attempt.Message}

		case status == http.StatusTooManyRequests || isQuotaError(respBody):
			attempt.Outcome = OutcomeRateLimited
			attempt.HTTPStatus = status
			result.Attempts = append(result.Attempts, attempt)
			rateAttempts++
			if rateAttempts >= maxRateAttempts {
				return result, &PipelineError{Kind: KindRateLimited, HTTPStatus: status, Message: "rate limit retry cap exceeded"}
			}
			if err := sleepContext(ctx, w.retryDelay(rateAttempts)); err != nil {
				return result, err
			}
			continue

		default:
			attempt.Outcome = OutcomeOtherTransient
			attempt.HTTPStatus = status
			attempt.Message = errorMessageFrom(respBody)
			result.Attempts = append(result.Attempts, attempt)
			if transientRetries >= maxTransientRetries {
				return result, &PipelineError{Kind: KindOtherTransient, HTTPStatus: status, Message: attempt.Message}
			}
			transientRetries++
			if err := sleepContext(ctx, w.retryDelay(transientRetries)); err != nil {
				return result, err
			}
			continue
		}
	}
}

func (w *SheetWriter) doAppend(ctx context.Context, requestURL, token, correlationID string, body []byte) (int, []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		req.Header.Set("X-Correlation-Id", correlationID)
	}

	resp, err := w.httpClient.Do(req)
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

// retryDelay doubles per retry: baseDelay, 2*baseDelay, 4*baseDelay, ...
func (w *SheetWriter) retryDelay(retry int) time.Duration {
	delay := w.baseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= w.maxDelay {
			return w.maxDelay
		}
	}
	if delay > w.maxDelay {
		return w.maxDelay
	}
	return delay
}

func isQuotaError(body []byte) bool {
	return bytes.Contains(bytes.ToLower(body), []byte("quota"))
}

func errorMessageFrom(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MockSheetAppender mirrors the shape of a real append response without
// performing network I/O.
type MockSheetAppender struct {
	mu      sync.Mutex
	Appends []MockAppend
}

type MockAppend struct {
	WorkbookHandle string
	TabRange       string
	Rows           []CanonicalRow
	CorrelationID  string
}

func NewMockSheetAppender() *MockSheetAppender {
	return &MockSheetAppender{}
}

func (m *MockSheetAppender) Append(ctx context.Context, workbookHandle, tabRange string, rows []CanonicalRow, correlationID string) (AppendResult, error) {
	m.mu.Lock()
	m.Appends = append(m.Appends, MockAppend{
		WorkbookHandle: workbookHandle,
		TabRange:       tabRange,
		Rows:           rows,
		CorrelationID:  correlationID,
	})
	m.mu.Unlock()
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	return AppendResult{
		UpdatedRowCount:    len(rows),
		UpdatedColumnCount: cols,
		UpdatedCellCount:   len(rows) * cols,
		TabRange:           tabRange,
	}, nil
}
