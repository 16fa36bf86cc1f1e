package ingest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
)

// BusRequest is the envelope the foreground UI sends over the message bus.
type BusRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BusResponse always carries at least {"success": bool} and, on failure,
// an "error" string.
type BusResponse map[string]any

func busOK(fields map[string]any) BusResponse {
	resp := BusResponse{"success": true}
	for k, v := range fields {
		resp[k] = v
	}
	return resp
}

func busFail(message string, fields map[string]any) BusResponse {
	resp := BusResponse{"success": false, "error": message}
	for k, v := range fields {
		resp[k] = v
	}
	return resp
}

type MessageBus struct {
	orch     *Orchestrator
	resolver *Resolver
	store    *Store
	auth     AuthManager
	mirror   *MirrorClient
	logger   Logger
}

type MessageBusOptions struct {
	Orchestrator *Orchestrator
	Resolver     *Resolver
	Store        *Store
	Auth         AuthManager
	Mirror       *MirrorClient
	Logger       Logger
}

func NewMessageBus(opts MessageBusOptions) (*MessageBus, error) {
	if opts.Orchestrator == nil || opts.Resolver == nil || opts.Store == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &MessageBus{
		orch:     opts.Orchestrator,
		resolver: opts.Resolver,
		store:    opts.Store,
		auth:     opts.Auth,
		mirror:   opts.Mirror,
		logger:   logger,
	}, nil
}

var busActions = []string{
	"get-account-info",
	"get-status",
	"account-detected",
	"csv-processed",
	"csv-error",
	"write-csv-to-sheets",
	"test-connection",
	"clear-cache",
	"get-storage-data",
	"update-settings",
	"start-collection",
	"stop-collection",
	"data-collected",
	"simulate-download",
}

func AvailableActions() []string {
	actions := append([]string(nil), busActions...)
	sort.Strings(actions)
	return actions
}

// Dispatch routes one request to its handler. Unknown actions are
// first-class errors returned to the caller, never logged as pipeline
// errors.
func (b *MessageBus) Dispatch(ctx context.Context, req BusRequest) BusResponse {
	switch strings.TrimSpace(req.Action) {
	case "get-account-info":
		return b.handleGetAccountInfo()
	case "get-status":
		return b.handleGetStatus()
	case "account-detected":
		return b.handleAccountDetected(req.Payload)
	case "csv-processed":
		return b.handleLogEvent(CategoryParse, OutcomeSuccess, req.Payload)
	case "csv-error":
		return b.handleLogEvent(CategoryParse, OutcomeError, req.Payload)
	case "write-csv-to-sheets":
		return b.handleWriteCSV(ctx, req.Payload)
	case "test-connection":
		return b.handleTestConnection(ctx)
	case "clear-cache":
		b.store.ClearLogs()
		return busOK(nil)
	case "get-storage-data":
		return b.handleGetStorageData()
	case "update-settings":
		return b.handleUpdateSettings(req.Payload)
	case "start-collection":
		b.orch.StartCollection()
		return busOK(nil)
	case "stop-collection":
		cleared := b.orch.StopCollection()
		return busOK(map[string]any{"clearedQueue": cleared})
	case "data-collected":
		return b.handleLogEvent(CategoryDownload, OutcomeSuccess, req.Payload)
	case "simulate-download":
		return b.handleSimulateDownload(ctx, req.Payload)
	default:
		return BusResponse{
			"success":          false,
			"error":            "unknown action",
			"availableActions": AvailableActions(),
		}
	}
}

func (b *MessageBus) handleGetAccountInfo() BusResponse {
	identity := b.resolver.Current()
	if identity.ID == "" {
		if stored := b.store.Account(); stored != nil {
			identity = *stored
		}
	}
	return busOK(map[string]any{"account": identity})
}

func (b *MessageBus) handleGetStatus() BusResponse {
	return busOK(map[string]any{
		"status":     b.store.Status(),
		"phase":      string(b.orch.Phase()),
		"queueDepth": b.orch.QueueDepth(),
		"collecting": b.orch.Collecting(),
	})
}

func (b *MessageBus) handleAccountDetected(payload json.RawMessage) BusResponse {
	var signals PageSignals
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &signals); err != nil {
			return busFail("validation-failed: invalid page signals", nil)
		}
	}
	previous := b.resolver.Current()
	identity, changed := b.resolver.Update(signals)
	if changed {
		b.orch.AccountChanged(previous, identity)
	} else {
		b.store.SetAccount(identity)
	}
	return busOK(map[string]any{"account": identity, "changed": changed})
}

func (b *MessageBus) handleLogEvent(category LogCategory, outcome string, payload json.RawMessage) BusResponse {
	var fields map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return busFail("validation-failed: invalid payload", nil)
		}
	}
	b.store.Append(LogEntry{Category: category, Outcome: outcome, Payload: fields})
	return busOK(nil)
}

type writeCSVPayload struct {
	CSVType    ReportKind `json:"csvType"`
	CSVContent string     `json:"csvContent"`
	AccountID  string     `json:"accountId,omitempty"`
	Filename   string     `json:"filename,omitempty"`
}

func (b *MessageBus) handleWriteCSV(ctx context.Context, payload json.RawMessage) BusResponse {
	var req writeCSVPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return busFail("validation-failed: invalid payload", nil)
	}
	if req.CSVType != ReportOrders && req.CSVType != ReportListings {
		return busFail("validation-failed: csvType must be orders or listings", nil)
	}
	if strings.TrimSpace(req.CSVContent) == "" {
		return busFail("validation-failed: csvContent is required", nil)
	}
	filename := req.Filename
	if filename == "" {
		filename = "manual-" + string(req.CSVType) + ".csv"
	}
	correlationID, err := b.orch.IngestContent(ctx, req.CSVType, filename, []byte(req.CSVContent), req.AccountID)
	if err != nil {
		return busFail(err.Error(), map[string]any{"code": string(KindOf(err))})
	}
	return busOK(map[string]any{"correlationId": correlationID})
}

func (b *MessageBus) handleTestConnection(ctx context.Context) BusResponse {
	result := map[string]any{}
	if b.auth != nil {
		token, err := b.auth.Acquire(ctx, false)
		if err != nil {
			return busFail(err.Error(), map[string]any{"code": string(KindOf(err))})
		}
		if err := b.auth.Validate(ctx, token); err != nil {
			return busFail(err.Error(), map[string]any{"code": string(KindOf(err))})
		}
		result["auth"] = string(b.auth.State())
	}
	if b.mirror != nil {
		if err := b.mirror.Health(ctx); err != nil {
			return busFail("mirror unreachable: "+err.Error(), result)
		}
		result["mirror"] = "ok"
	}
	return busOK(result)
}

func (b *MessageBus) handleGetStorageData() BusResponse {
	return busOK(map[string]any{
		"csvProcessingLog":  b.store.SuccessEntries(),
		"csvErrorLog":       b.store.ErrorEntries(),
		"extensionSettings": b.store.Settings(),
		"extensionStatus":   b.store.Status(),
		"currentAccount":    b.store.Account(),
		"extension_config":  b.store.Config(),
	})
}

func (b *MessageBus) handleUpdateSettings(payload json.RawMessage) BusResponse {
	var settings Settings
	if err := json.Unmarshal(payload, &settings); err != nil {
		return busFail("validation-failed: invalid settings", nil)
	}
	b.store.SetSettings(settings)
	return busOK(map[string]any{"settings": settings})
}

type simulateDownloadPayload struct {
	Filename string `json:"filename"`
	Content  string `json:"content,omitempty"`
	Path     string `json:"path,omitempty"`
}

// handleSimulateDownload drives the pipeline without the download
// subsystem: inline content is ingested directly, a path is read from disk.
func (b *MessageBus) handleSimulateDownload(ctx context.Context, payload json.RawMessage) BusResponse {
	var req simulateDownloadPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return busFail("validation-failed: invalid payload", nil)
	}
	kind, ok := ClassifyReportFilename(req.Filename)
	if !ok {
		return busFail("validation-failed: filename does not match any report pattern", nil)
	}
	content := []byte(req.Content)
	if len(content) == 0 && req.Path != "" {
		data, err := b.orch.readFile(req.Path)
		if err != nil {
			return busFail("validation-failed: unreadable path: "+err.Error(), nil)
		}
		content = data
	}
	if len(content) == 0 {
		return busFail("validation-failed: content or path is required", nil)
	}
	correlationID, err := b.orch.IngestContent(ctx, kind, req.Filename, content, "")
	if err != nil {
		return busFail(err.Error(), map[string]any{"code": string(KindOf(err))})
	}
	return busOK(map[string]any{"correlationId": correlationID, "reportKind": string(kind)})
}
