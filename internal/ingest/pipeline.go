package ingest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type RunPhase string

const (
	PhaseIdle              RunPhase = "idle"
	PhaseObserving         RunPhase = "observing"
	PhaseClassifying       RunPhase = "classifying"
	PhaseResolvingAccount  RunPhase = "resolving-account"
	PhaseParsing           RunPhase = "parsing"
	PhaseTransforming      RunPhase = "transforming"
	PhaseEnsuringStructure RunPhase = "ensuring-structure"
	PhaseAppending         RunPhase = "appending"
	PhaseLogged            RunPhase = "logged"
)

func categoryForPhase(phase RunPhase) LogCategory {
	switch phase {
	case PhaseObserving, PhaseClassifying:
		return CategoryDownload
	case PhaseParsing:
		return CategoryParse
	case PhaseTransforming:
		return CategoryTransform
	case PhaseEnsuringStructure, PhaseAppending, PhaseLogged:
		return CategoryAppend
	default:
		return CategoryStatus
	}
}

type queuedDownload struct {
	id       string
	filename string
	path     string
}

type OrchestratorOptions struct {
	Resolver   *Resolver
	Table      *RoutingTable
	Writer     SheetAppender
	Maintainer TabEnsurer
	Store      *Store
	Mirror     *MirrorClient
	Logger     Logger
	// ReadFile is swapped in tests and for simulated downloads.
	ReadFile func(path string) ([]byte, error)
	Now      func() time.Time
}

// Orchestrator owns the pipeline's in-flight state. At most one run
// executes at any instant; downloads completing during a run queue FIFO
// behind it.
type Orchestrator struct {
	resolver   *Resolver
	table      *RoutingTable
	writer     SheetAppender
	maintainer TabEnsurer
	store      *Store
	mirror     *MirrorClient
	logger     Logger
	readFile   func(path string) ([]byte, error)
	now        func() time.Time

	mu          sync.Mutex
	phase       RunPhase
	trackedID   string
	trackedName string
	queue       []queuedDownload
	running     bool
	collecting  bool
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Resolver == nil || opts.Table == nil || opts.Writer == nil || opts.Store == nil {
		return nil, fmt.Errorf("%w: resolver, routing table, writer, and store are required", ErrInvalidInput)
	}
	maintainer := opts.Maintainer
	if maintainer == nil {
		maintainer = NopTabEnsurer{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	readFile := opts.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		resolver:   opts.Resolver,
		table:      opts.Table,
		writer:     opts.Writer,
		maintainer: maintainer,
		store:      opts.Store,
		mirror:     opts.Mirror,
		logger:     logger,
		readFile:   readFile,
		now:        now,
		phase:      PhaseIdle,
		collecting: true,
	}, nil
}

// Run consumes watcher events until the context is done. All pipeline work
// happens on this goroutine; bus commands that trigger runs serialize on
// the same lock.
func (o *Orchestrator) Run(ctx context.Context, events <-chan DownloadEvent) {
	o.store.SetStatus(PhaseReady, "")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			o.HandleEvent(ctx, event)
		}
	}
}

func (o *Orchestrator) HandleEvent(ctx context.Context, event DownloadEvent) {
	switch event.Type {
	case DownloadStarted:
		o.handleStarted(event)
	case DownloadCompleted:
		o.handleCompleted(ctx, event)
	}
}

// handleStarted tracks at most the most-recent pending download; a new
// start while observing replaces the tracked id.
func (o *Orchestrator) handleStarted(event DownloadEvent) {
	o.mu.Lock()
	replaced := o.trackedID
	o.trackedID = event.ID
	o.trackedName = event.Filename
	if o.phase == PhaseIdle {
		o.phase = PhaseObserving
	}
	o.mu.Unlock()
	if replaced != "" {
		o.logger.Printf("download %s replaced pending download %s", event.ID, replaced)
	}
	o.store.Append(LogEntry{
		Category:      CategoryDownload,
		CorrelationID: event.ID,
		Outcome:       OutcomeSuccess,
		Payload:       map[string]any{"event": string(DownloadStarted), "filename": event.Filename},
	})
}

func (o *Orchestrator) handleCompleted(ctx context.Context, event DownloadEvent) {
	o.mu.Lock()
	if !o.collecting {
		o.mu.Unlock()
		return
	}
	if o.trackedID != "" && o.trackedID != event.ID {
		// Completion of a download that was replaced while observing; the
		// previous id is never re-used.
		o.mu.Unlock()
		return
	}
	o.trackedID = ""
	o.trackedName = ""
	o.queue = append(o.queue, queuedDownload{id: event.ID, filename: event.Filename, path: event.Path})
	o.mu.Unlock()
	o.drain(ctx)
}

// drain executes queued downloads one at a time, FIFO.
func (o *Orchestrator) drain(ctx context.Context) {
	for {
		o.mu.Lock()
		if o.running || len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		next := o.queue[0]
		o.queue = o.queue[1:]
		o.running = true
		o.mu.Unlock()

		o.runPipeline(ctx, next)

		o.mu.Lock()
		o.running = false
		o.phase = PhaseIdle
		o.mu.Unlock()
	}
}

func (o *Orchestrator) runPipeline(ctx context.Context, dl queuedDownload) {
	correlationID := dl.id
	if correlationID == "" {
		correlationID = ulid.Make().String()
	}

	o.transition(PhaseClassifying, correlationID, map[string]any{"filename": dl.filename})
	kind, ok := ClassifyReportFilename(dl.filename)
	if !ok {
		o.mu.Lock()
		o.phase = PhaseIdle
		o.mu.Unlock()
		return
	}

	o.store.SetStatus(PhaseBusy, "ingesting "+dl.filename)

	o.transition(PhaseResolvingAccount, correlationID, nil)
	identity := o.resolver.Current()
	if identity.ID == "" {
		identity = AccountIdentity{ID: DefaultAccountID, DetectionSource: SourceFallback, DetectedAt: o.now().UTC()}
	}
	binding, matched := o.table.Lookup(identity.ID)
	if !matched {
		o.logger.Printf("run %s: no routing match for account %q, using fallback workbook %s", correlationID, identity.ID, binding.WorkbookHandle)
	}
	o.store.SetAccount(identity)

	o.transition(PhaseParsing, correlationID, nil)
	raw, err := o.readFile(dl.path)
	if err != nil {
		o.fail(correlationID, PhaseParsing, pipelineErrorf(KindUnknownSchema, "unreadable download: %v", err))
		return
	}
	report := RawReport{
		Kind:           kind,
		AccountID:      identity.ID,
		RawBytes:       raw,
		DetectedAt:     o.now().UTC(),
		SourceFilename: dl.filename,
	}
	o.ingest(ctx, correlationID, report, identity, binding)
}

// ingest runs parse → transform → ensure-structure → append for a raw
// report. Shared by the download path and the manual bus commands.
func (o *Orchestrator) ingest(ctx context.Context, correlationID string, report RawReport, identity AccountIdentity, binding WorkbookBinding) {
	parsed, err := ParseReport(report.Kind, report.RawBytes)
	if err != nil {
		o.fail(correlationID, PhaseParsing, err)
		return
	}

	o.transition(PhaseTransforming, correlationID, map[string]any{"rows": len(parsed.Rows)})
	rows, warnings := TransformRows(report.Kind, parsed.Rows, identity.DisplayName, o.now())
	warnings = append(parsed.Warnings, warnings...)
	if len(warnings) > 0 {
		o.store.Append(LogEntry{
			Category:      CategoryTransform,
			CorrelationID: correlationID,
			Outcome:       OutcomeSuccess,
			Payload:       map[string]any{"cellWarnings": warnings},
		})
	}

	o.transition(PhaseEnsuringStructure, correlationID, nil)
	if err := o.maintainer.EnsureTabs(ctx, binding.WorkbookHandle, correlationID); err != nil {
		o.fail(correlationID, PhaseEnsuringStructure, err)
		return
	}

	o.transition(PhaseAppending, correlationID, map[string]any{"workbook": binding.WorkbookHandle})
	tab := TabForKind(report.Kind)
	result, err := o.writer.Append(ctx, binding.WorkbookHandle, tab+"!A:Z", rows, correlationID)
	if err != nil {
		o.fail(correlationID, PhaseAppending, err)
		return
	}

	o.transition(PhaseLogged, correlationID, nil)
	o.store.Append(LogEntry{
		Category:      CategoryAppend,
		CorrelationID: correlationID,
		Outcome:       OutcomeSuccess,
		Payload: map[string]any{
			"workbook":        binding.WorkbookHandle,
			"tab":             tab,
			"rows":            len(rows),
			"updatedRowCount": result.UpdatedRowCount,
			"account":         identity.ID,
			"sourceFilename":  report.SourceFilename,
			"warnings":        result.Warnings,
		},
	})
	o.store.SetStatus(PhaseReady, "")
	o.mirrorUpload(ctx, correlationID, report, identity)
}

func (o *Orchestrator) mirrorUpload(ctx context.Context, correlationID string, report RawReport, identity AccountIdentity) {
	if o.mirror == nil {
		return
	}
	_, err := o.mirror.Upload(ctx, MirrorUploadRequest{
		AccountIdentifier: identity.ID,
		CSVType:           report.Kind,
		CSVContent:        string(report.RawBytes),
		Metadata: map[string]any{
			"sourceFilename": report.SourceFilename,
			"correlationId":  correlationID,
		},
	})
	if err != nil {
		// Mirror is best-effort; the append already succeeded.
		o.logger.Printf("run %s: mirror upload failed: %v", correlationID, err)
	}
}

func (o *Orchestrator) transition(phase RunPhase, correlationID string, payload map[string]any) {
	o.mu.Lock()
	o.phase = phase
	o.mu.Unlock()
	if payload == nil {
		payload = map[string]any{}
	}
	payload["phase"] = string(phase)
	o.store.Append(LogEntry{
		Category:      categoryForPhase(phase),
		CorrelationID: correlationID,
		Outcome:       OutcomeSuccess,
		Payload:       payload,
	})
}

// fail emits one error LogEntry and one status transition to error, then
// returns the orchestrator to idle. Errors are values; nothing propagates
// past the step boundary. A failed download is not re-queued: the file
// stays in the downloads directory and can be re-run through the manual
// ingest commands.
func (o *Orchestrator) fail(correlationID string, phase RunPhase, err error) {
	kind := KindOf(err)
	o.store.Append(LogEntry{
		Category:      categoryForPhase(phase),
		CorrelationID: correlationID,
		Outcome:       OutcomeError,
		Payload:       map[string]any{"phase": string(phase), "kind": string(kind), "error": err.Error()},
	})
	o.store.SetStatus(PhaseError, fmt.Sprintf("%s failed: %s", phase, kind))
	o.logger.Printf("run %s: %s failed: %v", correlationID, phase, err)
	o.mu.Lock()
	o.phase = PhaseIdle
	o.mu.Unlock()
}

// IngestContent runs the pipeline for report bytes already in hand (the
// write-csv-to-sheets and simulate-download commands). accountID overrides
// the resolver when non-empty.
func (o *Orchestrator) IngestContent(ctx context.Context, kind ReportKind, filename string, content []byte, accountID string) (string, error) {
	correlationID := ulid.Make().String()

	identity := o.resolver.Current()
	if accountID != "" {
		identity = AccountIdentity{
			ID:              NormalizeAccountID(accountID),
			DisplayName:     accountID,
			DetectionSource: SourcePageContent,
			DetectedAt:      o.now().UTC(),
		}
	}
	if identity.ID == "" {
		identity = AccountIdentity{ID: DefaultAccountID, DetectionSource: SourceFallback, DetectedAt: o.now().UTC()}
	}
	binding, _ := o.table.Lookup(identity.ID)

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return "", pipelineErrorf(KindValidationFailed, "a pipeline run is already in flight")
	}
	o.running = true
	o.mu.Unlock()
	// Downloads completing during the manual run queue behind it; drain
	// them before handing the pipeline back.
	defer func() {
		o.mu.Lock()
		o.running = false
		o.phase = PhaseIdle
		o.mu.Unlock()
		o.drain(ctx)
	}()

	o.store.SetStatus(PhaseBusy, "ingesting "+filename)
	report := RawReport{
		Kind:           kind,
		AccountID:      identity.ID,
		RawBytes:       content,
		DetectedAt:     o.now().UTC(),
		SourceFilename: filename,
	}
	o.ingest(ctx, correlationID, report, identity, binding)
	return correlationID, nil
}

// AccountChanged flushes per-identity state after the resolver re-ran and
// produced a different identity. The run currently executing finishes under
// the previous identity; only subsequent runs see the new one.
func (o *Orchestrator) AccountChanged(previous, next AccountIdentity) {
	binding, _ := o.table.Lookup(previous.ID)
	if forgetter, ok := o.maintainer.(interface{ Forget(string) }); ok && binding.WorkbookHandle != "" {
		forgetter.Forget(binding.WorkbookHandle)
	}
	o.store.SetAccount(next)
}

// StopCollection clears the queue after the current step completes and
// returns the orchestrator to idle. In-flight sockets are not killed.
func (o *Orchestrator) StopCollection() int {
	o.mu.Lock()
	cleared := len(o.queue)
	o.queue = nil
	o.collecting = false
	o.trackedID = ""
	o.trackedName = ""
	if !o.running {
		o.phase = PhaseIdle
	}
	o.mu.Unlock()
	o.store.SetStatus(PhaseReady, "collection stopped")
	return cleared
}

func (o *Orchestrator) StartCollection() {
	o.mu.Lock()
	o.collecting = true
	o.mu.Unlock()
	o.store.SetStatus(PhaseReady, "collection started")
}

func (o *Orchestrator) Collecting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.collecting
}

func (o *Orchestrator) Phase() RunPhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}
