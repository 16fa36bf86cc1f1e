package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type pipelineFixture struct {
	orch     *Orchestrator
	resolver *Resolver
	store    *Store
	appender *MockSheetAppender
	files    map[string][]byte
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	store := newTestStore(t, nil)
	table, err := ParseRoutingTable([]byte(sampleRoutingJSON))
	if err != nil {
		t.Fatalf("routing table: %v", err)
	}
	resolver := NewResolver(nil)
	appender := NewMockSheetAppender()
	files := map[string][]byte{}
	orch, err := NewOrchestrator(OrchestratorOptions{
		Resolver: resolver,
		Table:    table,
		Writer:   appender,
		Store:    store,
		ReadFile: func(path string) ([]byte, error) {
			data, ok := files[path]
			if !ok {
				return nil, fmt.Errorf("no such file %s", path)
			}
			return data, nil
		},
		Now: func() time.Time { return time.Date(2025, 7, 20, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("orchestrator init failed: %v", err)
	}
	return &pipelineFixture{orch: orch, resolver: resolver, store: store, appender: appender, files: files}
}

func (f *pipelineFixture) completeDownload(ctx context.Context, id, filename, path string) {
	f.orch.HandleEvent(ctx, DownloadEvent{Type: DownloadStarted, ID: id, Filename: filename, Path: path, At: time.Now()})
	f.orch.HandleEvent(ctx, DownloadEvent{Type: DownloadCompleted, ID: id, Filename: filename, Path: path, At: time.Now()})
}

func TestPipelineHappyPathOrders(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.resolver.Update(PageSignals{UserMenuText: "seller_one"})
	f.files["/d/eBay-awaiting-shipment.csv"] = ordersCSV(sampleOrderRow)

	f.completeDownload(ctx, "dl_1", "eBay-awaiting-shipment.csv", "/d/eBay-awaiting-shipment.csv")

	if len(f.appender.Appends) != 1 {
		t.Fatalf("expected one append, got %d", len(f.appender.Appends))
	}
	got := f.appender.Appends[0]
	if got.WorkbookHandle != "wb_one" {
		t.Fatalf("expected routed workbook wb_one, got %s", got.WorkbookHandle)
	}
	if got.TabRange != "Orders!A:Z" {
		t.Fatalf("unexpected tab range %s", got.TabRange)
	}
	if len(got.Rows) != 1 || len(got.Rows[0]) != OrdersRowLength {
		t.Fatalf("unexpected row shape %+v", got.Rows)
	}
	if got.CorrelationID != "dl_1" {
		t.Fatalf("expected download id reused as correlation id, got %s", got.CorrelationID)
	}

	if f.orch.Phase() != PhaseIdle {
		t.Fatalf("expected idle after run, got %s", f.orch.Phase())
	}
	if status := f.store.Status(); status.Phase != PhaseReady {
		t.Fatalf("expected ready status, got %+v", status)
	}
	account := f.store.Account()
	if account == nil || account.ID != "seller_one" {
		t.Fatalf("expected resolved account recorded, got %+v", account)
	}
}

func TestPipelineListingsRouteToListingsTab(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.files["/d/eBay-all-active-listings.csv"] = listingsCSV(
		"334455667788,Vintage Camera,CAM-01,3,45.00,2,7,Jul-01-25,,Used",
	)

	f.completeDownload(ctx, "dl_l", "eBay-all-active-listings.csv", "/d/eBay-all-active-listings.csv")

	if len(f.appender.Appends) != 1 {
		t.Fatalf("expected one append, got %d", len(f.appender.Appends))
	}
	got := f.appender.Appends[0]
	if got.TabRange != "Listings!A:Z" {
		t.Fatalf("unexpected tab range %s", got.TabRange)
	}
	// No identity resolved: fallback workbook, 13-cell vectors.
	if got.WorkbookHandle != "wb_default" {
		t.Fatalf("expected fallback workbook, got %s", got.WorkbookHandle)
	}
	if len(got.Rows[0]) != ListingsRowLength {
		t.Fatalf("unexpected row shape %+v", got.Rows[0])
	}
}

func TestPipelineUnknownSchemaZeroAppendsErrorLogged(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.files["/d/eBay-awaiting-shipment.csv"] = []byte("Wrong,Header\nfoo,bar\n")

	f.completeDownload(ctx, "dl_bad", "eBay-awaiting-shipment.csv", "/d/eBay-awaiting-shipment.csv")

	if len(f.appender.Appends) != 0 {
		t.Fatalf("unknown schema must not append, got %d", len(f.appender.Appends))
	}
	errorsLogged := f.store.ErrorEntries()
	if len(errorsLogged) != 1 {
		t.Fatalf("expected exactly one error entry, got %d", len(errorsLogged))
	}
	if errorsLogged[0].Payload["kind"] != string(KindUnknownSchema) {
		t.Fatalf("expected unknown-schema kind, got %+v", errorsLogged[0].Payload)
	}
	if errorsLogged[0].CorrelationID != "dl_bad" {
		t.Fatalf("error entry missing correlation id: %+v", errorsLogged[0])
	}
	if status := f.store.Status(); status.Phase != PhaseError {
		t.Fatalf("expected error status, got %+v", status)
	}
	if f.orch.Phase() != PhaseIdle {
		t.Fatalf("expected idle after failed run, got %s", f.orch.Phase())
	}
}

func TestPipelineCellWarningsDoNotFailRun(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	badCells := "1001,12-34567-89012,buyer_one,Buyer One,buyer@example.com,334455667788,Vintage Camera,CAM-01,many,n/a,$52.50,someday,Jul-16-25,Jul-18-25,tracking"
	f.files["/d/eBay-awaiting-shipment.csv"] = ordersCSV(badCells)

	f.completeDownload(ctx, "dl_warn", "eBay-awaiting-shipment.csv", "/d/eBay-awaiting-shipment.csv")

	if len(f.appender.Appends) != 1 || len(f.appender.Appends[0].Rows) != 1 {
		t.Fatalf("warnings must not drop the row: %+v", f.appender.Appends)
	}
	if len(f.store.ErrorEntries()) != 0 {
		t.Fatalf("warnings must not produce error entries: %+v", f.store.ErrorEntries())
	}
	var warned bool
	for _, entry := range f.store.SuccessEntries() {
		if entry.Category == CategoryTransform {
			if _, ok := entry.Payload["cellWarnings"]; ok {
				warned = true
			}
		}
	}
	if !warned {
		t.Fatal("expected cell warnings surfaced in the log")
	}
}

func TestPipelineQueuedDownloadsRunFIFO(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.files["/d/a.csv"] = ordersCSV(sampleOrderRow)
	f.files["/d/b.csv"] = ordersCSV(sampleOrderRow)

	// Events are consumed on one goroutine, so the first run finishes before
	// the second completion is handled; both must run, in order.
	f.completeDownload(ctx, "dl_a", "eBay-orders-report-a.csv", "/d/a.csv")
	f.completeDownload(ctx, "dl_b", "eBay-orders-report-b.csv", "/d/b.csv")

	if len(f.appender.Appends) != 2 {
		t.Fatalf("expected both runs, got %d", len(f.appender.Appends))
	}
	if f.appender.Appends[0].CorrelationID != "dl_a" || f.appender.Appends[1].CorrelationID != "dl_b" {
		t.Fatalf("runs out of order: %s then %s",
			f.appender.Appends[0].CorrelationID, f.appender.Appends[1].CorrelationID)
	}
	if f.orch.QueueDepth() != 0 {
		t.Fatalf("queue should drain, depth %d", f.orch.QueueDepth())
	}
}

func TestPipelineStaleCompletionIgnored(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.files["/d/new.csv"] = ordersCSV(sampleOrderRow)

	f.orch.HandleEvent(ctx, DownloadEvent{Type: DownloadStarted, ID: "dl_old", Filename: "eBay-orders-report-old.csv"})
	f.orch.HandleEvent(ctx, DownloadEvent{Type: DownloadStarted, ID: "dl_new", Filename: "eBay-orders-report-new.csv"})
	// The replaced download completes late; its id no longer matches.
	f.orch.HandleEvent(ctx, DownloadEvent{Type: DownloadCompleted, ID: "dl_old", Filename: "eBay-orders-report-old.csv", Path: "/d/old.csv"})
	if len(f.appender.Appends) != 0 {
		t.Fatalf("stale completion must be ignored, got %d appends", len(f.appender.Appends))
	}

	f.orch.HandleEvent(ctx, DownloadEvent{Type: DownloadCompleted, ID: "dl_new", Filename: "eBay-orders-report-new.csv", Path: "/d/new.csv"})
	if len(f.appender.Appends) != 1 {
		t.Fatalf("tracked completion must run, got %d appends", len(f.appender.Appends))
	}
}

func TestPipelineStopCollectionDiscardsCompletions(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.files["/d/x.csv"] = ordersCSV(sampleOrderRow)

	f.orch.StopCollection()
	f.completeDownload(ctx, "dl_x", "eBay-orders-report.csv", "/d/x.csv")
	if len(f.appender.Appends) != 0 {
		t.Fatalf("completions while stopped must be discarded, got %d", len(f.appender.Appends))
	}

	f.orch.StartCollection()
	f.completeDownload(ctx, "dl_y", "eBay-orders-report.csv", "/d/x.csv")
	if len(f.appender.Appends) != 1 {
		t.Fatalf("expected run after restart, got %d", len(f.appender.Appends))
	}
}

func TestIngestContentManualPath(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	correlationID, err := f.orch.IngestContent(ctx, ReportOrders, "manual-orders.csv", ordersCSV(sampleOrderRow), "seller_one")
	if err != nil {
		t.Fatalf("manual ingest failed: %v", err)
	}
	if correlationID == "" {
		t.Fatal("expected a correlation id")
	}
	if len(f.appender.Appends) != 1 {
		t.Fatalf("expected one append, got %d", len(f.appender.Appends))
	}
	if f.appender.Appends[0].WorkbookHandle != "wb_one" {
		t.Fatalf("account override not routed: %s", f.appender.Appends[0].WorkbookHandle)
	}
}

func TestDownloadQueuedDuringManualIngestRunsAfterIt(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	gate := &gateAppender{inner: f.appender, entered: make(chan struct{}), release: make(chan struct{})}
	f.orch.writer = gate
	f.files["/d/queued.csv"] = ordersCSV(sampleOrderRow)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.IngestContent(ctx, ReportOrders, "manual-orders.csv", ordersCSV(sampleOrderRow), "seller_one")
		done <- err
	}()
	<-gate.entered

	// Completes while the manual run holds the pipeline; it must queue.
	f.completeDownload(ctx, "dl_q", "eBay-orders-report.csv", "/d/queued.csv")
	if f.orch.QueueDepth() != 1 {
		t.Fatalf("expected completion queued behind manual run, depth %d", f.orch.QueueDepth())
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("manual ingest failed: %v", err)
	}

	if f.orch.QueueDepth() != 0 {
		t.Fatalf("queued download never ran, depth %d", f.orch.QueueDepth())
	}
	if len(f.appender.Appends) != 2 {
		t.Fatalf("expected manual then queued appends, got %d", len(f.appender.Appends))
	}
	if f.appender.Appends[1].CorrelationID != "dl_q" {
		t.Fatalf("queued download ran out of order: %+v", f.appender.Appends)
	}
}

// gateAppender blocks its first Append until released; later calls pass
// straight through to the wrapped appender.
type gateAppender struct {
	mu      sync.Mutex
	inner   *MockSheetAppender
	entered chan struct{}
	release chan struct{}
	gated   bool
}

func (g *gateAppender) Append(ctx context.Context, workbookHandle, tabRange string, rows []CanonicalRow, correlationID string) (AppendResult, error) {
	g.mu.Lock()
	first := !g.gated
	g.gated = true
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
	}
	return g.inner.Append(ctx, workbookHandle, tabRange, rows, correlationID)
}

func TestIngestContentAccountChangeFlushesWorkbookCache(t *testing.T) {
	f := newPipelineFixture(t)
	enforcer := &forgetRecorder{}
	f.orch.maintainer = enforcer

	f.resolver.Update(PageSignals{UserMenuText: "seller_one"})
	previous := f.resolver.Current()
	next, changed := f.resolver.Update(PageSignals{UserMenuText: "shop-42"})
	if !changed {
		t.Fatal("expected identity change")
	}
	f.orch.AccountChanged(previous, next)

	if len(enforcer.forgotten) != 1 || enforcer.forgotten[0] != "wb_one" {
		t.Fatalf("expected previous workbook forgotten, got %v", enforcer.forgotten)
	}
	account := f.store.Account()
	if account == nil || account.ID != "shop-42" {
		t.Fatalf("expected next account recorded, got %+v", account)
	}
}

type forgetRecorder struct {
	forgotten []string
}

func (f *forgetRecorder) EnsureTabs(ctx context.Context, workbookHandle, correlationID string) error {
	return nil
}

func (f *forgetRecorder) Forget(workbookHandle string) {
	f.forgotten = append(f.forgotten, workbookHandle)
}
