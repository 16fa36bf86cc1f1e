package busapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/sellerworks/sheetbridge/internal/ingest"
)

const routingJSON = `{
  "bindings": [
    {"accountId": "default", "workbookHandle": "wb_default", "workspaceName": "Fallback", "kind": "fallback", "active": true}
  ]
}`

const ordersCSV = "Sales Record Number,Order Number,Buyer Username,Buyer Name,Buyer Email,Item Number,Item Title,Custom Label,Quantity,Sold For,Total Price,Sale Date,Paid On Date,Ship By Date,Tracking Number\n" +
	"1001,12-34567-89012,buyer_one,Buyer One,buyer@example.com,334455667788,Vintage Camera,CAM-01,1,$45.00,$52.50,Jul-15-25,,Jul-18-25,tracking\n"

type fixture struct {
	server   *httptest.Server
	store    *ingest.Store
	appender *ingest.MockSheetAppender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := ingest.NewStore(ingest.StoreOptions{FlushInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	table, err := ingest.ParseRoutingTable([]byte(routingJSON))
	if err != nil {
		t.Fatalf("routing table: %v", err)
	}
	resolver := ingest.NewResolver(nil)
	appender := ingest.NewMockSheetAppender()
	orch, err := ingest.NewOrchestrator(ingest.OrchestratorOptions{
		Resolver: resolver,
		Table:    table,
		Writer:   appender,
		Store:    store,
	})
	if err != nil {
		t.Fatalf("orchestrator init failed: %v", err)
	}
	bus, err := ingest.NewMessageBus(ingest.MessageBusOptions{
		Orchestrator: orch,
		Resolver:     resolver,
		Store:        store,
		Auth:         ingest.NewMockAuth(),
	})
	if err != nil {
		t.Fatalf("bus init failed: %v", err)
	}

	server := httptest.NewServer(NewServer(bus, store, ServerConfig{}, nil))
	t.Cleanup(server.Close)
	return &fixture{server: server, store: store, appender: appender}
}

func postAction(t *testing.T, f *fixture, action, payload string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.server.URL+"/v1/actions/"+action, "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s failed: %v", action, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s response: %v", action, err)
	}
	return resp.StatusCode, body
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %+v", body)
	}
}

func TestActionDispatchSuccess(t *testing.T) {
	f := newFixture(t)
	content, _ := json.Marshal(ordersCSV)
	status, body := postAction(t, f, "write-csv-to-sheets",
		`{"csvType": "orders", "csvContent": `+string(content)+`}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d %+v", status, body)
	}
	if body["success"] != true || body["correlationId"] == "" {
		t.Fatalf("unexpected body %+v", body)
	}
	if len(f.appender.Appends) != 1 {
		t.Fatalf("expected append through full stack, got %d", len(f.appender.Appends))
	}
}

func TestUnknownActionIs404WithActionList(t *testing.T) {
	f := newFixture(t)
	status, body := postAction(t, f, "launch-rockets", `{}`)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if body["success"] != false || body["error"] != "unknown action" {
		t.Fatalf("unexpected body %+v", body)
	}
	actions, ok := body["availableActions"].([]any)
	if !ok || len(actions) == 0 {
		t.Fatalf("expected availableActions, got %+v", body)
	}
}

func TestValidationFailureIs400(t *testing.T) {
	f := newFixture(t)
	status, body := postAction(t, f, "write-csv-to-sheets", `{"csvType": "orders", "csvContent": ""}`)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %+v", status, body)
	}
}

func TestMalformedJSONBodyRejected(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.server.URL+"/v1/actions/get-status", "application/json", bytes.NewReader([]byte(`{broken`)))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", resp.StatusCode)
	}
}

func TestListActions(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/v1/actions")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	actions, ok := body["actions"].([]any)
	if !ok || len(actions) == 0 {
		t.Fatalf("expected action list, got %+v", body)
	}
}

func TestStatusStreamDeliversUpdates(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// First frame is the snapshot.
	var snapshot ingest.ExtensionStatus
	if err := wsjson.Read(ctx, conn, &snapshot); err != nil {
		t.Fatalf("snapshot read failed: %v", err)
	}

	f.store.SetStatus(ingest.PhaseBusy, "ingesting")
	var update ingest.ExtensionStatus
	for update.Phase != ingest.PhaseBusy {
		if err := wsjson.Read(ctx, conn, &update); err != nil {
			t.Fatalf("update read failed: %v", err)
		}
	}
	if update.Detail != "ingesting" {
		t.Fatalf("unexpected update %+v", update)
	}
}
