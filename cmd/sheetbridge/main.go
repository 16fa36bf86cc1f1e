package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sellerworks/sheetbridge/internal/busapi"
	"github.com/sellerworks/sheetbridge/internal/ingest"
)

func main() {
	addr := os.Getenv("SHEETBRIDGE_ADDR")
	if addr == "" {
		addr = ":8745"
	}

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	store, err := ingest.NewStore(ingest.StoreOptions{
		Backend:       backend,
		Logger:        log.Default(),
		FlushInterval: durationEnv("SHEETBRIDGE_FLUSH_INTERVAL", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize state store: %v", err)
	}
	defer store.Close()

	routingPath := strings.TrimSpace(os.Getenv("SHEETBRIDGE_ROUTING_TABLE"))
	if routingPath == "" {
		log.Fatal("SHEETBRIDGE_ROUTING_TABLE is required")
	}
	table, err := ingest.LoadRoutingTable(routingPath)
	if err != nil {
		log.Fatalf("failed to load routing table %s: %v", routingPath, err)
	}

	auth, writer, maintainer, err := buildSheetsStackFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize sheets stack: %v", err)
	}

	mirror, err := buildMirrorFromEnv(store)
	if err != nil {
		log.Fatalf("failed to initialize mirror client: %v", err)
	}

	resolver := ingest.NewResolver(log.Default())
	orch, err := ingest.NewOrchestrator(ingest.OrchestratorOptions{
		Resolver:   resolver,
		Table:      table,
		Writer:     writer,
		Maintainer: maintainer,
		Store:      store,
		Mirror:     mirror,
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize pipeline: %v", err)
	}

	bus, err := ingest.NewMessageBus(ingest.MessageBusOptions{
		Orchestrator: orch,
		Resolver:     resolver,
		Store:        store,
		Auth:         auth,
		Mirror:       mirror,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize message bus: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher := ingest.NewDownloadWatcher(os.Getenv("SHEETBRIDGE_DOWNLOAD_DIR"), log.Default())
	go watcher.Run(ctx)
	go orch.Run(ctx, watcher.Events())

	server := busapi.NewServer(bus, store, busapi.ServerConfig{
		AllowedOrigins: splitList(os.Getenv("SHEETBRIDGE_ALLOWED_ORIGINS")),
		MaxBodyBytes:   int64Env("SHEETBRIDGE_MAX_BODY_BYTES", 0),
	}, log.Default())

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("sheetbridge listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStateBackendFromEnv() (ingest.StateBackend, error) {
	dsn := strings.TrimSpace(os.Getenv("SHEETBRIDGE_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("SHEETBRIDGE_STATE_FILE"))
	switch {
	case dsn != "":
		return ingest.BuildStateBackendFromDSN(dsn)
	case stateFile != "":
		return ingest.BuildStateBackendFromDSN(stateFile)
	default:
		return ingest.BuildStateBackendFromDSN(".sheetbridge/state.json")
	}
}

// buildSheetsStackFromEnv wires auth, the append writer, and the tab
// maintainer. SHEETBRIDGE_MOCK=true swaps in the offline doubles so the
// whole pipeline runs without any network access.
func buildSheetsStackFromEnv() (ingest.AuthManager, ingest.SheetAppender, ingest.TabEnsurer, error) {
	if boolEnv("SHEETBRIDGE_MOCK", false) {
		return ingest.NewMockAuth(), ingest.NewMockSheetAppender(), ingest.NopTabEnsurer{}, nil
	}

	auth, err := ingest.NewProviderAuth(ingest.ProviderAuthOptions{
		Provider: tokenProviderFromEnv(),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	baseURL := os.Getenv("SHEETBRIDGE_SHEETS_BASE_URL")
	writer, err := ingest.NewSheetWriter(ingest.SheetWriterOptions{
		BaseURL:        baseURL,
		Auth:           auth,
		Logger:         log.Default(),
		RequestTimeout: durationEnv("SHEETBRIDGE_REQUEST_TIMEOUT", 0),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	maintainer, err := ingest.NewWorkbookMaintainer(ingest.WorkbookMaintainerOptions{
		BaseURL:  baseURL,
		Auth:     auth,
		Appender: writer,
		Logger:   log.Default(),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return auth, writer, maintainer, nil
}

// tokenProviderFromEnv reads the bearer token from SHEETBRIDGE_TOKEN or,
// preferentially, re-reads SHEETBRIDGE_TOKEN_FILE on every acquire so an
// external refresher can rotate the credential in place.
func tokenProviderFromEnv() ingest.TokenProvider {
	return func(ctx context.Context) (string, error) {
		if path := strings.TrimSpace(os.Getenv("SHEETBRIDGE_TOKEN_FILE")); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read token file: %w", err)
			}
			token := strings.TrimSpace(string(data))
			if token == "" {
				return "", fmt.Errorf("token file %s is empty", path)
			}
			return token, nil
		}
		token := strings.TrimSpace(os.Getenv("SHEETBRIDGE_TOKEN"))
		if token == "" {
			return "", fmt.Errorf("SHEETBRIDGE_TOKEN or SHEETBRIDGE_TOKEN_FILE is required")
		}
		return token, nil
	}
}

func buildMirrorFromEnv(store *ingest.Store) (*ingest.MirrorClient, error) {
	env := ingest.Environment(strings.ToLower(strings.TrimSpace(os.Getenv("SHEETBRIDGE_MIRROR_ENV"))))
	if env == "" {
		if stored := store.Config(); stored != nil {
			return ingest.NewMirrorClient(*stored, nil)
		}
		return nil, nil
	}
	config := ingest.EnvironmentConfig{
		CurrentEnvironment: env,
		Environments: map[ingest.Environment]ingest.EnvironmentSettings{
			env: {
				BaseURL:        strings.TrimSpace(os.Getenv("SHEETBRIDGE_MIRROR_BASE_URL")),
				APIKey:         strings.TrimSpace(os.Getenv("SHEETBRIDGE_MIRROR_API_KEY")),
				TimeoutSeconds: intEnv("SHEETBRIDGE_MIRROR_TIMEOUT_SECONDS", 0),
			},
		},
	}
	store.SetConfig(config)
	return ingest.NewMirrorClient(config, nil)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
