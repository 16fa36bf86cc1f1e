package ingest

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"
)

type DetectionSource string

const (
	SourceUserMenu    DetectionSource = "user-menu"
	SourceURL         DetectionSource = "url"
	SourcePageContent DetectionSource = "page-content"
	SourceLocalStore  DetectionSource = "local-store"
	SourceCookie      DetectionSource = "cookie"
	SourceFallback    DetectionSource = "fallback"
)

type AccountIdentity struct {
	ID              string          `json:"id"`
	DisplayName     string          `json:"displayName"`
	DetectionSource DetectionSource `json:"detectionSource"`
	DetectedAt      time.Time       `json:"detectedAt"`
}

// PageSignals is the ambient page context captured in the browser session
// where the export was triggered. Fields mirror the detection strategies in
// declared order; content hits arrive in selector order.
type PageSignals struct {
	UserMenuText string            `json:"userMenuText,omitempty"`
	URL          string            `json:"url,omitempty"`
	ContentHits  []string          `json:"contentHits,omitempty"`
	LocalStorage map[string]string `json:"localStorage,omitempty"`
	Cookies      map[string]string `json:"cookies,omitempty"`
}

var urlIdentityParams = []string{"seller", "account", "user", "_ssn"}

var urlIdentityPathPrefixes = []string{"/seller/", "/usr/"}

var localStoreIdentityKeys = []string{
	"currentAccount",
	"accountInfo",
	"sellerAccount",
	"ebay_account",
	"userName",
}

var cookieIdentityKeys = []string{"seller_id", "ebay_user", "account", "user"}

// NormalizeAccountID lowercases the raw identifier and strips every
// character outside [a-z0-9_-].
func NormalizeAccountID(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type Resolver struct {
	mu      sync.Mutex
	current AccountIdentity
	logger  Logger
	now     func() time.Time
}

func NewResolver(logger Logger) *Resolver {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Resolver{logger: logger, now: time.Now}
}

// Resolve tries each detection strategy in declared order; the first hit
// wins. A miss on every strategy yields the fallback sentinel identity.
func (r *Resolver) Resolve(signals PageSignals) AccountIdentity {
	detectedAt := r.now().UTC()
	if raw := strings.TrimSpace(signals.UserMenuText); raw != "" {
		if id := NormalizeAccountID(raw); id != "" {
			return AccountIdentity{ID: id, DisplayName: raw, DetectionSource: SourceUserMenu, DetectedAt: detectedAt}
		}
	}
	if raw := identityFromURL(signals.URL); raw != "" {
		return AccountIdentity{ID: NormalizeAccountID(raw), DisplayName: raw, DetectionSource: SourceURL, DetectedAt: detectedAt}
	}
	for _, hit := range signals.ContentHits {
		hit = strings.TrimSpace(hit)
		if hit == "" {
			continue
		}
		if id := NormalizeAccountID(hit); id != "" {
			return AccountIdentity{ID: id, DisplayName: hit, DetectionSource: SourcePageContent, DetectedAt: detectedAt}
		}
	}
	if raw := identityFromLocalStore(signals.LocalStorage); raw != "" {
		return AccountIdentity{ID: NormalizeAccountID(raw), DisplayName: raw, DetectionSource: SourceLocalStore, DetectedAt: detectedAt}
	}
	for _, key := range cookieIdentityKeys {
		if raw := strings.TrimSpace(signals.Cookies[key]); raw != "" {
			if id := NormalizeAccountID(raw); id != "" {
				return AccountIdentity{ID: id, DisplayName: raw, DetectionSource: SourceCookie, DetectedAt: detectedAt}
			}
		}
	}
	return AccountIdentity{ID: DefaultAccountID, DisplayName: "", DetectionSource: SourceFallback, DetectedAt: detectedAt}
}

// Update re-runs detection and records the result. The second return is true
// when the resolved identity differs from the previous one; the caller must
// then flush any state accumulated for the old identity.
func (r *Resolver) Update(signals PageSignals) (AccountIdentity, bool) {
	identity := r.Resolve(signals)
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := r.current.ID != "" && r.current.ID != identity.ID
	if changed {
		r.logger.Printf("account identity changed %s -> %s (source %s)", r.current.ID, identity.ID, identity.DetectionSource)
	}
	r.current = identity
	return identity, changed
}

func (r *Resolver) Current() AccountIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func identityFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	query := parsed.Query()
	for _, param := range urlIdentityParams {
		if value := strings.TrimSpace(query.Get(param)); value != "" {
			return value
		}
	}
	path := parsed.Path
	for _, prefix := range urlIdentityPathPrefixes {
		idx := strings.Index(path, prefix)
		if idx < 0 {
			continue
		}
		rest := path[idx+len(prefix):]
		if end := strings.Index(rest, "/"); end >= 0 {
			rest = rest[:end]
		}
		if rest = strings.TrimSpace(rest); rest != "" {
			return rest
		}
	}
	return ""
}

// identityFromLocalStore checks well-known keys, parsing each value as JSON
// first and falling back to the raw string.
func identityFromLocalStore(store map[string]string) string {
	for _, key := range localStoreIdentityKeys {
		value := strings.TrimSpace(store[key])
		if value == "" {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			for _, field := range []string{"username", "accountName", "displayName", "id", "name"} {
				if s, ok := parsed[field].(string); ok && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s)
				}
			}
			continue
		}
		return value
	}
	return ""
}
