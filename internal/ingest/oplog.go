package ingest

import (
	"sync"
	"time"
)

type LogCategory string

const (
	CategoryDownload  LogCategory = "download"
	CategoryParse     LogCategory = "parse"
	CategoryTransform LogCategory = "transform"
	CategoryAppend    LogCategory = "append"
	CategoryStatus    LogCategory = "status"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

type LogEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Category      LogCategory    `json:"category"`
	CorrelationID string         `json:"correlationId"`
	Outcome       string         `json:"outcome"`
	Payload       map[string]any `json:"payload,omitempty"`
}

type Phase string

const (
	PhaseInitializing  Phase = "initializing"
	PhaseReady         Phase = "ready"
	PhaseAuthenticated Phase = "authenticated"
	PhaseBusy          Phase = "busy"
	PhaseError         Phase = "error"
)

type ExtensionStatus struct {
	Phase     Phase     `json:"phase"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Settings struct {
	DebugMode     bool `json:"debugMode"`
	AutoProcess   bool `json:"autoProcess"`
	Notifications bool `json:"notifications"`
}

// persistedState is the host-storage snapshot, one document per worker
// instance.
type persistedState struct {
	ProcessingLog  []LogEntry         `json:"csvProcessingLog"`
	ErrorLog       []LogEntry         `json:"csvErrorLog"`
	Settings       Settings           `json:"extensionSettings"`
	Status         ExtensionStatus    `json:"extensionStatus"`
	CurrentAccount *AccountIdentity   `json:"currentAccount,omitempty"`
	Config         *EnvironmentConfig `json:"extension_config,omitempty"`
}

const (
	logRingLimit         = 100
	defaultFlushInterval = 100 * time.Millisecond
)

type StoreOptions struct {
	Backend       StateBackend
	Logger        Logger
	FlushInterval time.Duration
}

// Store owns the bounded success/error rings and the singleton status
// value. Readers get snapshots; writes flush to the backend coalesced to at
// most one flush per interval.
type Store struct {
	mu            sync.Mutex
	backend       StateBackend
	logger        Logger
	flushInterval time.Duration

	success  []LogEntry
	errors   []LogEntry
	status   ExtensionStatus
	settings Settings
	account  *AccountIdentity
	config   *EnvironmentConfig

	lastFlush  time.Time
	flushTimer *time.Timer

	lastBroadcast  time.Time
	broadcastTimer *time.Timer
	subscribers    map[int]chan ExtensionStatus
	nextSubscriber int

	closed bool
}

func NewStore(opts StoreOptions) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	s := &Store{
		backend:       opts.Backend,
		logger:        logger,
		flushInterval: flushInterval,
		status:        ExtensionStatus{Phase: PhaseInitializing, UpdatedAt: time.Now().UTC()},
		settings:      Settings{AutoProcess: true, Notifications: true},
		subscribers:   map[int]chan ExtensionStatus{},
	}
	if opts.Backend != nil {
		snapshot, err := opts.Backend.Load()
		if err != nil {
			return nil, err
		}
		if snapshot != nil {
			s.success = boundRing(snapshot.ProcessingLog)
			s.errors = boundRing(snapshot.ErrorLog)
			s.settings = snapshot.Settings
			if snapshot.Status.Phase != "" {
				s.status = snapshot.Status
			}
			s.account = snapshot.CurrentAccount
			s.config = snapshot.Config
		}
	}
	return s, nil
}

func boundRing(entries []LogEntry) []LogEntry {
	if len(entries) > logRingLimit {
		entries = entries[len(entries)-logRingLimit:]
	}
	return append([]LogEntry(nil), entries...)
}

// Append routes an entry into the success or error ring; the oldest entry
// is evicted on overflow.
func (s *Store) Append(entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	if entry.Outcome == OutcomeError {
		s.errors = appendBounded(s.errors, entry)
	} else {
		s.success = appendBounded(s.success, entry)
	}
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

func appendBounded(ring []LogEntry, entry LogEntry) []LogEntry {
	ring = append(ring, entry)
	if len(ring) > logRingLimit {
		ring = ring[len(ring)-logRingLimit:]
	}
	return ring
}

func (s *Store) SuccessEntries() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.success...)
}

func (s *Store) ErrorEntries() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.errors...)
}

// SetStatus is last-writer-wins; broadcasts are coalesced so subscribers
// see at most one value per flush interval, always the latest.
func (s *Store) SetStatus(phase Phase, detail string) {
	s.mu.Lock()
	s.status = ExtensionStatus{Phase: phase, Detail: detail, UpdatedAt: time.Now().UTC()}
	s.scheduleFlushLocked()
	s.scheduleBroadcastLocked()
	s.mu.Unlock()
}

func (s *Store) Status() ExtensionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Store) SetSettings(settings Settings) {
	s.mu.Lock()
	s.settings = settings
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

func (s *Store) Account() *AccountIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return nil
	}
	clone := *s.account
	return &clone
}

func (s *Store) SetAccount(identity AccountIdentity) {
	s.mu.Lock()
	s.account = &identity
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

func (s *Store) Config() *EnvironmentConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		return nil
	}
	clone := *s.config
	return &clone
}

func (s *Store) SetConfig(config EnvironmentConfig) {
	s.mu.Lock()
	s.config = &config
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

// ClearLogs empties both rings and the cached account. Used by the
// clear-cache bus action.
func (s *Store) ClearLogs() {
	s.mu.Lock()
	s.success = nil
	s.errors = nil
	s.account = nil
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

func (s *Store) Subscribe() (<-chan ExtensionStatus, func()) {
	s.mu.Lock()
	id := s.nextSubscriber
	s.nextSubscriber++
	ch := make(chan ExtensionStatus, 8)
	s.subscribers[id] = ch
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) scheduleBroadcastLocked() {
	if s.closed {
		return
	}
	now := time.Now()
	if now.Sub(s.lastBroadcast) >= s.flushInterval {
		s.lastBroadcast = now
		s.broadcastLocked()
		return
	}
	if s.broadcastTimer != nil {
		return
	}
	wait := s.flushInterval - now.Sub(s.lastBroadcast)
	s.broadcastTimer = time.AfterFunc(wait, func() {
		s.mu.Lock()
		s.broadcastTimer = nil
		if !s.closed {
			s.lastBroadcast = time.Now()
			s.broadcastLocked()
		}
		s.mu.Unlock()
	})
}

func (s *Store) broadcastLocked() {
	for _, ch := range s.subscribers {
		select {
		case ch <- s.status:
		default:
		}
	}
}

func (s *Store) scheduleFlushLocked() {
	if s.backend == nil || s.closed {
		return
	}
	now := time.Now()
	if now.Sub(s.lastFlush) >= s.flushInterval {
		s.lastFlush = now
		s.flushLocked()
		return
	}
	if s.flushTimer != nil {
		return
	}
	wait := s.flushInterval - now.Sub(s.lastFlush)
	s.flushTimer = time.AfterFunc(wait, func() {
		s.mu.Lock()
		s.flushTimer = nil
		if !s.closed {
			s.lastFlush = time.Now()
			s.flushLocked()
		}
		s.mu.Unlock()
	})
}

func (s *Store) flushLocked() {
	snapshot := &persistedState{
		ProcessingLog:  append([]LogEntry(nil), s.success...),
		ErrorLog:       append([]LogEntry(nil), s.errors...),
		Settings:       s.settings,
		Status:         s.status,
		CurrentAccount: s.account,
		Config:         s.config,
	}
	if err := s.backend.Save(snapshot); err != nil {
		s.logger.Printf("state flush failed: %v", err)
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if s.broadcastTimer != nil {
		s.broadcastTimer.Stop()
		s.broadcastTimer = nil
	}
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	if s.backend != nil {
		s.flushLocked()
	}
	return nil
}
