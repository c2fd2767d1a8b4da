package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"token-listener/shared/logger"
)

const (
	trackedFileName = "tracked_tokens.json"
	soldFileName    = "sold_tokens.json"
)

// Source records which price provider produced the last successful read.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
)

type Status string

const (
	StatusActive         Status = "active"
	StatusPendingRemoval Status = "pending-removal"
)

var (
	ErrAlreadyTracked = errors.New("token is already tracked")
	ErrNotTracked     = errors.New("token is not tracked")
	ErrSoldToken      = errors.New("token is in the sold set")
)

// TrackedToken is the persisted record for a token currently being watched.
// Address, InitialMarketCap and EntryTime are frozen at creation.
type TrackedToken struct {
	Address              string    `json:"address"`
	Symbol               string    `json:"symbol"`
	InitialMarketCap     float64   `json:"initialMarketCap"`
	CurrentMarketCap     float64   `json:"currentMarketCap"`
	LastNotifiedMultiple int       `json:"lastNotifiedMultiple"`
	EntryTime            time.Time `json:"entryTimestamp"`
	LastChecked          time.Time `json:"lastCheckedTimestamp"`
	SourceProvider       Source    `json:"sourceProvider"`
	Status               Status    `json:"status"`
}

type SoldToken struct {
	Address string    `json:"address"`
	SoldAt  time.Time `json:"soldTimestamp"`
}

// Store is the single owner of tracked and sold token state. All mutations
// serialize through its mutex; persistence is explicit via Persist.
type Store struct {
	mu        sync.Mutex
	persistMu sync.Mutex
	tracked   map[string]*TrackedToken
	sold      map[string]SoldToken
	dir       string
	appLogger *logger.Logger
}

func New(dir string, appLogger *logger.Logger) *Store {
	return &Store{
		tracked:   make(map[string]*TrackedToken),
		sold:      make(map[string]SoldToken),
		dir:       dir,
		appLogger: appLogger,
	}
}

func (s *Store) trackedPath() string { return filepath.Join(s.dir, trackedFileName) }
func (s *Store) soldPath() string    { return filepath.Join(s.dir, soldFileName) }

// Load reconstructs state from disk. Missing files mean empty state; a
// corrupted file is logged and treated as empty rather than aborting startup.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tracked []TrackedToken
	if err := readJSONFile(s.trackedPath(), &tracked); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.appLogger.Info("No tracked tokens file found, starting fresh", "path", s.trackedPath())
		} else {
			s.appLogger.Warn("Tracked tokens file unreadable or corrupted, starting fresh", "path", s.trackedPath(), "error", err)
		}
	}
	s.tracked = make(map[string]*TrackedToken, len(tracked))
	for i := range tracked {
		t := tracked[i]
		if t.Address == "" || t.InitialMarketCap <= 0 {
			s.appLogger.Warn("Dropping invalid persisted token record", "address", t.Address)
			continue
		}
		if t.Status == "" {
			t.Status = StatusActive
		}
		s.tracked[t.Address] = &t
	}

	var sold []SoldToken
	if err := readJSONFile(s.soldPath(), &sold); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.appLogger.Info("No sold tokens file found, starting fresh", "path", s.soldPath())
		} else {
			s.appLogger.Warn("Sold tokens file unreadable or corrupted, starting fresh", "path", s.soldPath(), "error", err)
		}
	}
	s.sold = make(map[string]SoldToken, len(sold))
	for _, st := range sold {
		if st.Address == "" {
			continue
		}
		s.sold[st.Address] = st
		// an address cannot be tracked and sold at the same time
		if _, dup := s.tracked[st.Address]; dup {
			s.appLogger.Warn("Address present in both tracked and sold sets, keeping sold", "address", st.Address)
			delete(s.tracked, st.Address)
		}
	}

	s.appLogger.Info("Token store loaded", "tracked", len(s.tracked), "sold", len(s.sold))
	return nil
}

// Add starts tracking a token. Fails with ErrAlreadyTracked if the address is
// active and ErrSoldToken if it sits in the sold set.
func (s *Store) Add(address, symbol string, initialMarketCap float64) (TrackedToken, error) {
	return s.AddAt(address, symbol, initialMarketCap, time.Now().UTC())
}

// AddAt is Add with an explicit entry time, used when replaying signals that
// originally arrived while the listener was down.
func (s *Store) AddAt(address, symbol string, initialMarketCap float64, entryTime time.Time) (TrackedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if address == "" {
		return TrackedToken{}, fmt.Errorf("empty token address")
	}
	if initialMarketCap <= 0 {
		return TrackedToken{}, fmt.Errorf("initial market cap must be positive, got %f", initialMarketCap)
	}
	if _, exists := s.tracked[address]; exists {
		return TrackedToken{}, ErrAlreadyTracked
	}
	if _, exists := s.sold[address]; exists {
		return TrackedToken{}, ErrSoldToken
	}

	if entryTime.IsZero() {
		entryTime = time.Now().UTC()
	}
	token := &TrackedToken{
		Address:          address,
		Symbol:           symbol,
		InitialMarketCap: initialMarketCap,
		CurrentMarketCap: initialMarketCap,
		// start at 0 to catch the 1x crossing
		LastNotifiedMultiple: 0,
		EntryTime:            entryTime.UTC(),
		Status:               StatusActive,
	}
	s.tracked[address] = token
	s.appLogger.Info("Started tracking token", "address", address, "symbol", symbol, "initialMarketCap", initialMarketCap)
	return *token, nil
}

// Remove stops tracking a token and records it in the sold set.
func (s *Store) Remove(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, exists := s.tracked[address]
	if !exists {
		return ErrNotTracked
	}
	delete(s.tracked, address)
	s.sold[address] = SoldToken{Address: address, SoldAt: time.Now().UTC()}
	s.appLogger.Info("Stopped tracking token", "address", address, "symbol", token.Symbol)
	return nil
}

// ReleaseSold clears an address from the sold set so it may be tracked again.
// This is the explicit override for re-buying a previously sold token.
func (s *Store) ReleaseSold(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sold[address]; !exists {
		return ErrNotTracked
	}
	delete(s.sold, address)
	s.appLogger.Info("Released token from sold set", "address", address)
	return nil
}

// Update records the latest observed market cap for a token.
func (s *Store) Update(address string, marketCap float64, provider Source, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, exists := s.tracked[address]
	if !exists {
		return ErrNotTracked
	}
	if marketCap < 0 {
		return fmt.Errorf("negative market cap %f for %s", marketCap, address)
	}
	token.CurrentMarketCap = marketCap
	token.SourceProvider = provider
	token.LastChecked = checkedAt
	return nil
}

// SetNotifiedMultiple advances the notification high-water mark. The stored
// value never decreases.
func (s *Store) SetNotifiedMultiple(address string, multiple int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, exists := s.tracked[address]
	if !exists {
		return ErrNotTracked
	}
	if multiple <= token.LastNotifiedMultiple {
		return nil
	}
	token.LastNotifiedMultiple = multiple
	return nil
}

// Snapshot returns deep copies of the active set for batch planning.
func (s *Store) Snapshot() []TrackedToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TrackedToken, 0, len(s.tracked))
	for _, t := range s.tracked {
		out = append(out, *t)
	}
	return out
}

func (s *Store) SoldSnapshot() []SoldToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SoldToken, 0, len(s.sold))
	for _, st := range s.sold {
		out = append(out, st)
	}
	return out
}

func (s *Store) Get(address string) (TrackedToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, exists := s.tracked[address]
	if !exists {
		return TrackedToken{}, false
	}
	return *token, true
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

// Persist writes both sets atomically (write to temp file, then rename), so a
// crash mid-write never leaves a partially written file behind. persistMu is
// held across snapshot, write and rename: concurrent persists serialize
// end-to-end, so an older snapshot can never rename over a newer one.
func (s *Store) Persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	tracked := make([]TrackedToken, 0, len(s.tracked))
	for _, t := range s.tracked {
		tracked = append(tracked, *t)
	}
	sold := make([]SoldToken, 0, len(s.sold))
	for _, st := range s.sold {
		sold = append(sold, st)
	}
	s.mu.Unlock()

	if err := writeJSONFileAtomic(s.trackedPath(), tracked); err != nil {
		return fmt.Errorf("persisting tracked tokens: %w", err)
	}
	if err := writeJSONFileAtomic(s.soldPath(), sold); err != nil {
		return fmt.Errorf("persisting sold tokens: %w", err)
	}
	s.appLogger.Debug("Token store persisted", "tracked", len(tracked), "sold", len(sold))
	return nil
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func writeJSONFileAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
