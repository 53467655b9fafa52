// Package store implements the Idempotency & Status Store: durable,
// crash-safe persistence of the set of processed message_ids plus each
// Swap's full record. Mutations are serialized under a single mutex, and
// writes are atomic temp-file-then-rename so a crash mid-write never
// leaves a partial file on disk.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/atomicbridge/htlc-relayer/internal/relayererr"
	"github.com/atomicbridge/htlc-relayer/internal/swaptypes"
)

var log = logging.Logger("store")

var filenamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

const (
	// DefaultProcessedFile is the legacy-compatible filename for the set of
	// processed message ids.
	DefaultProcessedFile = "processed_messages.json"
	// DefaultSwapsFile holds the extended Swap records.
	DefaultSwapsFile = "swaps.json"
	// DefaultCursorsFile holds each listener's last_processed_block/height,
	// so a restart resumes scanning from where it left off instead of
	// re-walking chain history from genesis.
	DefaultCursorsFile = "cursors.json"
)

// Store is the Idempotency & Status Store for one chain worker.
type Store struct {
	mu sync.RWMutex

	root         string
	processedPath string
	swapsPath     string
	cursorsPath   string

	processed map[string]bool
	swaps     map[string]*swaptypes.Swap
	cursors   map[string]uint64
}

// resolvePath validates that filename is a bare name (no path separators,
// no "..") matching the store's filename/path-escape rules, and resolves
// it against root.
func resolvePath(root, filename string) (string, error) {
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) {
		return "", &relayererr.SecurityError{Issue: relayererr.IssuePathEscape}
	}
	if !filenamePattern.MatchString(filename) {
		return "", &relayererr.SecurityError{Issue: relayererr.IssueInvalidFilename}
	}

	abs, err := filepath.Abs(filepath.Join(root, filename))
	if err != nil {
		return "", &relayererr.SecurityError{Issue: relayererr.IssuePathEscape}
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", &relayererr.SecurityError{Issue: relayererr.IssuePathEscape}
	}
	if !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) && abs != filepath.Join(rootAbs, filename) {
		return "", &relayererr.SecurityError{Issue: relayererr.IssuePathEscape}
	}
	return abs, nil
}

// New constructs a Store rooted at storageDir, using the default filenames.
// It does not touch disk; call Load to populate from an existing directory.
func New(storageDir string) (*Store, error) {
	return NewWithFilenames(storageDir, DefaultProcessedFile, DefaultSwapsFile)
}

// NewWithFilenames is like New but allows overriding the processed-ids and
// swaps filenames (used by tests and by callers partitioning by direction).
func NewWithFilenames(storageDir, processedFile, swapsFile string) (*Store, error) {
	processedPath, err := resolvePath(storageDir, processedFile)
	if err != nil {
		return nil, err
	}
	swapsPath, err := resolvePath(storageDir, swapsFile)
	if err != nil {
		return nil, err
	}
	cursorsPath, err := resolvePath(storageDir, DefaultCursorsFile)
	if err != nil {
		return nil, err
	}

	return &Store{
		root:          storageDir,
		processedPath: processedPath,
		swapsPath:     swapsPath,
		cursorsPath:   cursorsPath,
		processed:     make(map[string]bool),
		swaps:         make(map[string]*swaptypes.Swap),
		cursors:       make(map[string]uint64),
	}, nil
}

// Load reads the on-disk files into memory once at start:
// a missing file starts empty; an empty file starts empty; a malformed file
// fails startup with StorageError.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return &relayererr.StorageError{Operation: "Load", Path: s.root, Err: err}
	}

	ids, err := loadProcessed(s.processedPath)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.processed[id] = true
	}

	swaps, err := loadSwaps(s.swapsPath)
	if err != nil {
		return err
	}
	for _, sw := range swaps {
		s.swaps[sw.MessageID] = sw
		if sw.Status.IsTerminal() {
			s.processed[sw.MessageID] = true
		}
	}

	cursors, err := loadCursors(s.cursorsPath)
	if err != nil {
		return err
	}
	s.cursors = cursors

	log.Infof("loaded store: %d processed ids, %d swap records, %d cursors", len(s.processed), len(s.swaps), len(s.cursors))
	return nil
}

func loadProcessed(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &relayererr.StorageError{Operation: "Load", Path: path, Err: err}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, &relayererr.StorageError{Operation: "Load", Path: path, Err: fmt.Errorf("malformed processed-ids file: %w", err)}
	}
	return ids, nil
}

func loadSwaps(path string) ([]*swaptypes.Swap, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &relayererr.StorageError{Operation: "Load", Path: path, Err: err}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var swaps []*swaptypes.Swap
	if err := json.Unmarshal(data, &swaps); err != nil {
		return nil, &relayererr.StorageError{Operation: "Load", Path: path, Err: fmt.Errorf("malformed swaps file: %w", err)}
	}
	return swaps, nil
}

func loadCursors(path string) (map[string]uint64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]uint64), nil
	}
	if err != nil {
		return nil, &relayererr.StorageError{Operation: "Load", Path: path, Err: err}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return make(map[string]uint64), nil
	}

	cursors := make(map[string]uint64)
	if err := json.Unmarshal(data, &cursors); err != nil {
		return nil, &relayererr.StorageError{Operation: "Load", Path: path, Err: fmt.Errorf("malformed cursors file: %w", err)}
	}
	return cursors, nil
}

// Cursor returns the last persisted last_processed_block/height for chain
// (e.g. "ethereum", "near"), or (0, false) if none has been recorded yet —
// callers should start scanning from genesis in that case.
func (s *Store) Cursor(chain string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cursors[chain]
	return v, ok
}

// SetCursor persists the last_processed_block/height reached for chain, so
// a restart resumes from here instead of re-scanning from genesis.
func (s *Store) SetCursor(chain string, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[chain] = value
	return s.flushLocked()
}

// IsProcessed reports whether message_id has already been recorded as
// processed-successful (a terminal Swap). Invalid ids return false and are
// logged.2.
func (s *Store) IsProcessed(id string) bool {
	if !swaptypes.ValidMessageID(id) {
		log.Warnf("is_processed called with invalid message_id %q", id)
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processed[id]
}

// Begin atomically inserts a Swap in state observed. It fails with
// relayererr.AlreadyExists if a record already exists for id — this is the
// idempotency gate.
func (s *Store) Begin(id string, initial *swaptypes.Swap) error {
	if !swaptypes.ValidMessageID(id) {
		return &relayererr.ValidationError{Field: "message_id", Value: id, Reason: "empty or exceeds 256 characters"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.swaps[id]; exists {
		return relayererr.AlreadyExists
	}

	now := time.Now()
	rec := initial.Clone()
	rec.MessageID = id
	rec.Status = swaptypes.StatusObserved
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.swaps[id] = rec
	return s.flushLocked()
}

// Transition validates the expected current state, applies patch, advances
// updated_at, and persists atomically. patch may mutate any field except
// MessageID/CreatedAt; it must not itself change Status — the caller passes
// the target status as `to`.
func (s *Store) Transition(id string, from, to swaptypes.Status, patch func(*swaptypes.Swap)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.swaps[id]
	if !ok {
		return fmt.Errorf("transition: no swap with message_id %q", id)
	}
	if rec.Status != from {
		return fmt.Errorf("transition: expected status %q, found %q for message_id %q", from, rec.Status, id)
	}
	if !swaptypes.CanTransition(from, to) {
		return fmt.Errorf("transition: %q -> %q is not a legal edge", from, to)
	}

	if patch != nil {
		patch(rec)
	}
	rec.Status = to
	rec.UpdatedAt = time.Now()

	return s.flushLocked()
}

// MarkTerminal transitions id to a terminal state and records it in the
// processed-id set.
func (s *Store) MarkTerminal(id string, from swaptypes.Status, terminal swaptypes.Status, patch func(*swaptypes.Swap)) error {
	switch terminal {
	case swaptypes.StatusSettled, swaptypes.StatusRefunded, swaptypes.StatusFailed:
	default:
		return fmt.Errorf("mark_terminal: %q is not a terminal status", terminal)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.swaps[id]
	if !ok {
		return fmt.Errorf("mark_terminal: no swap with message_id %q", id)
	}
	if rec.Status != from {
		return fmt.Errorf("mark_terminal: expected status %q, found %q for message_id %q", from, rec.Status, id)
	}
	if !swaptypes.CanTransition(from, terminal) {
		return fmt.Errorf("mark_terminal: %q -> %q is not a legal edge", from, terminal)
	}

	if patch != nil {
		patch(rec)
	}
	rec.Status = terminal
	rec.UpdatedAt = time.Now()
	s.processed[id] = true

	return s.flushLocked()
}

// Resume resets a swap stuck in failed back onto the executor's path: to
// refunding if a mirror escrow was already recorded (the safe default once a
// swap has failed mid-flight is to unwind it, not to retry forward), or
// observed otherwise, so the whole pipeline re-runs from ingestion. It is
// the one sanctioned way out of the failed terminal state — used only by
// the relayer's resume CLI action — and deliberately bypasses
// CanTransition, which never allows a transition out of failed during
// normal operation.
func (s *Store) Resume(id string) (swaptypes.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.swaps[id]
	if !ok {
		return "", fmt.Errorf("resume: no swap with message_id %q", id)
	}
	if rec.Status != swaptypes.StatusFailed {
		return "", fmt.Errorf("resume: message_id %q is not in failed state (status=%q)", id, rec.Status)
	}

	next := swaptypes.StatusObserved
	if rec.EscrowRef != "" {
		next = swaptypes.StatusRefunding
	}
	rec.Status = next
	rec.LastError = nil
	rec.UpdatedAt = time.Now()
	delete(s.processed, id)

	if err := s.flushLocked(); err != nil {
		return "", err
	}
	return next, nil
}

// Get returns a short-lived copy of the Swap record for id, or (nil, false).
func (s *Store) Get(id string) (*swaptypes.Swap, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.swaps[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// All returns copies of every Swap record, for Supervisor/health use and
// boot-time reconciliation.
func (s *Store) All() []*swaptypes.Swap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*swaptypes.Swap, 0, len(s.swaps))
	for _, rec := range s.swaps {
		out = append(out, rec.Clone())
	}
	return out
}

// NonTerminal returns copies of every Swap record whose status is not yet
// terminal, used by the Supervisor to re-post in-flight work after restart.
func (s *Store) NonTerminal() []*swaptypes.Swap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*swaptypes.Swap
	for _, rec := range s.swaps {
		if rec.Status.IsOngoing() {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// flushLocked serializes the in-memory collection to both files atomically.
// Caller must hold s.mu for writing.
func (s *Store) flushLocked() error {
	ids := make([]string, 0, len(s.processed))
	for id := range s.processed {
		ids = append(ids, id)
	}
	processedJSON, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return &relayererr.StorageError{Operation: "Transition", Path: s.processedPath, Err: err}
	}

	swaps := make([]*swaptypes.Swap, 0, len(s.swaps))
	for _, rec := range s.swaps {
		swaps = append(swaps, rec)
	}
	swapsJSON, err := json.MarshalIndent(swaps, "", "  ")
	if err != nil {
		return &relayererr.StorageError{Operation: "Transition", Path: s.swapsPath, Err: err}
	}

	cursorsJSON, err := json.MarshalIndent(s.cursors, "", "  ")
	if err != nil {
		return &relayererr.StorageError{Operation: "Transition", Path: s.cursorsPath, Err: err}
	}

	if err := atomicWriteFile(s.processedPath, processedJSON, 0o600); err != nil {
		return &relayererr.StorageError{Operation: "Transition", Path: s.processedPath, Err: err}
	}
	if err := atomicWriteFile(s.swapsPath, swapsJSON, 0o600); err != nil {
		return &relayererr.StorageError{Operation: "Transition", Path: s.swapsPath, Err: err}
	}
	if err := atomicWriteFile(s.cursorsPath, cursorsJSON, 0o600); err != nil {
		return &relayererr.StorageError{Operation: "Transition", Path: s.cursorsPath, Err: err}
	}
	return nil
}

// atomicWriteFile writes data to filename via a temp-file-then-rename in
// the same directory (so rename is atomic on the same filesystem), fsyncing
// before the rename. On failure the temp file is removed and the prior
// target file is left untouched.
func atomicWriteFile(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".relayer-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync to disk: %w", err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	tmpFile = nil

	if err := os.Rename(tmpPath, filename); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
