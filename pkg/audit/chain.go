package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	// ErrChainBroken reports a hash-chain integrity violation.
	ErrChainBroken = errors.New("audit chain is broken")
)

// genesisAnchor is the previous-hash of the first entry in a fresh chain.
const genesisAnchor = "genesis"

// Entry is one link of the hash chain: the recorded Event plus chain
// bookkeeping. Entries are never mutated after append.
type Entry struct {
	EntryID      string    `json:"entry_id"`
	Sequence     uint64    `json:"sequence"`
	Event        Event     `json:"event"`
	EventHash    string    `json:"event_hash"`
	PreviousHash string    `json:"previous_hash"`
	EntryHash    string    `json:"entry_hash"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// ChainStore is an in-process, append-only Sink that links every event
// into a SHA-256 hash chain. Events are canonicalized (RFC 8785 JCS)
// before hashing so the chain is insensitive to map ordering.
type ChainStore struct {
	mu       sync.RWMutex
	entries  []*Entry
	byID     map[string]*Entry
	sequence uint64
	anchor   string // previous-hash of the oldest retained entry
	head     string
}

// NewChainStore creates an empty chain.
func NewChainStore() *ChainStore {
	return &ChainStore{
		byID:   make(map[string]*Entry),
		anchor: genesisAnchor,
		head:   genesisAnchor,
	}
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func canonicalEventHash(ev Event) (string, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return hashBytes(canon), nil
}

func entryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence     uint64 `json:"sequence"`
		EventHash    string `json:"event_hash"`
		PreviousHash string `json:"previous_hash"`
	}{e.Sequence, e.EventHash, e.PreviousHash}
	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return hashBytes(canon), nil
}

// Record appends the event to the chain. Implements Sink.
func (s *ChainStore) Record(_ context.Context, ev Event) error {
	evHash, err := canonicalEventHash(ev)
	if err != nil {
		return fmt.Errorf("canonicalize audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence++
	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     s.sequence,
		Event:        ev,
		EventHash:    evHash,
		PreviousHash: s.head,
		RecordedAt:   time.Now().UTC(),
	}
	h, err := entryHash(entry)
	if err != nil {
		s.sequence--
		return fmt.Errorf("hash audit entry: %w", err)
	}
	entry.EntryHash = h
	s.head = h
	s.entries = append(s.entries, entry)
	s.byID[entry.EntryID] = entry
	return nil
}

// Head returns the current chain head hash.
func (s *ChainStore) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Size returns the number of retained entries.
func (s *ChainStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Filter narrows Query results.
type Filter struct {
	EntityType EntityType
	EntityID   string
	Since      time.Time
	Until      time.Time
	Limit      int
}

func (f Filter) matches(e *Entry) bool {
	if f.EntityType != "" && e.Event.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.Event.EntityID != f.EntityID {
		return false
	}
	if !f.Since.IsZero() && e.Event.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Event.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query returns retained entries matching the filter, oldest first.
func (s *ChainStore) Query(f Filter) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0)
	for _, e := range s.entries {
		if f.matches(e) {
			out = append(out, e)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out
}

// VerifyChain recomputes every retained entry hash and checks the links
// back to the current anchor.
func (s *ChainStore) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expectedPrev := s.anchor
	for i, e := range s.entries {
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d links to %s, expected %s",
				ErrChainBroken, i, e.PreviousHash, expectedPrev)
		}
		evHash, err := canonicalEventHash(e.Event)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, i, err)
		}
		if evHash != e.EventHash {
			return fmt.Errorf("%w: entry %d event hash mismatch", ErrChainBroken, i)
		}
		h, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, i, err)
		}
		if h != e.EntryHash {
			return fmt.Errorf("%w: entry %d entry hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}

// PruneBefore drops entries whose event timestamp is before the cutoff
// and re-anchors the chain at the last dropped entry, so VerifyChain
// keeps holding for the retained suffix. Returns the dropped entries,
// oldest first, for archival.
func (s *ChainStore) PruneBefore(cutoff time.Time) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := 0
	for idx < len(s.entries) && s.entries[idx].Event.Timestamp.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return nil
	}
	dropped := s.entries[:idx]
	s.entries = append([]*Entry(nil), s.entries[idx:]...)
	for _, e := range dropped {
		delete(s.byID, e.EntryID)
	}
	s.anchor = dropped[len(dropped)-1].EntryHash
	if len(s.entries) == 0 {
		s.head = s.anchor
	}
	return dropped
}
