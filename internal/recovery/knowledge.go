package recovery

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/cardpilot/internal/classify"
)

// MaxKnownActions caps each knowledge base entry.
const MaxKnownActions = 5

// KnowledgeStore persists knowledge base entries as JSON per error type.
type KnowledgeStore interface {
	LoadKnowledgeBase() (map[string]string, error)
	SaveKnowledgeBaseEntry(errorType, actionsJSON string) error
}

// KnowledgeBase maps an error type to the fixes that last worked for it,
// most recent first. It caches the store and writes through on every
// promotion. Promotions for one error type are serialized; different types
// never block each other.
type KnowledgeBase struct {
	store KnowledgeStore

	mu      sync.RWMutex
	entries map[classify.ErrorType][]Action
	locks   map[classify.ErrorType]*sync.Mutex
}

// NewKnowledgeBase returns an empty knowledge base. store may be nil for a
// purely in-memory one.
func NewKnowledgeBase(store KnowledgeStore) *KnowledgeBase {
	return &KnowledgeBase{
		store:   store,
		entries: make(map[classify.ErrorType][]Action),
		locks:   make(map[classify.ErrorType]*sync.Mutex),
	}
}

// LoadKnowledgeBase reads every entry from store. Entries that fail to parse
// are skipped with a warning.
func LoadKnowledgeBase(store KnowledgeStore, logger *slog.Logger) (*KnowledgeBase, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kb := NewKnowledgeBase(store)
	raw, err := store.LoadKnowledgeBase()
	if err != nil {
		return nil, fmt.Errorf("loading knowledge base: %w", err)
	}
	for typ, js := range raw {
		actions, err := DecodeActions(js)
		if err != nil {
			logger.Warn("skipping malformed knowledge base entry", "error_type", typ, "error", err)
			continue
		}
		if len(actions) > MaxKnownActions {
			actions = actions[:MaxKnownActions]
		}
		kb.entries[classify.ErrorType(typ)] = actions
	}
	return kb, nil
}

// Lookup returns a copy of the known fixes for t, most recent first.
func (kb *KnowledgeBase) Lookup(t classify.ErrorType) []Action {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	src := kb.entries[t]
	out := make([]Action, len(src))
	for i, a := range src {
		out[i] = a.clone()
	}
	return out
}

// Snapshot returns a copy of every entry.
func (kb *KnowledgeBase) Snapshot() map[classify.ErrorType][]Action {
	kb.mu.RLock()
	types := make([]classify.ErrorType, 0, len(kb.entries))
	for t := range kb.entries {
		types = append(types, t)
	}
	kb.mu.RUnlock()

	out := make(map[classify.ErrorType][]Action, len(types))
	for _, t := range types {
		out[t] = kb.Lookup(t)
	}
	return out
}

func (kb *KnowledgeBase) typeLock(t classify.ErrorType) *sync.Mutex {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	l, ok := kb.locks[t]
	if !ok {
		l = &sync.Mutex{}
		kb.locks[t] = l
	}
	return l
}

// Promote moves a to the front of t's entry, removing any earlier copy of
// the same fix and dropping the oldest beyond MaxKnownActions, then persists
// the entry.
func (kb *KnowledgeBase) Promote(t classify.ErrorType, a Action) error {
	l := kb.typeLock(t)
	l.Lock()
	defer l.Unlock()

	a = a.clone()
	a.Executed = false
	a.Success = true

	kb.mu.RLock()
	current := kb.entries[t]
	kb.mu.RUnlock()

	next := make([]Action, 0, MaxKnownActions)
	next = append(next, a)
	for _, old := range current {
		if len(next) == MaxKnownActions {
			break
		}
		if !sameFix(old, a) {
			next = append(next, old)
		}
	}

	kb.mu.Lock()
	kb.entries[t] = next
	kb.mu.Unlock()

	if kb.store == nil {
		return nil
	}
	if err := kb.store.SaveKnowledgeBaseEntry(string(t), EncodeActions(next)); err != nil {
		return fmt.Errorf("persisting knowledge base entry %s: %w", t, err)
	}
	return nil
}
