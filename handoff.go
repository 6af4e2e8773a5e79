package mailjobs

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultHandoffMaxBytes is the largest encoded id list a handoff accepts.
// At roughly 11 bytes per id this is a few hundred ids.
const DefaultHandoffMaxBytes = 3000

// Handoff is short-lived server-side storage for id lists that must cross two
// request/response cycles.
type Handoff interface {
	// Store saves ids under token. It returns ErrTooLarge when the encoded
	// list exceeds the configured ceiling.
	Store(ctx context.Context, token string, ids []string) error
	// Load returns the ids stored under token, or ErrExpired.
	Load(ctx context.Context, token string) ([]string, error)
	// Delete forgets token. Unknown tokens are not an error.
	Delete(ctx context.Context, token string) error
	Close() error
}

// NewHandoffToken returns a fresh, sortable, unguessable token.
func NewHandoffToken() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// encodeIDs joins ids with commas and enforces maxBytes (0 disables the check).
func encodeIDs(ids []string, maxBytes int) (string, error) {
	for _, id := range ids {
		if id == "" || strings.Contains(id, ",") {
			return "", fmt.Errorf("%w: id %q cannot be handed off", ErrInvalidPayload, id)
		}
	}
	encoded := strings.Join(ids, ",")
	if maxBytes > 0 && len(encoded) > maxBytes {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(encoded), maxBytes)
	}
	return encoded, nil
}

func decodeIDs(encoded string) []string {
	if encoded == "" {
		return []string{}
	}
	return strings.Split(encoded, ",")
}

type memoryEntry struct {
	payload string
	expiry  time.Time
}

// MemoryHandoff keeps handoff entries in process memory.
type MemoryHandoff struct {
	ttl      time.Duration
	maxBytes int
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryHandoff creates an in-process handoff whose entries live for ttl.
func NewMemoryHandoff(ttl time.Duration, maxBytes int) *MemoryHandoff {
	return &MemoryHandoff{
		ttl:      ttl,
		maxBytes: maxBytes,
		now:      time.Now,
		entries:  make(map[string]memoryEntry),
	}
}

func (h *MemoryHandoff) Store(ctx context.Context, token string, ids []string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("token is required")
	}
	encoded, err := encodeIDs(ids, h.maxBytes)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[token] = memoryEntry{payload: encoded, expiry: h.now().Add(h.ttl)}
	return nil
}

func (h *MemoryHandoff) Load(ctx context.Context, token string) ([]string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[token]
	if !ok {
		return nil, ErrExpired
	}
	if !h.now().Before(entry.expiry) {
		delete(h.entries, token)
		return nil, ErrExpired
	}
	return decodeIDs(entry.payload), nil
}

func (h *MemoryHandoff) Delete(ctx context.Context, token string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, token)
	return nil
}

// Purge drops expired entries and returns how many were dropped.
func (h *MemoryHandoff) Purge() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	purged := 0
	for token, entry := range h.entries {
		if !now.Before(entry.expiry) {
			delete(h.entries, token)
			purged++
		}
	}
	return purged
}

func (h *MemoryHandoff) Close() error { return nil }
