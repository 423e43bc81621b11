// Package journal keeps an append-only, hash-chained record of every event
// published on the bus. Each entry commits to its predecessor so Verify can
// detect reordering or tampering.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/eventbus"
)

// Entry is one committed event.
type Entry struct {
	ID            string              `json:"id"`
	Sequence      uint64              `json:"sequence"`
	EventType     contracts.EventType `json:"eventType"`
	CorrelationID string              `json:"correlationId"`
	Workspace     string              `json:"workspace,omitempty"`
	RecordedAt    time.Time           `json:"recordedAt"`
	Payload       json.RawMessage     `json:"payload,omitempty"`
	PayloadHash   string              `json:"payloadHash"`
	PrevHash      string              `json:"prevHash"`
	Hash          string              `json:"hash"`
}

// Option configures a Journal.
type Option func(*Journal)

// WithSink streams every committed entry as a JSON line to w.
func WithSink(w io.Writer) Option {
	return func(j *Journal) { j.sink = json.NewEncoder(w) }
}

// WithClock overrides the clock used for RecordedAt.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Journal is an in-memory hash chain of events.
type Journal struct {
	mu      sync.RWMutex
	entries []*Entry
	head    string
	sink    *json.Encoder
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an empty journal.
func New(opts ...Option) *Journal {
	j := &Journal{
		now:    time.Now,
		logger: slog.Default().With("component", "journal"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Attach subscribes the journal to bus. A nil predicate records everything.
func (j *Journal) Attach(bus *eventbus.Bus, predicate eventbus.Predicate) (detach func()) {
	return bus.Subscribe(predicate, func(evt contracts.Event) {
		if _, err := j.Append(context.Background(), evt); err != nil {
			j.logger.Error("journal append failed",
				"event_type", evt.Type, "correlation_id", evt.CorrelationID, "error", err)
		}
	})
}

// Append commits evt and returns its entry.
func (j *Journal) Append(ctx context.Context, evt contracts.Event) (*Entry, error) {
	payloadHash, err := hashPayload(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("journal: payload hash: %w", err)
	}
	workspace := ""
	if evt.Context != nil {
		workspace = evt.Context.WorkspaceID()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	e := &Entry{
		ID:            uuid.NewString(),
		Sequence:      uint64(len(j.entries)) + 1,
		EventType:     evt.Type,
		CorrelationID: evt.CorrelationID,
		Workspace:     workspace,
		RecordedAt:    j.now().UTC(),
		Payload:       evt.Payload,
		PayloadHash:   payloadHash,
		PrevHash:      j.head,
	}
	if e.Hash, err = chainHash(e); err != nil {
		return nil, fmt.Errorf("journal: entry hash: %w", err)
	}
	j.entries = append(j.entries, e)
	j.head = e.Hash

	if j.sink != nil {
		if err := j.sink.Encode(e); err != nil {
			j.logger.WarnContext(ctx, "journal sink write failed", "sequence", e.Sequence, "error", err)
		}
	}
	return e, nil
}

// Get returns the entry with sequence seq (1-based).
func (j *Journal) Get(seq uint64) (*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if seq == 0 || seq > uint64(len(j.entries)) {
		return nil, fmt.Errorf("journal: no entry with sequence %d", seq)
	}
	return j.entries[seq-1], nil
}

// Range returns entries in [start, end], clamped to the journal length.
func (j *Journal) Range(start, end uint64) ([]*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if start == 0 || start > end {
		return nil, fmt.Errorf("journal: invalid range [%d, %d]", start, end)
	}
	n := uint64(len(j.entries))
	if start > n {
		return nil, nil
	}
	if end > n {
		end = n
	}
	out := make([]*Entry, end-start+1)
	copy(out, j.entries[start-1:end])
	return out, nil
}

// ByCorrelation returns the entries carrying correlationID.
func (j *Journal) ByCorrelation(correlationID string) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []*Entry
	for _, e := range j.entries {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Head returns the hash of the last entry, or "" when empty.
func (j *Journal) Head() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.head
}

// Verify recomputes the chain and reports the first broken link.
func (j *Journal) Verify() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return VerifyChain(j.entries)
}

// VerifyChain checks a sequence of entries, e.g. read back from a sink.
func VerifyChain(entries []*Entry) error {
	prev := ""
	for i, e := range entries {
		if e.Sequence != uint64(i)+1 {
			return fmt.Errorf("journal: entry %d has sequence %d", i+1, e.Sequence)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("journal: entry %d does not link to its predecessor", e.Sequence)
		}
		ph, err := hashPayload(e.Payload)
		if err != nil {
			return fmt.Errorf("journal: entry %d: %w", e.Sequence, err)
		}
		if ph != e.PayloadHash {
			return fmt.Errorf("journal: entry %d payload hash mismatch", e.Sequence)
		}
		h, err := chainHash(e)
		if err != nil {
			return fmt.Errorf("journal: entry %d: %w", e.Sequence, err)
		}
		if h != e.Hash {
			return fmt.Errorf("journal: entry %d hash mismatch", e.Sequence)
		}
		prev = e.Hash
	}
	return nil
}

func hashPayload(raw json.RawMessage) (string, error) {
	canonical := []byte("null")
	if len(raw) > 0 {
		var err error
		if canonical, err = jcs.Transform(raw); err != nil {
			return "", err
		}
	}
	return digest(canonical), nil
}

func chainHash(e *Entry) (string, error) {
	header, err := json.Marshal(map[string]any{
		"id":            e.ID,
		"sequence":      e.Sequence,
		"eventType":     e.EventType,
		"correlationId": e.CorrelationID,
		"workspace":     e.Workspace,
		"recordedAt":    e.RecordedAt.Format(time.RFC3339Nano),
		"payloadHash":   e.PayloadHash,
		"prevHash":      e.PrevHash,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(header)
	if err != nil {
		return "", err
	}
	return digest(canonical), nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}
