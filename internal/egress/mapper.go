// Package egress implements the historian-facing half of the pipeline:
// payload mapping (C8), session management (C9), dataset resolution
// (C10), and the rate-limited/retrying/circuit-broken write client
// (C11).
package egress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
)

const qualityGood = 192

// WritePayload is the historian Write API request body: sessionToken
// plus one entry array per dot-path, each entry a
// [timestamp, "key=value", quality] triple (§6).
type WritePayload struct {
	SessionToken string              `json:"sessionToken"`
	Properties   map[string][]WriteEntry `json:"properties"`
}

// WriteEntry is marshaled as a 3-element JSON array, not an object, to
// match the historian's positional wire format.
type WriteEntry struct {
	Timestamp string
	KeyValue  string
	Quality   int
}

func (e WriteEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Timestamp, e.KeyValue, e.Quality})
}

// Batch is one outbound unit: the diffs it carries plus the idempotency
// key derived from their content, so a retried send after a network
// failure reuses the same key rather than a fresh one that would defeat
// historian-side deduplication.
type Batch struct {
	IdempotencyKey string
	Diffs          []model.AggregatedDiff
}

// Mapper translates aggregated diffs into historian write payloads.
type Mapper struct {
	maxPayloadBytes int
	now             func() time.Time
}

func NewMapper(maxPayloadBytes int) *Mapper {
	return &Mapper{maxPayloadBytes: maxPayloadBytes, now: time.Now}
}

// BuildBatch groups diffs into one Batch with a content-derived
// idempotency key, stable under re-ordering of the same diff set.
func BuildBatch(diffs []model.AggregatedDiff) Batch {
	sorted := make([]model.AggregatedDiff, len(diffs))
	copy(sorted, diffs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UNSPath < sorted[j].UNSPath })

	h := xxhash.New()
	for _, d := range sorted {
		fmt.Fprintf(h, "%s|", d.UNSPath)
		keys := make([]string, 0, len(d.Changes))
		for k := range d.Changes {
			keys = append(keys, k)
		}
		for k := range d.Deleted {
			keys = append(keys, "!"+k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v, ok := d.Changes[k]; ok {
				fmt.Fprintf(h, "%s=%v;", k, v.Raw())
			} else {
				fmt.Fprintf(h, "%s=<deleted>;", k)
			}
		}
	}
	return Batch{IdempotencyKey: fmt.Sprintf("%016x", h.Sum64()), Diffs: sorted}
}

// BuildPayload renders a Batch into the historian's write request body.
// An empty batch (every diff's changes and deletions canceled out) is
// rejected, mirroring the source mapper's "no diff entries yielded
// payload content" guard.
func (m *Mapper) BuildPayload(sessionToken string, batch Batch) (*WritePayload, error) {
	if sessionToken == "" {
		return nil, errs.New(errs.KindValidation, "session token", nil)
	}
	ts := m.now().UTC().Format("2006-01-02T15:04:05.000000Z")

	properties := map[string][]WriteEntry{}
	for _, diff := range batch.Diffs {
		entries := make([]WriteEntry, 0, len(diff.Changes)+len(diff.Deleted))
		for key, val := range diff.Changes {
			entries = append(entries, WriteEntry{Timestamp: ts, KeyValue: fmt.Sprintf("%s=%v", key, val.Raw()), Quality: qualityGood})
		}
		for key := range diff.Deleted {
			entries = append(entries, WriteEntry{Timestamp: ts, KeyValue: fmt.Sprintf("%s=", key), Quality: qualityGood})
		}
		if len(entries) == 0 {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].KeyValue < entries[j].KeyValue })
		properties[diff.CanaryID] = entries
	}
	if len(properties) == 0 {
		return nil, errs.New(errs.KindValidation, "no diff entries yielded payload content", nil)
	}

	payload := &WritePayload{SessionToken: sessionToken, Properties: properties}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.New(errs.KindUnrecoverable, "marshal write payload", err)
	}
	if len(encoded) > m.maxPayloadBytes {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("payload size %d exceeds limit %d", len(encoded), m.maxPayloadBytes), nil)
	}
	return payload, nil
}

func marshalPayload(payload *WritePayload) (*bytes.Reader, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.New(errs.KindUnrecoverable, "marshal write payload", err)
	}
	return bytes.NewReader(encoded), nil
}
