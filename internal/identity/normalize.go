// Package identity implements the deterministic topic/metric-name to
// canonical UNS path mapping (C3), including the dot-path "canary id"
// derivation and optional collision tracking.
package identity

import (
	"fmt"
	"hash/crc32"
	"regexp"
	"strings"
	"sync"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
)

var interiorWhitespace = regexp.MustCompile(`\s+`)
var disallowedChar = regexp.MustCompile(`[^A-Za-z0-9 _.\-]`)

// normalizeSegment trims, collapses interior whitespace to a single
// underscore, and replaces any character outside the allowed set with
// an underscore, per §4.3's rules. Casing is preserved and the path
// separator itself is never present in a single segment.
func normalizeSegment(raw string) string {
	s := strings.TrimSpace(raw)
	s = interiorWhitespace.ReplaceAllString(s, "_")
	s = disallowedChar.ReplaceAllString(s, "_")
	return s
}

// NormalizeDevice builds the canonical device UNS path from ordered
// topic segments (e.g. group, country, business unit, plant, edge,
// device). Every segment must be non-empty after normalization.
func NormalizeDevice(segments ...string) (string, error) {
	return joinSegments(segments...)
}

// NormalizeMetric appends a metric name to an already-normalized device
// path. The metric name may itself contain '/' (e.g. "Temperature/PV"),
// each sub-segment of which is normalized independently.
func NormalizeMetric(deviceUNSPath, metricName string) (string, error) {
	if deviceUNSPath == "" {
		return "", errs.New(errs.KindInvalidPath, "device path", nil)
	}
	metricSegments := strings.Split(metricName, "/")
	full, err := joinSegments(append([]string{deviceUNSPath}, metricSegments...)...)
	if err != nil {
		return "", err
	}
	return full, nil
}

// joinSegments normalizes each segment independently and joins with the
// canonical separator, rejecting a result that is empty after
// normalization (InvalidPath).
func joinSegments(segments ...string) (string, error) {
	parts := make([]string, 0, len(segments))
	for _, raw := range segments {
		for _, sub := range strings.Split(raw, "/") {
			n := normalizeSegment(sub)
			if n == "" {
				return "", errs.New(errs.KindInvalidPath, fmt.Sprintf("empty segment from %q", raw), nil)
			}
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "", errs.New(errs.KindInvalidPath, "no segments", nil)
	}
	return strings.Join(parts, "/"), nil
}

// ToCanaryID replaces every '/' with '.', the pure function P1 requires
// to hold for every persisted metric. When includeChecksum is true a
// CRC32 suffix is appended (the supplemented collision-auditing mode);
// the primary dot-path contract is unaffected either way.
func ToCanaryID(unsPath string, includeChecksum bool) string {
	dotted := strings.ReplaceAll(unsPath, "/", ".")
	if !includeChecksum {
		return dotted
	}
	sum := crc32.ChecksumIEEE([]byte(unsPath))
	return fmt.Sprintf("%s#%08x", dotted, sum)
}

// CollisionTracker records which source uns_path produced each
// generated dot-path, logging a warning when two distinct paths collide
// — an auditing aid; the upsert planner, not this tracker, is the
// authority on rejecting collisions (§4.3).
type CollisionTracker struct {
	mu    sync.Mutex
	known map[string]string // dot-path -> source uns_path
	cap   int
}

// NewCollisionTracker bounds the tracker to at most capacity entries,
// evicting nothing beyond refusing new entries once full — collisions
// are a slow-growing diagnostic table, not a correctness gate.
func NewCollisionTracker(capacity int) *CollisionTracker {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &CollisionTracker{known: map[string]string{}, cap: capacity}
}

// Record notes that unsPath produced dotPath, logging a warning if a
// different uns_path previously produced the same dotPath.
func (t *CollisionTracker) Record(dotPath, unsPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prior, ok := t.known[dotPath]
	if ok && prior != unsPath {
		logger.For(logger.ComponentIdentity).Warnw("canary id collision",
			"dot_path", dotPath, "existing_source", prior, "new_source", unsPath)
		return
	}
	if !ok && len(t.known) < t.cap {
		t.known[dotPath] = unsPath
	}
}
