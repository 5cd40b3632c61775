package sparkplug

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
)

// RebirthRequest is published at most once per (edge, device)
// throttle window when a data frame references an alias with no known
// mapping.
type RebirthRequest struct {
	Group  string
	Edge   string
	Device string
}

// AliasCache resolves alias→name per §4.2, scoped device-first then
// node-wide, and persists write-through to a JSON snapshot so mappings
// survive restart. The on-disk shape is a flat object keyed by
// "group|edge|device" (device is the empty string for node-scoped
// entries), matching the original implementation's serialization.
type AliasCache struct {
	mu     sync.RWMutex
	byKey  map[string]map[uint64]string
	path   string
	fileMu sync.Mutex

	rebirth    *ttlcache.Cache[string, struct{}]
	onRebirth  func(RebirthRequest)
	cooldown   time.Duration
}

// NewAliasCache constructs an empty cache. path is the snapshot file
// location; cooldown bounds how often a rebirth request for the same
// (edge, device) key may be re-issued when no birth frame arrives.
func NewAliasCache(path string, cooldown time.Duration, onRebirth func(RebirthRequest)) *AliasCache {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	rebirth := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cooldown),
	)
	go rebirth.Start()

	return &AliasCache{
		byKey:     map[string]map[uint64]string{},
		path:      path,
		rebirth:   rebirth,
		onRebirth: onRebirth,
		cooldown:  cooldown,
	}
}

func compositeKey(group, edge, device string) string {
	return group + "|" + edge + "|" + device
}

// Populate overwrites any prior mapping for (group, edge, device, alias).
// Birth frames call this unconditionally per §4.2's policy.
func (c *AliasCache) Populate(group, edge, device string, alias uint64, name string) {
	if name == "" {
		return
	}
	key := compositeKey(group, edge, device)

	c.mu.Lock()
	m, ok := c.byKey[key]
	if !ok {
		m = map[uint64]string{}
		c.byKey[key] = m
	}
	m[alias] = name
	c.mu.Unlock()

	c.scheduleSnapshot()
}

// Resolve looks up alias→name, device-scoped first, then node-scoped
// (device=""). ok is false when no mapping exists anywhere.
func (c *AliasCache) Resolve(group, edge, device string, alias uint64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if device != "" {
		if m, ok := c.byKey[compositeKey(group, edge, device)]; ok {
			if name, ok := m[alias]; ok {
				return name, true
			}
		}
	}
	if m, ok := c.byKey[compositeKey(group, edge, "")]; ok {
		if name, ok := m[alias]; ok {
			return name, true
		}
	}
	return "", false
}

// ResolveOrPlaceholder returns the resolved name, or a synthetic
// "alias:<id>" placeholder plus a throttled rebirth request when no
// mapping exists, per §4.2 and the UnknownAlias policy in §7.
func (c *AliasCache) ResolveOrPlaceholder(group, edge, device string, alias uint64) string {
	if name, ok := c.Resolve(group, edge, device, alias); ok {
		return name
	}

	rebirthKey := edge + "|" + device
	if c.onRebirth != nil {
		if c.rebirth.Get(rebirthKey) == nil {
			c.rebirth.Set(rebirthKey, struct{}{}, ttlcache.DefaultTTL)
			c.onRebirth(RebirthRequest{Group: group, Edge: edge, Device: device})
		}
	}
	return fmt.Sprintf("alias:%d", alias)
}

// Clear removes every mapping; used in tests and fixture loading.
func (c *AliasCache) Clear() {
	c.mu.Lock()
	c.byKey = map[string]map[uint64]string{}
	c.mu.Unlock()
}

// onDiskShape mirrors the original implementation's serialize_alias_maps:
// outer key is the composite "group|edge|device" string, inner map is
// alias (stringified) → name.
type onDiskShape map[string]map[string]string

func (c *AliasCache) toDiskShape() onDiskShape {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(onDiskShape, len(c.byKey))
	for key, aliases := range c.byKey {
		inner := make(map[string]string, len(aliases))
		for alias, name := range aliases {
			inner[strconv.FormatUint(alias, 10)] = name
		}
		out[key] = inner
	}
	return out
}

func (c *AliasCache) fromDiskShape(shape onDiskShape) {
	byKey := make(map[string]map[uint64]string, len(shape))
	for key, inner := range shape {
		m := make(map[uint64]string, len(inner))
		for aliasStr, name := range inner {
			alias, err := strconv.ParseUint(aliasStr, 10, 64)
			if err != nil {
				continue
			}
			m[alias] = name
		}
		byKey[key] = m
	}

	c.mu.Lock()
	c.byKey = byKey
	c.mu.Unlock()
}

// scheduleSnapshot persists immediately; persistence is write-through
// per §4.2 and the file mutex here is what serializes concurrent
// writers so the snapshot file is never corrupted mid-write.
func (c *AliasCache) scheduleSnapshot() {
	if err := c.Snapshot(); err != nil {
		logger.For(logger.ComponentAliasCache).Warnw("alias cache snapshot failed", "error", err)
	}
}

// Snapshot writes the current mapping to disk via a temp-file-then-
// rename so a crash mid-write never leaves a truncated file behind.
func (c *AliasCache) Snapshot() error {
	if c.path == "" {
		return nil
	}
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	data, err := json.MarshalIndent(c.toDiskShape(), "", "  ")
	if err != nil {
		return errs.New(errs.KindUnrecoverable, "alias snapshot marshal", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.KindUnrecoverable, "alias snapshot mkdir", err)
	}

	tmp, err := os.CreateTemp(dir, ".alias-snapshot-*.tmp")
	if err != nil {
		return errs.New(errs.KindUnrecoverable, "alias snapshot tempfile", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.New(errs.KindUnrecoverable, "alias snapshot write", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.New(errs.KindUnrecoverable, "alias snapshot close", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return errs.New(errs.KindUnrecoverable, "alias snapshot rename", err)
	}
	return nil
}

// Load restores the mapping from disk, tolerating a missing file (fresh
// start) but not a corrupt one.
func (c *AliasCache) Load() error {
	if c.path == "" {
		return nil
	}
	c.fileMu.Lock()
	data, err := os.ReadFile(c.path)
	c.fileMu.Unlock()

	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.New(errs.KindUnrecoverable, "alias cache load", err)
	}

	var shape onDiskShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return errs.New(errs.KindUnrecoverable, "alias cache parse", err)
	}
	c.fromDiskShape(shape)
	return nil
}

// Close stops the rebirth-throttle background janitor.
func (c *AliasCache) Close() {
	c.rebirth.Stop()
}
