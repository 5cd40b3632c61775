package cdc

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
)

// MetricLookup resolves the canary id and UNS path a debounced diff
// should be flushed under, given the metric_key carried on a replicated
// metric_versions row. The repository satisfies this by structural
// typing, same as ingest.Repository.
type MetricLookup interface {
	MetricByKey(ctx context.Context, metricKey int64) (canaryID, unsPath string, err error)
}

// NewMetricVersionHandler returns a Listener handler that feeds every
// insert on metric_versions into buffer, after event-id dedup. It never
// queries the repository itself: DebounceBuffer.Add keys by the metric's
// synthetic key alone, and canary id/UNS path resolution is deferred to
// FlushDue's canaryOf callback (see CanaryResolver), so a burst of
// updates to one metric costs one lookup per flush instead of one per row.
func NewMetricVersionHandler(buffer *DebounceBuffer, dedup *DedupFilter) Handler {
	log := logger.For(logger.ComponentCDC)
	return func(ctx context.Context, change decodedChange) error {
		if change.Kind != changeInsert || change.Relation.name != "metric_versions" {
			return nil
		}
		event, ok := toChangeEvent(change.New)
		if !ok {
			log.Warnw("dropping unparseable metric_versions row")
			return nil
		}
		if !dedup.Admit(event.EventID) {
			return nil
		}
		buffer.Add(event.MetricKey, event.Changes, event.Deleted, event.Version, event.Actor, event.EventID)
		return nil
	}
}

// changeEventRow is the intermediate shape toChangeEvent builds before
// handing off to DebounceBuffer.Add, keeping MetricKey as the string
// DebounceBuffer keys on rather than reusing the exported ChangeEvent
// (whose MetricKey field is unused downstream of FlushDue and would
// otherwise invite confusion between the metric_key column and a path).
type changeEventRow struct {
	EventID   string
	MetricKey string
	Version   int64
	Actor     string
	Changes   map[string]model.PropertyValue
	Deleted   map[string]bool
}

func toChangeEvent(row tuple) (changeEventRow, bool) {
	versionIDRaw := columnText(row, "version_id")
	metricKeyRaw := columnText(row, "metric_key")
	diffRaw := columnText(row, "diff")
	if versionIDRaw == "" || metricKeyRaw == "" || diffRaw == "" {
		return changeEventRow{}, false
	}

	versionID, err := strconv.ParseInt(versionIDRaw, 10, 64)
	if err != nil {
		return changeEventRow{}, false
	}

	var diff model.VersionDiff
	if err := json.Unmarshal([]byte(diffRaw), &diff); err != nil {
		return changeEventRow{}, false
	}

	changes := make(map[string]model.PropertyValue, len(diff.Properties))
	deleted := make(map[string]bool)
	for key, propDiff := range diff.Properties {
		if propDiff.Removed {
			deleted[key] = true
			continue
		}
		changes[key] = propertyValueFromDiff(propDiff)
	}

	return changeEventRow{
		EventID:   "metric_version:" + versionIDRaw,
		MetricKey: metricKeyRaw,
		Version:   versionID,
		Actor:     columnText(row, "changed_by"),
		Changes:   changes,
		Deleted:   deleted,
	}, true
}

// propertyValueFromDiff recovers a typed PropertyValue from the JSON
// "new" field a PropertyDiff carries, using the Type discriminator the
// repository stamped on write rather than guessing from JSON's own
// number/string/bool kinds (which can't distinguish int from float).
func propertyValueFromDiff(d model.PropertyDiff) model.PropertyValue {
	v := model.PropertyValue{Type: d.Type}
	switch d.Type {
	case model.PropertyInt:
		if f, ok := d.New.(float64); ok {
			v.IntValue = int64(f)
		}
	case model.PropertyLong:
		if f, ok := d.New.(float64); ok {
			v.LongValue = int64(f)
		}
	case model.PropertyFloat:
		if f, ok := d.New.(float64); ok {
			v.FloatValue = float32(f)
		}
	case model.PropertyDouble:
		if f, ok := d.New.(float64); ok {
			v.DoubleValue = f
		}
	case model.PropertyString:
		if s, ok := d.New.(string); ok {
			v.StringValue = s
		}
	case model.PropertyBoolean:
		if b, ok := d.New.(bool); ok {
			v.BoolValue = b
		}
	}
	return v
}

func columnText(row tuple, column string) string {
	v, ok := row[column]
	if !ok || v == nil {
		return ""
	}
	return *v
}

// CanaryResolver adapts a MetricLookup into the canaryOf callback
// DebounceBuffer.FlushDue expects, parsing the string metric key back
// into the int64 the repository indexes on.
func CanaryResolver(ctx context.Context, lookup MetricLookup) func(metricKey string) (canaryID, unsPath string) {
	log := logger.For(logger.ComponentCDC)
	return func(metricKey string) (string, string) {
		key, err := strconv.ParseInt(metricKey, 10, 64)
		if err != nil {
			return "", ""
		}
		canaryID, unsPath, err := lookup.MetricByKey(ctx, key)
		if err != nil {
			log.Warnw("metric lookup failed during debounce flush", "metric_key", metricKey, "error", err)
			return "", ""
		}
		return canaryID, unsPath
	}
}
