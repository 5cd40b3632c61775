// Package planner compares a decoded, normalized metric record against
// the repository's current snapshot and emits insert/update/rename/no-op
// decisions (C4). It never touches the store directly; the repository
// supplies the snapshot and later executes the plan.
package planner

import (
	"time"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
)

type DeviceOp string

const (
	DeviceNoOp   DeviceOp = "noop"
	DeviceInsert DeviceOp = "insert"
	DeviceUpdate DeviceOp = "update"
)

type MetricOp string

const (
	MetricNoOp   MetricOp = "noop"
	MetricInsert MetricOp = "insert"
	MetricUpdate MetricOp = "update"
	MetricRename MetricOp = "rename"
)

type PropertyOp string

const (
	PropertyNoOp    PropertyOp = "noop"
	PropertyInsert  PropertyOp = "insert"
	PropertyUpdate  PropertyOp = "update"
	PropertyDelete  PropertyOp = "delete"
)

// DeviceInput is the decoded/normalized device identity from the
// current frame, independent of any synthetic key.
type DeviceInput struct {
	GroupID      string
	Country      string
	BusinessUnit string
	Plant        string
	Edge         string
	DeviceName   string
	UNSPath      string
}

// DevicePlan is the decision for the device row touched by this frame.
type DevicePlan struct {
	Op     DeviceOp
	Fields DeviceInput // fields to write when Op != DeviceNoOp
}

// MetricInput is the decoded/normalized metric identity and datatype.
type MetricInput struct {
	Name     string
	UNSPath  string
	Datatype string
}

// MetricPlan is the decision for the metric row, including rename
// detection which mandates a lineage row in the same transaction.
type MetricPlan struct {
	Op      MetricOp
	OldPath string // populated only when Op == MetricRename
	NewPath string
	Fields  MetricInput
}

// PropertyPlan is one property-level decision.
type PropertyPlan struct {
	Op    PropertyOp
	Key   string
	Value model.PropertyValue // zero value when Op == PropertyDelete
}

// Plan is the full set of decisions for one decoded metric frame.
type Plan struct {
	Device     DevicePlan
	Metric     MetricPlan
	Properties []PropertyPlan
	Diff       *model.VersionDiff // nil when nothing material changed
}

// PlanDevice decides Insert/Update/NoOp for a device row. current is nil
// when no device with this natural key exists yet.
func PlanDevice(current *model.Device, incoming DeviceInput) DevicePlan {
	if current == nil {
		return DevicePlan{Op: DeviceInsert, Fields: incoming}
	}
	if current.Country == incoming.Country &&
		current.BusinessUnit == incoming.BusinessUnit &&
		current.Plant == incoming.Plant &&
		current.UNSPath == incoming.UNSPath {
		return DevicePlan{Op: DeviceNoOp}
	}
	return DevicePlan{Op: DeviceUpdate, Fields: incoming}
}

// PlanMetric decides Insert/Update/Rename/NoOp for a metric row. current
// is nil when no metric with this natural key (device_key, name) exists
// yet. A path mismatch against an existing row is always a Rename,
// regardless of whether the datatype also changed.
func PlanMetric(current *model.Metric, incoming MetricInput) MetricPlan {
	if current == nil {
		return MetricPlan{Op: MetricInsert, Fields: incoming}
	}
	if current.UNSPath != incoming.UNSPath {
		return MetricPlan{
			Op:      MetricRename,
			OldPath: current.UNSPath,
			NewPath: incoming.UNSPath,
			Fields:  incoming,
		}
	}
	if current.Datatype == incoming.Datatype {
		return MetricPlan{Op: MetricNoOp}
	}
	return MetricPlan{Op: MetricUpdate, Fields: incoming}
}

// PlanProperties decides per-key Insert/Update/Delete/NoOp by type-aware
// comparison against the current snapshot, and returns the subset of
// keys whose value materially changed for the MetricVersion diff.
//
// incoming maps every key this frame declares. deletePolicy controls
// whether keys present in current but absent from incoming are deleted
// (birth frames are authoritative and replace the whole set) or left
// alone (incremental CDC-origin updates only ever add/modify keys they
// name).
func PlanProperties(current map[string]model.MetricProperty, incoming map[string]model.PropertyValue, deletePolicy bool) ([]PropertyPlan, map[string]model.PropertyDiff) {
	plans := make([]PropertyPlan, 0, len(incoming))
	diff := map[string]model.PropertyDiff{}

	for key, newVal := range incoming {
		cur, existed := current[key]
		switch {
		case !existed:
			plans = append(plans, PropertyPlan{Op: PropertyInsert, Key: key, Value: newVal})
			diff[key] = model.PropertyDiff{Type: newVal.Type, New: newVal.Raw()}
		case !cur.Value.Equal(newVal):
			plans = append(plans, PropertyPlan{Op: PropertyUpdate, Key: key, Value: newVal})
			diff[key] = model.PropertyDiff{Type: newVal.Type, Old: cur.Value.Raw(), New: newVal.Raw()}
		default:
			plans = append(plans, PropertyPlan{Op: PropertyNoOp, Key: key, Value: newVal})
		}
	}

	if deletePolicy {
		for key, cur := range current {
			if _, stillPresent := incoming[key]; !stillPresent {
				plans = append(plans, PropertyPlan{Op: PropertyDelete, Key: key})
				diff[key] = model.PropertyDiff{Removed: true, Type: cur.Value.Type}
			}
		}
	}

	return plans, diff
}

// BuildPlan composes device, metric, and property decisions into a
// single Plan, attaching a VersionDiff only when something material
// changed (idempotence law: repeated identical input yields an entirely
// NoOp plan and a nil Diff).
func BuildPlan(device DevicePlan, metric MetricPlan, properties []PropertyPlan, propertyDiff map[string]model.PropertyDiff) Plan {
	p := Plan{Device: device, Metric: metric, Properties: properties}

	materialProps := map[string]model.PropertyDiff{}
	for k, d := range propertyDiff {
		materialProps[k] = d
	}

	pathChanged := metric.Op == MetricRename
	if len(materialProps) == 0 && !pathChanged {
		return p
	}

	d := &model.VersionDiff{}
	if pathChanged {
		d.Path = &model.PathDiff{Old: metric.OldPath, New: metric.NewPath}
	}
	if len(materialProps) > 0 {
		d.Properties = materialProps
	}
	p.Diff = d
	return p
}

// changedAt is a seam for tests; production callers pass time.Now().
var changedAt = time.Now

func NowUTC() time.Time { return changedAt().UTC() }
