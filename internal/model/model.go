// Package model defines the pipeline's persisted and in-flight domain
// entities, independent of the repository's SQL encoding.
package model

import "time"

// PropertyType enumerates the typed-value discriminator stored on every
// MetricProperty row.
type PropertyType string

const (
	PropertyInt     PropertyType = "int"
	PropertyLong    PropertyType = "long"
	PropertyFloat   PropertyType = "float"
	PropertyDouble  PropertyType = "double"
	PropertyString  PropertyType = "string"
	PropertyBoolean PropertyType = "boolean"
)

// Device is a physical/logical equipment endpoint.
type Device struct {
	DeviceKey    int64
	GroupID      string
	Country      string
	BusinessUnit string
	Plant        string
	Edge         string
	DeviceName   string
	UNSPath      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NaturalKey returns the (group_id, edge, device) tuple that uniquely
// identifies a Device independent of its synthetic key or path.
func (d Device) NaturalKey() (groupID, edge, device string) {
	return d.GroupID, d.Edge, d.DeviceName
}

// Metric is a single named quantity on a Device.
type Metric struct {
	MetricKey int64
	DeviceKey int64
	Name      string
	UNSPath   string
	CanaryID  string
	Datatype  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PropertyValue is a single typed scalar, tagged with the declared type
// so the repository can enforce "exactly one column populated" without
// ambiguity at the boundary between Go's untyped literals and SQL columns.
type PropertyValue struct {
	Type        PropertyType
	IntValue    int64
	LongValue   int64
	FloatValue  float32
	DoubleValue float64
	StringValue string
	BoolValue   bool
}

// Equal performs type-aware comparison: values of different declared
// types are never equal, and only the column matching Type is compared.
func (v PropertyValue) Equal(other PropertyValue) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case PropertyInt:
		return v.IntValue == other.IntValue
	case PropertyLong:
		return v.LongValue == other.LongValue
	case PropertyFloat:
		return v.FloatValue == other.FloatValue
	case PropertyDouble:
		return v.DoubleValue == other.DoubleValue
	case PropertyString:
		return v.StringValue == other.StringValue
	case PropertyBoolean:
		return v.BoolValue == other.BoolValue
	default:
		return false
	}
}

// Raw returns the value as an any, for logging/diffing without a type
// switch at every call site.
func (v PropertyValue) Raw() any {
	switch v.Type {
	case PropertyInt:
		return v.IntValue
	case PropertyLong:
		return v.LongValue
	case PropertyFloat:
		return v.FloatValue
	case PropertyDouble:
		return v.DoubleValue
	case PropertyString:
		return v.StringValue
	case PropertyBoolean:
		return v.BoolValue
	default:
		return nil
	}
}

// MetricProperty is one key/value metadata entry attached to a Metric.
type MetricProperty struct {
	MetricKey int64
	Key       string
	Value     PropertyValue
	UpdatedAt time.Time
}

// MetricVersion is an append-only audit diff.
type MetricVersion struct {
	VersionID int64
	MetricKey int64
	ChangedAt time.Time
	ChangedBy string
	Diff      VersionDiff
}

// VersionDiff is the structured before/after document attached to a
// MetricVersion row.
type VersionDiff struct {
	Path       *PathDiff              `json:"path,omitempty"`
	Properties map[string]PropertyDiff `json:"properties,omitempty"`
}

type PathDiff struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// PropertyDiff describes one property-level before/after entry. Removed
// entries set Removed and omit Old/New.
type PropertyDiff struct {
	Type    PropertyType `json:"type,omitempty"`
	Old     any          `json:"old,omitempty"`
	New     any          `json:"new,omitempty"`
	Removed bool         `json:"removed,omitempty"`
}

// MetricPathLineage records one rename, preserving old-to-new identity.
type MetricPathLineage struct {
	LineageID  int64
	MetricKey  int64
	OldUNSPath string
	NewUNSPath string
	ChangedAt  time.Time
}

// DLQStatus enumerates the lifecycle of a DLQEntry.
type DLQStatus string

const (
	DLQStatusPending  DLQStatus = "pending"
	DLQStatusReplayed DLQStatus = "replayed"
	DLQStatusExpired  DLQStatus = "expired"
)

// DLQEntry is a durable record of a failed egress payload.
type DLQEntry struct {
	ID            string
	Payload       []byte
	ErrorKind     string
	ErrorDetail   string
	Attempts      int
	FirstFailedAt time.Time
	ExpiresAt     time.Time
	Status        DLQStatus
}

// AggregatedDiff is the flushed output of the debounce buffer (C7) and
// the input to the egress mapper (C8).
type AggregatedDiff struct {
	MetricKey  int64
	CanaryID   string
	UNSPath    string
	Versions   []int64
	Changes    map[string]PropertyValue
	Deleted    map[string]bool
	EventIDs   []string
	FirstSeen  time.Time
	LastSeen   time.Time
	LatestActor string
}
