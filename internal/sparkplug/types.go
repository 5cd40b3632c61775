// Package sparkplug decodes Sparkplug B binary payloads into the
// pipeline's metric records, resolves alias→name mappings from birth
// frames, and unwraps the optional gzip/zlib compression envelope.
//
// The wire format is parsed directly with protobuf's low-level protowire
// package against the public Sparkplug B schema (org.eclipse.tahu);
// no generated .pb.go is vendored, so this package is the single place
// that understands the byte layout.
package sparkplug

import "time"

// DataType mirrors the Sparkplug B DataType enum far enough to cover the
// scalar and property types this pipeline persists. Dataset/template/file
// values are accepted but only flattened, never interpreted, per this
// release's scope.
type DataType uint32

const (
	DataTypeUnknown  DataType = 0
	DataTypeInt8     DataType = 1
	DataTypeInt16    DataType = 2
	DataTypeInt32    DataType = 3
	DataTypeInt64    DataType = 4
	DataTypeUInt8    DataType = 5
	DataTypeUInt16   DataType = 6
	DataTypeUInt32   DataType = 7
	DataTypeUInt64   DataType = 8
	DataTypeFloat    DataType = 9
	DataTypeDouble   DataType = 10
	DataTypeBoolean  DataType = 11
	DataTypeString   DataType = 12
	DataTypeDateTime DataType = 13
	DataTypeText     DataType = 14
	DataTypeUUID     DataType = 15
	DataTypeDataSet  DataType = 16
	DataTypeBytes    DataType = 17
	DataTypeFile     DataType = 18
	DataTypeTemplate DataType = 19
	DataTypePropertySet     DataType = 20
	DataTypePropertySetList DataType = 21
)

// PropType is the pipeline-level property type enumeration named in
// the data model (int, long, float, double, string, boolean).
type PropType string

const (
	PropInt     PropType = "int"
	PropLong    PropType = "long"
	PropFloat   PropType = "float"
	PropDouble  PropType = "double"
	PropString  PropType = "string"
	PropBoolean PropType = "boolean"
)

// propTypeFor maps a Sparkplug DataType to the pipeline's narrower
// property type enumeration, or ok=false if the type is outside the set
// this release persists (UnsupportedDatatype).
func propTypeFor(dt DataType) (PropType, bool) {
	switch dt {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeUInt8, DataTypeUInt16, DataTypeUInt32:
		return PropInt, true
	case DataTypeInt64, DataTypeUInt64:
		return PropLong, true
	case DataTypeFloat:
		return PropFloat, true
	case DataTypeDouble:
		return PropDouble, true
	case DataTypeString, DataTypeText, DataTypeUUID, DataTypeDateTime:
		return PropString, true
	case DataTypeBoolean:
		return PropBoolean, true
	default:
		return "", false
	}
}

// Property is one decoded key/value metadata entry, with the declared
// type preserved rather than coerced.
type Property struct {
	Type        PropType
	IntValue    int64
	FloatValue  float32
	DoubleValue float64
	StringValue string
	BoolValue   bool
}

// Metric is one decoded Sparkplug metric entry.
type Metric struct {
	Name       string // empty if unresolved; caller/alias cache fills this in
	HasName    bool
	Alias      uint64
	HasAlias   bool
	Datatype   DataType
	Timestamp  time.Time
	Properties map[string]Property
	IsDataset  bool
	Dataset    FlattenedDataset

	// SkippedProperties names properties decode.go dropped because their
	// declared datatype falls outside the persisted set (UnsupportedDatatype).
	// The metric itself is still accepted; the caller logs these with the
	// metric's name once known, per §4.1.
	SkippedProperties []string
}

// FlattenedDataset is the {rows, columns} shape datasets are reduced to;
// this release does not interpret dataset contents further. decode.go
// fills Columns with the dataset's column names only; Rows is not
// populated.
type FlattenedDataset struct {
	Columns []string
	Rows    [][]string
}

// Payload is the decoded envelope of one MQTT message body.
type Payload struct {
	Timestamp time.Time
	Seq       uint64
	HasSeq    bool
	Metrics   []Metric
}
