package sparkplug

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
)

// Payload field numbers (org.eclipse.tahu.protobuf.sparkplug_b.Payload).
const (
	fieldPayloadTimestamp = 1
	fieldPayloadMetrics   = 2
	fieldPayloadSeq       = 3
	fieldPayloadUUID      = 4
	fieldPayloadBody      = 5
)

// Metric field numbers.
const (
	fieldMetricName       = 1
	fieldMetricAlias      = 2
	fieldMetricTimestamp  = 3
	fieldMetricDatatype   = 4
	fieldMetricIsHistorical = 5
	fieldMetricIsTransient  = 6
	fieldMetricIsNull       = 7
	fieldMetricMetadata     = 8
	fieldMetricProperties   = 9
	fieldMetricIntValue     = 10
	fieldMetricLongValue    = 11
	fieldMetricFloatValue   = 12
	fieldMetricDoubleValue  = 13
	fieldMetricBooleanValue = 14
	fieldMetricStringValue  = 15
	fieldMetricBytesValue   = 16
	fieldMetricDatasetValue = 17
)

// PropertySet / PropertyValue field numbers.
const (
	fieldPropertySetKeys   = 1
	fieldPropertySetValues = 2

	fieldPropertyValueType          = 1
	fieldPropertyValueIsNull        = 2
	fieldPropertyValueIntValue      = 3
	fieldPropertyValueLongValue     = 4
	fieldPropertyValueFloatValue    = 5
	fieldPropertyValueDoubleValue   = 6
	fieldPropertyValueBooleanValue  = 7
	fieldPropertyValueStringValue   = 8
)

// DataSet field numbers.
const (
	fieldDataSetNumColumns = 1
	fieldDataSetColumns    = 2
	fieldDataSetTypes      = 3
	fieldDataSetRows       = 4
)

// Decode parses a raw (already decompressed) Sparkplug B payload body
// into the pipeline's Payload record. Unknown top-level fields are
// skipped rather than rejected, since Sparkplug producers may carry
// extensions this pipeline does not interpret.
func Decode(raw []byte) (*Payload, error) {
	p := &Payload{}
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errs.New(errs.KindMalformedPayload, "bad tag", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
		}
		b = b[n:]

		switch num {
		case fieldPayloadTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "timestamp", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			p.Timestamp = msToTime(v)
			b = b[n:]
		case fieldPayloadSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "seq", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			p.Seq = v
			p.HasSeq = true
			b = b[n:]
		case fieldPayloadMetrics:
			if typ != protowire.BytesType {
				return nil, errs.New(errs.KindMalformedPayload, "metrics", fmt.Errorf("unexpected wire type"))
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "metrics", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			metric, err := decodeMetric(v)
			if err != nil {
				return nil, err
			}
			p.Metrics = append(p.Metrics, *metric)
			b = b[n:]
		default:
			var ok bool
			b, ok = skipField(b, typ)
			if !ok {
				return nil, errs.New(errs.KindMalformedPayload, "unknown field", fmt.Errorf("field %d", num))
			}
		}
	}
	return p, nil
}

func decodeMetric(raw []byte) (*Metric, error) {
	m := &Metric{Properties: map[string]Property{}}
	b := raw
	var rawValueType DataType

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errs.New(errs.KindMalformedPayload, "metric tag", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
		}
		b = b[n:]

		switch num {
		case fieldMetricName:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "metric name", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			m.Name = v
			m.HasName = v != ""
			b = b[n:]
		case fieldMetricAlias:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "metric alias", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			m.Alias = v
			m.HasAlias = true
			b = b[n:]
		case fieldMetricTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "metric timestamp", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			m.Timestamp = msToTime(v)
			b = b[n:]
		case fieldMetricDatatype:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "metric datatype", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			m.Datatype = DataType(v)
			rawValueType = m.Datatype
			b = b[n:]
		case fieldMetricProperties:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "metric properties", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			props, skipped, err := decodePropertySet(v)
			if err != nil {
				return nil, err
			}
			m.Properties = props
			m.SkippedProperties = append(m.SkippedProperties, skipped...)
			b = b[n:]
		case fieldMetricIntValue:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "int value", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			_ = v
			b = b[n:]
		case fieldMetricLongValue:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "long value", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			_ = v
			b = b[n:]
		case fieldMetricFloatValue:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "float value", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			_ = v
			b = b[n:]
		case fieldMetricDoubleValue:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "double value", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			_ = v
			b = b[n:]
		case fieldMetricBooleanValue:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "bool value", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			_ = v
			b = b[n:]
		case fieldMetricStringValue:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "string value", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			_ = v
			b = b[n:]
		case fieldMetricDatasetValue:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errs.New(errs.KindMalformedPayload, "dataset value", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			ds, err := decodeDataSet(v)
			if err != nil {
				return nil, err
			}
			m.IsDataset = true
			m.Dataset = ds
			b = b[n:]
		default:
			var ok bool
			b, ok = skipField(b, typ)
			if !ok {
				return nil, errs.New(errs.KindMalformedPayload, "metric unknown field", fmt.Errorf("field %d", num))
			}
		}
	}

	_ = rawValueType
	return m, nil
}

func decodePropertySet(raw []byte) (map[string]Property, []string, error) {
	var keys []string
	var values [][]byte
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, nil, errs.New(errs.KindMalformedPayload, "propertyset tag", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
		}
		b = b[n:]
		switch num {
		case fieldPropertySetKeys:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, nil, errs.New(errs.KindMalformedPayload, "propertyset key", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			keys = append(keys, v)
			b = b[n:]
		case fieldPropertySetValues:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, nil, errs.New(errs.KindMalformedPayload, "propertyset value", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			values = append(values, append([]byte(nil), v...))
			b = b[n:]
		default:
			var ok bool
			b, ok = skipField(b, typ)
			if !ok {
				return nil, nil, errs.New(errs.KindMalformedPayload, "propertyset unknown field", fmt.Errorf("field %d", num))
			}
		}
	}

	out := map[string]Property{}
	var skipped []string
	for i, k := range keys {
		if i >= len(values) {
			break
		}
		pv, skip, err := decodePropertyValue(values[i])
		if err != nil {
			return nil, nil, err
		}
		if skip {
			skipped = append(skipped, k)
			continue
		}
		out[k] = pv
	}
	return out, skipped, nil
}

// decodePropertyValue decodes one PropertyValue message. skip is true
// when the declared type is outside the set this pipeline persists
// (UnsupportedDatatype): the caller drops the property but keeps the
// metric, per §4.1.
func decodePropertyValue(raw []byte) (Property, bool, error) {
	var dt DataType
	var pv Property
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Property{}, false, errs.New(errs.KindMalformedPayload, "propertyvalue tag", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
		}
		b = b[n:]
		switch num {
		case fieldPropertyValueType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Property{}, false, errs.New(errs.KindMalformedPayload, "propertyvalue type", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			dt = DataType(v)
			b = b[n:]
		case fieldPropertyValueIntValue:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Property{}, false, errs.New(errs.KindMalformedPayload, "propertyvalue int", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			pv.IntValue = int64(int32(v))
			b = b[n:]
		case fieldPropertyValueLongValue:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Property{}, false, errs.New(errs.KindMalformedPayload, "propertyvalue long", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			pv.IntValue = int64(v)
			b = b[n:]
		case fieldPropertyValueFloatValue:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return Property{}, false, errs.New(errs.KindMalformedPayload, "propertyvalue float", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			pv.FloatValue = math.Float32frombits(v)
			b = b[n:]
		case fieldPropertyValueDoubleValue:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Property{}, false, errs.New(errs.KindMalformedPayload, "propertyvalue double", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			pv.DoubleValue = math.Float64frombits(v)
			b = b[n:]
		case fieldPropertyValueBooleanValue:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Property{}, false, errs.New(errs.KindMalformedPayload, "propertyvalue bool", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			pv.BoolValue = v != 0
			b = b[n:]
		case fieldPropertyValueStringValue:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Property{}, false, errs.New(errs.KindMalformedPayload, "propertyvalue string", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			pv.StringValue = v
			b = b[n:]
		default:
			var ok bool
			b, ok = skipField(b, typ)
			if !ok {
				return Property{}, false, errs.New(errs.KindMalformedPayload, "propertyvalue unknown field", fmt.Errorf("field %d", num))
			}
		}
	}

	propType, ok := propTypeFor(dt)
	if !ok {
		return Property{}, true, nil
	}
	pv.Type = propType

	switch propType {
	case PropInt:
		// already in pv.IntValue from int_value/long_value field above
	case PropLong:
		// already in pv.IntValue
	}
	return pv, false, nil
}

func decodeDataSet(raw []byte) (FlattenedDataset, error) {
	var ds FlattenedDataset
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ds, errs.New(errs.KindMalformedPayload, "dataset tag", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
		}
		b = b[n:]
		switch num {
		case fieldDataSetColumns:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return ds, errs.New(errs.KindMalformedPayload, "dataset column", fmt.Errorf("protowire: %w", protowire.ParseError(n)))
			}
			ds.Columns = append(ds.Columns, v)
			b = b[n:]
		default:
			var ok bool
			b, ok = skipField(b, typ)
			if !ok {
				return ds, errs.New(errs.KindMalformedPayload, "dataset unknown field", fmt.Errorf("field %d", num))
			}
		}
	}
	return ds, nil
}

// skipField advances past one field's value given its wire type,
// returning ok=false if the wire type is not one this parser handles
// (group types are not part of proto3 and are treated as malformed).
func skipField(b []byte, typ protowire.Type) ([]byte, bool) {
	n := protowire.ConsumeFieldValue(0, typ, b)
	if n < 0 {
		return b, false
	}
	return b[n:], true
}

func msToTime(ms uint64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}
