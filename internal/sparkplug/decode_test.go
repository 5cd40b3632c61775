package sparkplug

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// encodePropertyValue builds a wire-format PropertyValue message for a
// single scalar, mirroring the subset of the Sparkplug B schema this
// package understands.
func encodePropertyValue(dt DataType, intVal int64, floatVal float32, doubleVal float64, strVal string, boolVal bool, isFloat, isDouble, isBool, isString, isLong bool) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPropertyValueType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(dt))

	switch {
	case isFloat:
		b = protowire.AppendTag(b, fieldPropertyValueFloatValue, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(floatVal))
	case isDouble:
		b = protowire.AppendTag(b, fieldPropertyValueDoubleValue, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(doubleVal))
	case isBool:
		b = protowire.AppendTag(b, fieldPropertyValueBooleanValue, protowire.VarintType)
		v := uint64(0)
		if boolVal {
			v = 1
		}
		b = protowire.AppendVarint(b, v)
	case isString:
		b = protowire.AppendTag(b, fieldPropertyValueStringValue, protowire.BytesType)
		b = protowire.AppendString(b, strVal)
	case isLong:
		b = protowire.AppendTag(b, fieldPropertyValueLongValue, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(intVal))
	default:
		b = protowire.AppendTag(b, fieldPropertyValueIntValue, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(intVal))
	}
	return b
}

func encodePropertySet(keys []string, values [][]byte) []byte {
	var b []byte
	for i, k := range keys {
		b = protowire.AppendTag(b, fieldPropertySetKeys, protowire.BytesType)
		b = protowire.AppendString(b, k)
		b = protowire.AppendTag(b, fieldPropertySetValues, protowire.BytesType)
		b = protowire.AppendBytes(b, values[i])
	}
	return b
}

func encodeMetric(name string, hasAlias bool, alias uint64, dt DataType, props []byte) []byte {
	var b []byte
	if name != "" {
		b = protowire.AppendTag(b, fieldMetricName, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	if hasAlias {
		b = protowire.AppendTag(b, fieldMetricAlias, protowire.VarintType)
		b = protowire.AppendVarint(b, alias)
	}
	b = protowire.AppendTag(b, fieldMetricDatatype, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(dt))
	if props != nil {
		b = protowire.AppendTag(b, fieldMetricProperties, protowire.BytesType)
		b = protowire.AppendBytes(b, props)
	}
	return b
}

func encodePayload(metrics [][]byte) []byte {
	var b []byte
	for _, m := range metrics {
		b = protowire.AppendTag(b, fieldPayloadMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

var _ = Describe("Decode", func() {
	It("decodes a metric with string and int properties, preserving declared types", func() {
		engUnit := encodePropertyValue(DataTypeString, 0, 0, 0, "°C", false, false, false, false, true, false)
		displayHigh := encodePropertyValue(DataTypeInt32, 1800, 0, 0, "", false, false, false, false, false, false)
		props := encodePropertySet([]string{"engUnit", "displayHigh"}, [][]byte{engUnit, displayHigh})
		metric := encodeMetric("Temperature/PV", false, 0, DataTypeFloat, props)
		raw := encodePayload([][]byte{metric})

		p, err := Decode(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Metrics).To(HaveLen(1))

		m := p.Metrics[0]
		Expect(m.Name).To(Equal("Temperature/PV"))
		Expect(m.Properties).To(HaveLen(2))
		Expect(m.Properties["engUnit"].Type).To(Equal(PropString))
		Expect(m.Properties["engUnit"].StringValue).To(Equal("°C"))
		Expect(m.Properties["displayHigh"].Type).To(Equal(PropInt))
		Expect(m.Properties["displayHigh"].IntValue).To(Equal(int64(1800)))
	})

	It("marks a metric unresolved when it carries only an alias", func() {
		metric := encodeMetric("", true, 17, DataTypeFloat, nil)
		raw := encodePayload([][]byte{metric})

		p, err := Decode(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Metrics[0].HasName).To(BeFalse())
		Expect(p.Metrics[0].HasAlias).To(BeTrue())
		Expect(p.Metrics[0].Alias).To(Equal(uint64(17)))
	})

	It("drops a property with an unsupported datatype but keeps the metric", func() {
		badProp := encodePropertyValue(DataTypeFile, 0, 0, 0, "", false, false, false, false, false, false)
		props := encodePropertySet([]string{"blob"}, [][]byte{badProp})
		metric := encodeMetric("Some/Metric", false, 0, DataTypeFloat, props)
		raw := encodePayload([][]byte{metric})

		p, err := Decode(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Metrics).To(HaveLen(1))
		Expect(p.Metrics[0].Properties).To(BeEmpty())
		Expect(p.Metrics[0].SkippedProperties).To(Equal([]string{"blob"}))
	})

	It("returns a malformed payload error on truncated bytes", func() {
		_, err := Decode([]byte{0xFF})
		Expect(err).To(HaveOccurred())
	})

	It("round-trips through the gzip compression wrapper", func() {
		metric := encodeMetric("Temperature/PV", false, 0, DataTypeFloat, nil)
		inner := encodePayload([][]byte{metric})

		compressed := gzipBytes(inner)
		var outer []byte
		outer = protowire.AppendTag(outer, fieldPayloadUUID, protowire.BytesType)
		outer = protowire.AppendString(outer, "SPBV1.0_COMPRESSED")
		outer = protowire.AppendTag(outer, fieldPayloadBody, protowire.BytesType)
		outer = protowire.AppendBytes(outer, compressed)

		p, err := DecodeFrame(outer)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Metrics).To(HaveLen(1))
		Expect(p.Metrics[0].Name).To(Equal("Temperature/PV"))
	})
})
