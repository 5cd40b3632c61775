package sparkplug

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeRebirthCommand builds the body of an NCMD/DCMD frame carrying a
// single "Node Control/Rebirth" = true metric, the conventional Sparkplug
// B mechanism for asking an edge node to re-announce its full metric set
// after this pipeline sees an alias it cannot resolve. Encoded against
// the same field numbers decode.go reads, so Decode reads the frame back
// as one metric with the same name, timestamp and datatype; Decode does
// not keep the metric's boolean value.
func EncodeRebirthCommand(at time.Time) []byte {
	metric := encodeRebirthMetric(at)

	var out []byte
	out = protowire.AppendTag(out, fieldPayloadTimestamp, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(at.UnixMilli()))
	out = protowire.AppendTag(out, fieldPayloadMetrics, protowire.BytesType)
	out = protowire.AppendBytes(out, metric)
	return out
}

func encodeRebirthMetric(at time.Time) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldMetricName, protowire.BytesType)
	out = protowire.AppendString(out, "Node Control/Rebirth")
	out = protowire.AppendTag(out, fieldMetricTimestamp, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(at.UnixMilli()))
	out = protowire.AppendTag(out, fieldMetricDatatype, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(DataTypeBoolean))
	out = protowire.AppendTag(out, fieldMetricBooleanValue, protowire.VarintType)
	out = protowire.AppendVarint(out, 1)
	return out
}
