package sparkplug

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// DecodeFrame is the package's single entry point: it accepts the raw
// MQTT message body, transparently unwraps the gzip/zlib compression
// envelope if present, and returns the decoded Payload.
func DecodeFrame(raw []byte) (*Payload, error) {
	uuid, body, algorithmMetric, compressed := peekEnvelope(raw)
	if compressed || IsCompressedWrapper(uuid, body, algorithmMetric) {
		inner, err := UnwrapIfCompressed(body)
		if err != nil {
			return nil, err
		}
		return Decode(inner)
	}
	return Decode(raw)
}

// peekEnvelope does a shallow scan for the outer uuid(4)/body(5) fields
// and, as a secondary signal, a top-level metric named "algorithm" with
// a string value — both are how real producers mark a compressed frame.
func peekEnvelope(raw []byte) (uuid string, body []byte, algorithmMetric string, sawBody bool) {
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, "", false
		}
		b = b[n:]
		switch num {
		case fieldPayloadUUID:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, "", false
			}
			uuid = v
			b = b[n:]
		case fieldPayloadBody:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, "", false
			}
			body = append([]byte(nil), v...)
			sawBody = true
			b = b[n:]
		case fieldPayloadMetrics:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, "", false
			}
			if name, val := peekAlgorithmMetric(v); name == "algorithm" {
				algorithmMetric = val
			}
			b = b[n:]
		default:
			var ok bool
			b, ok = skipField(b, typ)
			if !ok {
				return "", nil, "", false
			}
		}
	}
	return uuid, body, algorithmMetric, sawBody
}

func peekAlgorithmMetric(raw []byte) (name, stringValue string) {
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", ""
		}
		b = b[n:]
		switch num {
		case fieldMetricName:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", ""
			}
			name = v
			b = b[n:]
		case fieldMetricStringValue:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", ""
			}
			stringValue = v
			b = b[n:]
		default:
			var ok bool
			b, ok = skipField(b, typ)
			if !ok {
				return "", ""
			}
		}
	}
	return name, stringValue
}
