package sparkplug

import (
	"strings"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
)

// MessageType enumerates the Sparkplug B message kinds this pipeline
// distinguishes; everything else is UnknownMessageType and dropped.
type MessageType string

const (
	MessageTypeDBIRTH MessageType = "DBIRTH"
	MessageTypeNBIRTH MessageType = "NBIRTH"
	MessageTypeDDATA   MessageType = "DDATA"
	MessageTypeNDATA   MessageType = "NDATA"
	MessageTypeDDEATH  MessageType = "DDEATH"
	MessageTypeNDEATH  MessageType = "NDEATH"
)

// TopicInfo is the parsed shape of an spBv1.0 topic:
// spBv1.0/<Group>/<MessageType>/<Edge>[/<Device>].
type TopicInfo struct {
	Group       string
	MessageType MessageType
	Edge        string
	Device      string // empty for node-scoped (N*) messages
}

// DeviceKey returns the (group, edge, device) tuple joined with '/'.
// For node-scoped messages Device is empty and the key degrades to node
// scope.
func (t TopicInfo) DeviceKey() string {
	return t.Group + "/" + t.Edge + "/" + t.Device
}

// NodeKey returns the (group, edge) key Sparkplug sequence-number
// tracking operates at — sequence numbers are a node-scoped property,
// not a device-scoped one.
func (t TopicInfo) NodeKey() string {
	if t.Group == "" || t.Edge == "" {
		return ""
	}
	return t.Group + "/" + t.Edge
}

// ParseTopic parses an spBv1.0/<Group>/<MessageType>/<Edge>/<Device>
// topic. Node-scoped topics (NBIRTH/NDATA/NDEATH) have no trailing
// device segment.
func ParseTopic(topic string) (TopicInfo, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != "spBv1.0" {
		return TopicInfo{}, errs.New(errs.KindMalformedPayload, "topic", nil)
	}

	info := TopicInfo{
		Group:       parts[1],
		MessageType: MessageType(parts[2]),
		Edge:        parts[3],
	}
	if len(parts) >= 5 {
		info.Device = parts[4]
	}
	if info.Group == "" || info.Edge == "" {
		return TopicInfo{}, errs.New(errs.KindMalformedPayload, "topic segments", nil)
	}
	return info, nil
}

// IsBirth reports whether the message type is one this pipeline treats
// as an authoritative full metric set (DBIRTH/NBIRTH).
func (m MessageType) IsBirth() bool {
	return m == MessageTypeDBIRTH || m == MessageTypeNBIRTH
}

// IsKnown reports whether the message type is one the decoder recognizes
// at all, versus UnknownMessageType (silently dropped per §4.1).
func (m MessageType) IsKnown() bool {
	switch m {
	case MessageTypeDBIRTH, MessageTypeNBIRTH, MessageTypeDDATA, MessageTypeNDATA, MessageTypeDDEATH, MessageTypeNDEATH:
		return true
	default:
		return false
	}
}
