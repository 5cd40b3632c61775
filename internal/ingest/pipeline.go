package ingest

import (
	"context"
	"strconv"
	"strings"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/identity"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/metrics"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/planner"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/repository"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/sparkplug"
)

// Repository is the subset of *repository.Repository the pipeline needs;
// narrowed to an interface so tests can exercise it against a fake.
type Repository interface {
	SnapshotDevice(ctx context.Context, groupID, edge, device string) (*model.Device, error)
	SnapshotMetric(ctx context.Context, deviceKey int64, name string) (*model.Metric, map[string]model.MetricProperty, error)
	ApplyPlan(ctx context.Context, plan planner.Plan, naturalKey repository.DeviceNaturalKey, changedBy string) (repository.Outcome, error)
	ApplyBulk(ctx context.Context, items []repository.BulkItem, changedBy string) error
}

// FallbackClassification is the process-wide (country, business_unit,
// plant) tuple consulted when a frame carries none of its own.
type FallbackClassification struct {
	Country      string
	BusinessUnit string
	Plant        string
}

// Dependencies bundles everything Pipeline.Process needs from the rest
// of the system: the alias cache (C2), the repository (C5), and the
// identity/classification settings (C3).
type Dependencies struct {
	Aliases         *sparkplug.AliasCache
	Repo            Repository
	IncludeChecksum bool
	Fallback        FallbackClassification
}

// Pipeline decodes one raw MQTT message at a time and drives it through
// alias resolution, path normalization, planning, and persistence. It
// has no concurrency of its own: Run consumes messages off the MQTT
// client's channel sequentially, matching this release's at-most-once,
// single-consumer delivery model.
type Pipeline struct {
	deps Dependencies
}

func NewPipeline(deps Dependencies) *Pipeline {
	return &Pipeline{deps: deps}
}

// Run drains messages until the channel closes or ctx is cancelled,
// processing each and logging (never panicking on) per-message errors
// so one malformed frame never stalls the stream.
func (p *Pipeline) Run(ctx context.Context, messages <-chan rawMessage) {
	log := logger.For(logger.ComponentIngest)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := p.Process(ctx, msg.topic, msg.payload); err != nil {
				log.Warnw("dropping frame", "topic", msg.topic, "error", err)
			}
		}
	}
}

// resolvedMetric pairs a decoded metric with the name C2 resolved it to.
type resolvedMetric struct {
	metric      sparkplug.Metric
	name        string
	placeholder bool
}

// Process decodes one raw MQTT message and applies it, end to end. It
// returns an error only for conditions worth logging (malformed frame,
// unresolvable path); per §7's UnknownMessageType/UnknownAlias policies
// it otherwise returns nil and simply skips what it cannot act on.
func (p *Pipeline) Process(ctx context.Context, topic string, rawPayload []byte) error {
	info, err := sparkplug.ParseTopic(topic)
	if err != nil {
		metrics.IngestFramesTotal.WithLabelValues("unknown", "malformed_topic").Inc()
		return err
	}
	if !info.MessageType.IsKnown() {
		metrics.IngestFramesTotal.WithLabelValues(string(info.MessageType), "unknown_message_type").Inc()
		return nil
	}
	if info.MessageType == sparkplug.MessageTypeDDEATH || info.MessageType == sparkplug.MessageTypeNDEATH {
		metrics.IngestFramesTotal.WithLabelValues(string(info.MessageType), "death").Inc()
		logger.For(logger.ComponentIngest).Infow("device/node death", "group", info.Group, "edge", info.Edge, "device", info.Device)
		return nil
	}

	payload, err := sparkplug.DecodeFrame(rawPayload)
	if err != nil {
		metrics.IngestFramesTotal.WithLabelValues(string(info.MessageType), "malformed_payload").Inc()
		return err
	}

	isBirth := info.MessageType.IsBirth()
	if isBirth {
		for _, m := range payload.Metrics {
			if m.HasAlias && m.HasName {
				p.deps.Aliases.Populate(info.Group, info.Edge, info.Device, m.Alias, m.Name)
			}
		}
	}

	resolved := make([]resolvedMetric, 0, len(payload.Metrics))
	for _, m := range payload.Metrics {
		switch {
		case m.HasName:
			resolved = append(resolved, resolvedMetric{metric: m, name: m.Name})
		case m.HasAlias:
			name := p.deps.Aliases.ResolveOrPlaceholder(info.Group, info.Edge, info.Device, m.Alias)
			placeholder := strings.HasPrefix(name, "alias:")
			if placeholder {
				metrics.RebirthRequestsTotal.Inc()
			}
			resolved = append(resolved, resolvedMetric{metric: m, name: name, placeholder: placeholder})
		default:
			// Neither a name nor an alias: nothing to address this by.
		}
	}

	country, businessUnit, plant := p.classify(resolved)
	if country == "" || businessUnit == "" || plant == "" {
		logger.For(logger.ComponentIngest).Warnw("missing classification dimension, skipping persistence",
			"group", info.Group, "edge", info.Edge, "device", info.Device)
		metrics.IngestFramesTotal.WithLabelValues(string(info.MessageType), "missing_classification").Inc()
		return nil
	}

	deviceUNSPath, err := identity.NormalizeDevice(info.Group, country, businessUnit, plant, info.Edge, info.Device)
	if err != nil {
		metrics.IngestFramesTotal.WithLabelValues(string(info.MessageType), "invalid_path").Inc()
		return err
	}

	naturalKey := repository.DeviceNaturalKey{GroupID: info.Group, Edge: info.Edge, Device: info.Device}
	deviceInput := planner.DeviceInput{
		GroupID: info.Group, Country: country, BusinessUnit: businessUnit, Plant: plant,
		Edge: info.Edge, DeviceName: info.Device, UNSPath: deviceUNSPath,
	}

	if isBirth {
		return p.applyBirth(ctx, naturalKey, deviceInput, deviceUNSPath, resolved)
	}
	return p.applyData(ctx, naturalKey, deviceInput, deviceUNSPath, resolved)
}

// classify scans the frame's resolved, non-placeholder metrics for the
// "country"/"business_unit"/"plant" dimension properties, falling back
// to the process-wide configuration when the frame carries none.
// Grounded on original_source's _extract_dimension, adapted to this
// pipeline's property-only decode (which never retains a metric's own
// scalar value, only its properties).
func (p *Pipeline) classify(resolved []resolvedMetric) (country, businessUnit, plant string) {
	country = p.deps.Fallback.Country
	businessUnit = p.deps.Fallback.BusinessUnit
	plant = p.deps.Fallback.Plant

	for _, rm := range resolved {
		if rm.placeholder {
			continue
		}
		for key, prop := range rm.metric.Properties {
			switch strings.ToLower(key) {
			case "country":
				if v := propertyString(prop); v != "" {
					country = v
				}
			case "business_unit", "businessunit":
				if v := propertyString(prop); v != "" {
					businessUnit = v
				}
			case "plant":
				if v := propertyString(prop); v != "" {
					plant = v
				}
			}
		}
	}
	return strings.TrimSpace(country), strings.TrimSpace(businessUnit), strings.TrimSpace(plant)
}

func propertyString(p sparkplug.Property) string {
	switch p.Type {
	case sparkplug.PropString:
		return p.StringValue
	case sparkplug.PropBoolean:
		return strconv.FormatBool(p.BoolValue)
	case sparkplug.PropInt, sparkplug.PropLong:
		return strconv.FormatInt(p.IntValue, 10)
	case sparkplug.PropFloat:
		return strconv.FormatFloat(float64(p.FloatValue), 'f', -1, 32)
	case sparkplug.PropDouble:
		return strconv.FormatFloat(p.DoubleValue, 'f', -1, 64)
	default:
		return ""
	}
}

// applyBirth stages every named metric from a birth frame through the
// repository's set-based bulk path (C5's high-fan-out path), since a
// single NBIRTH/DBIRTH can carry thousands of metrics. Placeholder
// (unresolved-alias) metrics are skipped entirely per §7's UnknownAlias
// policy: no DB write for a name we cannot yet trust.
func (p *Pipeline) applyBirth(ctx context.Context, naturalKey repository.DeviceNaturalKey, deviceInput planner.DeviceInput, deviceUNSPath string, resolved []resolvedMetric) error {
	current, err := p.deps.Repo.SnapshotDevice(ctx, naturalKey.GroupID, naturalKey.Edge, naturalKey.Device)
	if err != nil {
		return err
	}
	devicePlan := planner.PlanDevice(current, deviceInput)

	items := make([]repository.BulkItem, 0, len(resolved))
	for _, rm := range resolved {
		if rm.placeholder {
			metrics.IngestFramesTotal.WithLabelValues("DBIRTH", "placeholder_skipped").Inc()
			continue
		}
		metricUNSPath, err := identity.NormalizeMetric(deviceUNSPath, rm.name)
		if err != nil {
			logger.For(logger.ComponentIngest).Warnw("invalid metric path, skipping metric", "name", rm.name, "error", err)
			continue
		}
		datatype, ok := sparkplugPropType(rm.metric.Datatype)
		if !ok {
			metrics.IngestFramesTotal.WithLabelValues("DBIRTH", "unsupported_datatype").Inc()
			continue
		}

		metricPlan := planner.MetricPlan{Op: planner.MetricInsert, Fields: planner.MetricInput{
			Name: rm.name, UNSPath: metricUNSPath, Datatype: string(datatype),
		}}
		logSkippedProperties(rm.name, rm.metric.SkippedProperties)
		properties := propertiesToValues(rm.metric.Properties)
		propertyPlans, _ := planner.PlanProperties(nil, properties, true)

		items = append(items, repository.BulkItem{
			Device: naturalKey, DevicePlan: devicePlan, MetricPlan: metricPlan, Properties: propertyPlans,
		})
	}
	if len(items) == 0 {
		return nil
	}
	return p.deps.Repo.ApplyBulk(ctx, items, "ingest:birth")
}

// applyData applies each named metric from a data frame through the
// per-row path, which additionally records a metric_versions diff —
// the audit trail a birth's bulk path intentionally does not produce.
func (p *Pipeline) applyData(ctx context.Context, naturalKey repository.DeviceNaturalKey, deviceInput planner.DeviceInput, deviceUNSPath string, resolved []resolvedMetric) error {
	current, err := p.deps.Repo.SnapshotDevice(ctx, naturalKey.GroupID, naturalKey.Edge, naturalKey.Device)
	if err != nil {
		return err
	}
	devicePlan := planner.PlanDevice(current, deviceInput)

	var deviceKey int64
	if current != nil {
		deviceKey = current.DeviceKey
	}

	for _, rm := range resolved {
		if rm.placeholder {
			metrics.IngestFramesTotal.WithLabelValues("DDATA", "placeholder_skipped").Inc()
			continue
		}
		metricUNSPath, err := identity.NormalizeMetric(deviceUNSPath, rm.name)
		if err != nil {
			logger.For(logger.ComponentIngest).Warnw("invalid metric path, skipping metric", "name", rm.name, "error", err)
			continue
		}
		datatype, ok := sparkplugPropType(rm.metric.Datatype)
		if !ok {
			metrics.IngestFramesTotal.WithLabelValues("DDATA", "unsupported_datatype").Inc()
			continue
		}

		var currentMetric *model.Metric
		var currentProps map[string]model.MetricProperty
		if deviceKey != 0 {
			currentMetric, currentProps, err = p.deps.Repo.SnapshotMetric(ctx, deviceKey, rm.name)
			if err != nil {
				return err
			}
		}

		metricPlan := planner.PlanMetric(currentMetric, planner.MetricInput{Name: rm.name, UNSPath: metricUNSPath, Datatype: string(datatype)})
		logSkippedProperties(rm.name, rm.metric.SkippedProperties)
		properties := propertiesToValues(rm.metric.Properties)
		propertyPlans, propertyDiff := planner.PlanProperties(currentProps, properties, false)
		plan := planner.BuildPlan(devicePlan, metricPlan, propertyPlans, propertyDiff)

		if _, err := p.deps.Repo.ApplyPlan(ctx, plan, naturalKey, "ingest:data"); err != nil {
			return err
		}
		metrics.IngestFramesTotal.WithLabelValues("DDATA", "applied").Inc()
	}
	return nil
}

func sparkplugPropType(dt sparkplug.DataType) (sparkplug.PropType, bool) {
	switch dt {
	case sparkplug.DataTypeInt8, sparkplug.DataTypeInt16, sparkplug.DataTypeInt32,
		sparkplug.DataTypeUInt8, sparkplug.DataTypeUInt16, sparkplug.DataTypeUInt32:
		return sparkplug.PropInt, true
	case sparkplug.DataTypeInt64, sparkplug.DataTypeUInt64:
		return sparkplug.PropLong, true
	case sparkplug.DataTypeFloat:
		return sparkplug.PropFloat, true
	case sparkplug.DataTypeDouble:
		return sparkplug.PropDouble, true
	case sparkplug.DataTypeString, sparkplug.DataTypeText, sparkplug.DataTypeUUID, sparkplug.DataTypeDateTime:
		return sparkplug.PropString, true
	case sparkplug.DataTypeBoolean:
		return sparkplug.PropBoolean, true
	default:
		return "", false
	}
}

// propertiesToValues converts decoded Sparkplug properties into the
// repository's typed PropertyValue map. decode.go has already dropped
// (and named, via Metric.SkippedProperties) any property whose declared
// type falls outside the persisted set, so every entry here is known-good.
func propertiesToValues(props map[string]sparkplug.Property) map[string]model.PropertyValue {
	out := make(map[string]model.PropertyValue, len(props))
	for key, prop := range props {
		v, ok := toPropertyValue(prop)
		if !ok {
			continue
		}
		out[key] = v
	}
	return out
}

// logSkippedProperties reports properties decode.go dropped for having an
// unsupported declared datatype — UnsupportedDatatype per §4.1 — now that
// the caller knows the metric name that owns them.
func logSkippedProperties(metricName string, skipped []string) {
	for _, key := range skipped {
		logger.For(logger.ComponentSparkplug).Warnw("unsupported property datatype, skipping property",
			"metric", metricName, "property", key)
	}
}

func toPropertyValue(p sparkplug.Property) (model.PropertyValue, bool) {
	switch p.Type {
	case sparkplug.PropInt:
		return model.PropertyValue{Type: model.PropertyInt, IntValue: p.IntValue}, true
	case sparkplug.PropLong:
		return model.PropertyValue{Type: model.PropertyLong, LongValue: p.IntValue}, true
	case sparkplug.PropFloat:
		return model.PropertyValue{Type: model.PropertyFloat, FloatValue: p.FloatValue}, true
	case sparkplug.PropDouble:
		return model.PropertyValue{Type: model.PropertyDouble, DoubleValue: p.DoubleValue}, true
	case sparkplug.PropString:
		return model.PropertyValue{Type: model.PropertyString, StringValue: p.StringValue}, true
	case sparkplug.PropBoolean:
		return model.PropertyValue{Type: model.PropertyBoolean, BoolValue: p.BoolValue}, true
	default:
		return model.PropertyValue{}, false
	}
}
