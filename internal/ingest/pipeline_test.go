package ingest

import (
	"context"

	"google.golang.org/protobuf/encoding/protowire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/planner"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/repository"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/sparkplug"
)

// The helpers below hand-encode minimal Sparkplug B frames using the
// public org.eclipse.tahu field numbers (the same ones sparkplug.Decode
// reads), since that package's own test helpers are unexported.

const (
	fieldMetricName       = 1
	fieldMetricAlias      = 2
	fieldMetricDatatype   = 4
	fieldMetricProperties = 9

	fieldPropertySetKeys   = 1
	fieldPropertySetValues = 2

	fieldPropertyValueType        = 1
	fieldPropertyValueStringValue = 8

	dataTypeString = 12

	fieldPayloadMetrics = 2
)

func buildStringProperty(value string) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPropertyValueType, protowire.VarintType)
	b = protowire.AppendVarint(b, dataTypeString)
	b = protowire.AppendTag(b, fieldPropertyValueStringValue, protowire.BytesType)
	b = protowire.AppendString(b, value)
	return b
}

func buildPropertySet(props map[string]string) []byte {
	var b []byte
	for k, v := range props {
		b = protowire.AppendTag(b, fieldPropertySetKeys, protowire.BytesType)
		b = protowire.AppendString(b, k)
		b = protowire.AppendTag(b, fieldPropertySetValues, protowire.BytesType)
		b = protowire.AppendBytes(b, buildStringProperty(v))
	}
	return b
}

type metricSpec struct {
	name     string
	alias    uint64
	hasAlias bool
	datatype uint64
	props    map[string]string
}

func buildMetric(spec metricSpec) []byte {
	var b []byte
	if spec.name != "" {
		b = protowire.AppendTag(b, fieldMetricName, protowire.BytesType)
		b = protowire.AppendString(b, spec.name)
	}
	if spec.hasAlias {
		b = protowire.AppendTag(b, fieldMetricAlias, protowire.VarintType)
		b = protowire.AppendVarint(b, spec.alias)
	}
	b = protowire.AppendTag(b, fieldMetricDatatype, protowire.VarintType)
	b = protowire.AppendVarint(b, spec.datatype)
	if len(spec.props) > 0 {
		b = protowire.AppendTag(b, fieldMetricProperties, protowire.BytesType)
		b = protowire.AppendBytes(b, buildPropertySet(spec.props))
	}
	return b
}

func buildPayload(metrics ...metricSpec) []byte {
	var b []byte
	for _, m := range metrics {
		b = protowire.AppendTag(b, fieldPayloadMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, buildMetric(m))
	}
	return b
}

const dataTypeFloat = 9

type fakeRepo struct {
	device     *model.Device
	metrics    map[string]*model.Metric
	props      map[string]map[string]model.MetricProperty
	bulkItems  []repository.BulkItem
	appliedPlans []planner.Plan
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{metrics: map[string]*model.Metric{}, props: map[string]map[string]model.MetricProperty{}}
}

func (r *fakeRepo) SnapshotDevice(ctx context.Context, groupID, edge, device string) (*model.Device, error) {
	return r.device, nil
}

func (r *fakeRepo) SnapshotMetric(ctx context.Context, deviceKey int64, name string) (*model.Metric, map[string]model.MetricProperty, error) {
	return r.metrics[name], r.props[name], nil
}

func (r *fakeRepo) ApplyPlan(ctx context.Context, plan planner.Plan, naturalKey repository.DeviceNaturalKey, changedBy string) (repository.Outcome, error) {
	r.appliedPlans = append(r.appliedPlans, plan)
	return repository.Outcome{}, nil
}

func (r *fakeRepo) ApplyBulk(ctx context.Context, items []repository.BulkItem, changedBy string) error {
	r.bulkItems = append(r.bulkItems, items...)
	return nil
}

var _ = Describe("Pipeline.Process", func() {
	var (
		ctx    context.Context
		repo   *fakeRepo
		aliases *sparkplug.AliasCache
		pipe   *Pipeline
	)

	BeforeEach(func() {
		ctx = context.Background()
		repo = newFakeRepo()
		aliases = sparkplug.NewAliasCache("", 0, nil)
		pipe = NewPipeline(Dependencies{Aliases: aliases, Repo: repo, IncludeChecksum: false})
	})

	It("persists a birth frame's named metric via the bulk path", func() {
		payload := buildPayload(metricSpec{
			name: "Temperature/PV", datatype: dataTypeFloat,
			props: map[string]string{"country": "TR", "business_unit": "BU1", "plant": "P1", "engUnit": "degC"},
		})

		err := pipe.Process(ctx, "spBv1.0/Secil/DBIRTH/EdgeA/DeviceA", payload)
		Expect(err).NotTo(HaveOccurred())

		Expect(repo.bulkItems).To(HaveLen(1))
		Expect(repo.bulkItems[0].MetricPlan.Fields.UNSPath).To(Equal("Secil/TR/BU1/P1/EdgeA/DeviceA/Temperature/PV"))
		Expect(repo.bulkItems[0].Device).To(Equal(repository.DeviceNaturalKey{GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA"}))
	})

	It("skips persistence when no classification dimension is present anywhere", func() {
		payload := buildPayload(metricSpec{name: "Temperature/PV", datatype: dataTypeFloat})

		err := pipe.Process(ctx, "spBv1.0/Secil/DBIRTH/EdgeA/DeviceA", payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.bulkItems).To(BeEmpty())
	})

	It("resolves an alias populated by an earlier birth when a later data frame references it", func() {
		birth := buildPayload(metricSpec{
			name: "Speed", alias: 7, hasAlias: true, datatype: dataTypeFloat,
			props: map[string]string{"country": "TR", "business_unit": "BU1", "plant": "P1"},
		})
		Expect(pipe.Process(ctx, "spBv1.0/Secil/DBIRTH/EdgeA/DeviceA", birth)).To(Succeed())
		Expect(repo.bulkItems).To(HaveLen(1))

		pipe.deps.Fallback = FallbackClassification{Country: "TR", BusinessUnit: "BU1", Plant: "P1"}
		data := buildPayload(metricSpec{alias: 7, hasAlias: true, datatype: dataTypeFloat})
		Expect(pipe.Process(ctx, "spBv1.0/Secil/DDATA/EdgeA/DeviceA", data)).To(Succeed())

		Expect(repo.appliedPlans).To(HaveLen(1))
		Expect(repo.appliedPlans[0].Metric.Fields.Name).To(Equal("Speed"))
	})

	It("skips an unresolved alias without writing to the repository", func() {
		pipe.deps.Fallback = FallbackClassification{Country: "TR", BusinessUnit: "BU1", Plant: "P1"}
		data := buildPayload(metricSpec{alias: 99, hasAlias: true, datatype: dataTypeFloat})

		Expect(pipe.Process(ctx, "spBv1.0/Secil/DDATA/EdgeA/DeviceA", data)).To(Succeed())
		Expect(repo.appliedPlans).To(BeEmpty())
	})

	It("drops a frame on an unknown message type without error", func() {
		Expect(pipe.Process(ctx, "spBv1.0/Secil/DCMD/EdgeA/DeviceA", []byte{})).To(Succeed())
		Expect(repo.bulkItems).To(BeEmpty())
	})
})
