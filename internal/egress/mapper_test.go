package egress

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
)

var _ = Describe("BuildBatch", func() {
	It("derives the same idempotency key for the same content regardless of input order", func() {
		a := model.AggregatedDiff{UNSPath: "a/b/m1", CanaryID: "a.b.m1", Changes: map[string]model.PropertyValue{
			"engUnit": {Type: model.PropertyString, StringValue: "degC"},
		}}
		b := model.AggregatedDiff{UNSPath: "a/b/m2", CanaryID: "a.b.m2", Changes: map[string]model.PropertyValue{
			"displayHigh": {Type: model.PropertyInt, IntValue: 100},
		}}

		batch1 := BuildBatch([]model.AggregatedDiff{a, b})
		batch2 := BuildBatch([]model.AggregatedDiff{b, a})

		Expect(batch1.IdempotencyKey).To(Equal(batch2.IdempotencyKey))
	})

	It("derives a different key when a value changes", func() {
		a := model.AggregatedDiff{UNSPath: "a/b/m1", CanaryID: "a.b.m1", Changes: map[string]model.PropertyValue{
			"engUnit": {Type: model.PropertyString, StringValue: "degC"},
		}}
		a2 := a
		a2.Changes = map[string]model.PropertyValue{"engUnit": {Type: model.PropertyString, StringValue: "degF"}}

		Expect(BuildBatch([]model.AggregatedDiff{a}).IdempotencyKey).NotTo(Equal(BuildBatch([]model.AggregatedDiff{a2}).IdempotencyKey))
	})
})

var _ = Describe("Mapper.BuildPayload", func() {
	var m *Mapper

	BeforeEach(func() {
		m = NewMapper(1_000_000)
		m.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	})

	It("renders a 3-element [timestamp, \"key=value\", 192] array per property", func() {
		batch := BuildBatch([]model.AggregatedDiff{{
			UNSPath:  "a/b/m1",
			CanaryID: "a.b.m1",
			Changes: map[string]model.PropertyValue{
				"engUnit": {Type: model.PropertyString, StringValue: "degC"},
			},
		}})

		payload, err := m.BuildPayload("tok-123", batch)
		Expect(err).NotTo(HaveOccurred())
		Expect(payload.SessionToken).To(Equal("tok-123"))

		entries := payload.Properties["a.b.m1"]
		Expect(entries).To(HaveLen(1))

		raw, err := json.Marshal(entries[0])
		Expect(err).NotTo(HaveOccurred())

		var decoded []any
		Expect(json.Unmarshal(raw, &decoded)).To(Succeed())
		Expect(decoded).To(HaveLen(3))
		Expect(decoded[1]).To(Equal("engUnit=degC"))
		Expect(decoded[2]).To(Equal(float64(192)))
	})

	It("rejects an empty session token", func() {
		batch := BuildBatch([]model.AggregatedDiff{{UNSPath: "a", CanaryID: "a", Changes: map[string]model.PropertyValue{"k": {Type: model.PropertyBoolean, BoolValue: true}}}})
		_, err := m.BuildPayload("", batch)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a batch whose diffs carry no changes or deletions", func() {
		batch := BuildBatch([]model.AggregatedDiff{{UNSPath: "a", CanaryID: "a"}})
		_, err := m.BuildPayload("tok", batch)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a payload larger than the configured limit", func() {
		tiny := NewMapper(10)
		tiny.now = m.now
		batch := BuildBatch([]model.AggregatedDiff{{UNSPath: "a", CanaryID: "a", Changes: map[string]model.PropertyValue{"k": {Type: model.PropertyBoolean, BoolValue: true}}}})
		_, err := tiny.BuildPayload("tok", batch)
		Expect(err).To(HaveOccurred())
	})
})
