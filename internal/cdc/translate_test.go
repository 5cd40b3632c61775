package cdc

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/jonboulle/clockwork"
)

func strPtr(s string) *string { return &s }

type fakeMetricLookup struct {
	canaryID string
	unsPath  string
	err      error
}

func (f fakeMetricLookup) MetricByKey(ctx context.Context, metricKey int64) (string, string, error) {
	return f.canaryID, f.unsPath, f.err
}

var _ = Describe("NewMetricVersionHandler", func() {
	var (
		buffer *DebounceBuffer
		dedup  *DedupFilter
		clock  *clockwork.FakeClock
	)

	BeforeEach(func() {
		clock = clockwork.NewFakeClock()
		buffer = NewDebounceBuffer(180*time.Second, 1000, clock)
		dedup = NewDedupFilter(10)
	})

	insertRow := func(versionID, metricKey, diff string) decodedChange {
		return decodedChange{
			Kind:     changeInsert,
			Relation: relation{name: "metric_versions"},
			New: tuple{
				"version_id": strPtr(versionID),
				"metric_key": strPtr(metricKey),
				"changed_by": strPtr("cdc"),
				"diff":       strPtr(diff),
			},
		}
	}

	It("merges a property change into the debounce buffer", func() {
		handler := NewMetricVersionHandler(buffer, dedup)
		diff := `{"properties":{"engUnit":{"type":"string","new":"degC"}}}`

		Expect(handler(context.Background(), insertRow("1", "42", diff))).To(Succeed())
		clock.Advance(200 * time.Second)

		diffs := buffer.FlushDue(func(string) (string, string) { return "canary.42", "a/b/c" })
		Expect(diffs).To(HaveLen(1))
		Expect(diffs[0].Changes["engUnit"].StringValue).To(Equal("degC"))
	})

	It("treats a removed property as a deletion", func() {
		handler := NewMetricVersionHandler(buffer, dedup)
		diff := `{"properties":{"engUnit":{"removed":true}}}`

		Expect(handler(context.Background(), insertRow("2", "42", diff))).To(Succeed())
		clock.Advance(200 * time.Second)

		diffs := buffer.FlushDue(func(string) (string, string) { return "canary.42", "a/b/c" })
		Expect(diffs).To(HaveLen(1))
		Expect(diffs[0].Deleted["engUnit"]).To(BeTrue())
	})

	It("ignores inserts into other tables", func() {
		handler := NewMetricVersionHandler(buffer, dedup)
		row := decodedChange{Kind: changeInsert, Relation: relation{name: "devices"}, New: tuple{}}

		Expect(handler(context.Background(), row)).To(Succeed())
		Expect(buffer.Depth()).To(Equal(0))
	})

	It("deduplicates a replayed event id", func() {
		handler := NewMetricVersionHandler(buffer, dedup)
		diff := `{"properties":{"engUnit":{"type":"string","new":"degC"}}}`
		row := insertRow("3", "42", diff)

		Expect(handler(context.Background(), row)).To(Succeed())
		Expect(handler(context.Background(), row)).To(Succeed())
		clock.Advance(200 * time.Second)

		diffs := buffer.FlushDue(func(string) (string, string) { return "canary.42", "a/b/c" })
		Expect(diffs[0].Versions).To(HaveLen(1))
	})
})

var _ = Describe("CanaryResolver", func() {
	It("parses the metric key and delegates to the lookup", func() {
		resolve := CanaryResolver(context.Background(), fakeMetricLookup{canaryID: "canary.1", unsPath: "a/b"})
		canaryID, unsPath := resolve("1")
		Expect(canaryID).To(Equal("canary.1"))
		Expect(unsPath).To(Equal("a/b"))
	})

	It("returns empty strings for an unparseable metric key", func() {
		resolve := CanaryResolver(context.Background(), fakeMetricLookup{})
		canaryID, unsPath := resolve("not-a-number")
		Expect(canaryID).To(Equal(""))
		Expect(unsPath).To(Equal(""))
	})
})
