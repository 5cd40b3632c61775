package cdc

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/jonboulle/clockwork"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
)

var _ = Describe("DebounceBuffer", func() {
	var (
		clock *clockwork.FakeClock
		buf   *DebounceBuffer
	)

	BeforeEach(func() {
		clock = clockwork.NewFakeClock()
		buf = NewDebounceBuffer(180*time.Second, 1000, clock)
	})

	It("is not eligible for flush before the window elapses, even under continuous updates", func() {
		buf.Add("m1", map[string]model.PropertyValue{"displayHigh": {Type: model.PropertyInt, IntValue: 1800}}, nil, 1, "cdc", "ev1")
		clock.Advance(170 * time.Second)
		buf.Add("m1", map[string]model.PropertyValue{"displayHigh": {Type: model.PropertyInt, IntValue: 1900}}, nil, 2, "cdc", "ev2")

		Expect(buf.FlushDue(nil)).To(BeEmpty())
	})

	It("flushes once now - first_seen >= window, regardless of last_update", func() {
		buf.Add("m1", map[string]model.PropertyValue{"displayHigh": {Type: model.PropertyInt, IntValue: 1800}}, nil, 1, "cdc", "ev1")
		clock.Advance(170 * time.Second)
		buf.Add("m1", map[string]model.PropertyValue{"displayHigh": {Type: model.PropertyInt, IntValue: 1900}}, nil, 2, "cdc", "ev2")
		clock.Advance(10 * time.Second)

		diffs := buf.FlushDue(func(string) (string, string) { return "canary.m1", "a/b/m1" })
		Expect(diffs).To(HaveLen(1))
		Expect(diffs[0].Changes["displayHigh"].IntValue).To(Equal(int64(1900)))
	})

	It("merges per-key last-write-wins, with deletions overriding updates on that key", func() {
		buf.Add("m1", map[string]model.PropertyValue{"engUnit": {Type: model.PropertyString, StringValue: "degC"}}, nil, 1, "cdc", "ev1")
		buf.Add("m1", nil, map[string]bool{"engUnit": true}, 2, "cdc", "ev2")
		clock.Advance(181 * time.Second)

		diffs := buf.FlushDue(func(string) (string, string) { return "", "" })
		Expect(diffs).To(HaveLen(1))
		Expect(diffs[0].Changes).NotTo(HaveKey("engUnit"))
		Expect(diffs[0].Deleted["engUnit"]).To(BeTrue())
	})

	It("drops an insert for a new metric key once over capacity, leaving the existing entry untouched", func() {
		small := NewDebounceBuffer(180*time.Second, 1, clock)
		small.Add("m1", map[string]model.PropertyValue{"a": {Type: model.PropertyInt, IntValue: 1}}, nil, 1, "", "")
		clock.Advance(time.Second)
		small.Add("m2", map[string]model.PropertyValue{"b": {Type: model.PropertyInt, IntValue: 2}}, nil, 1, "", "")

		Expect(small.PendingKeys()).To(ConsistOf("m1"))
		dropped, _ := small.Stats()
		Expect(dropped).To(Equal(int64(1)))
	})

	It("still admits merges into an existing entry once over capacity", func() {
		small := NewDebounceBuffer(180*time.Second, 1, clock)
		small.Add("m1", map[string]model.PropertyValue{"a": {Type: model.PropertyInt, IntValue: 1}}, nil, 1, "", "")
		clock.Advance(time.Second)
		small.Add("m2", map[string]model.PropertyValue{"b": {Type: model.PropertyInt, IntValue: 2}}, nil, 1, "", "")
		small.Add("m1", map[string]model.PropertyValue{"a": {Type: model.PropertyInt, IntValue: 2}}, nil, 2, "", "")

		Expect(small.PendingKeys()).To(ConsistOf("m1"))
		dropped, _ := small.Stats()
		Expect(dropped).To(Equal(int64(1)))

		clock.Advance(180 * time.Second)
		diffs := small.FlushDue(func(string) (string, string) { return "", "" })
		Expect(diffs).To(HaveLen(1))
		Expect(diffs[0].Changes["a"].IntValue).To(Equal(int64(2)))
	})

	It("reports pending keys in first-seen order", func() {
		buf.Add("m1", map[string]model.PropertyValue{}, nil, 1, "", "")
		clock.Advance(time.Second)
		buf.Add("m2", map[string]model.PropertyValue{}, nil, 1, "", "")
		Expect(buf.PendingKeys()).To(Equal([]string{"m1", "m2"}))
	})
})

var _ = Describe("DedupFilter", func() {
	It("admits a new event id and rejects a repeat", func() {
		f := NewDedupFilter(10)
		Expect(f.Admit("e1")).To(BeTrue())
		Expect(f.Admit("e1")).To(BeFalse())
		Expect(f.Admit("e2")).To(BeTrue())
	})

	It("always admits an empty event id", func() {
		f := NewDedupFilter(10)
		Expect(f.Admit("")).To(BeTrue())
		Expect(f.Admit("")).To(BeTrue())
	})

	It("evicts the oldest id once over capacity", func() {
		f := NewDedupFilter(2)
		f.Admit("e1")
		f.Admit("e2")
		f.Admit("e3")
		Expect(f.Admit("e1")).To(BeTrue(), "e1 should have been evicted to make room for e3")
	})
})
