package egress

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CircuitBreaker", func() {
	It("opens after the configured number of consecutive failures", func() {
		b := NewCircuitBreaker(3, time.Minute, nil)
		Expect(b.Allow()).To(BeTrue())
		b.RecordFailure()
		b.RecordFailure()
		Expect(b.State()).To(Equal(BreakerClosed))
		b.RecordFailure()
		Expect(b.State()).To(Equal(BreakerOpen))
		Expect(b.Allow()).To(BeFalse())
	})

	It("transitions Open to HalfOpen once the reset timeout elapses, then Closed on success", func() {
		now := time.Now()
		clock := func() time.Time { return now }
		b := NewCircuitBreaker(1, 10*time.Second, clock)

		b.RecordFailure()
		Expect(b.State()).To(Equal(BreakerOpen))
		Expect(b.Allow()).To(BeFalse())

		now = now.Add(11 * time.Second)
		Expect(b.Allow()).To(BeTrue())
		Expect(b.State()).To(Equal(BreakerHalfOpen))

		b.RecordSuccess()
		Expect(b.State()).To(Equal(BreakerClosed))
	})

	It("reopens immediately on a failed probe while half-open", func() {
		now := time.Now()
		clock := func() time.Time { return now }
		b := NewCircuitBreaker(1, 10*time.Second, clock)

		b.RecordFailure()
		now = now.Add(11 * time.Second)
		Expect(b.Allow()).To(BeTrue())

		b.RecordFailure()
		Expect(b.State()).To(Equal(BreakerOpen))
	})
})
