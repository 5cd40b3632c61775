package sparkplug

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("EncodeRebirthCommand", func() {
	It("round-trips through Decode as a single boolean Node Control/Rebirth metric", func() {
		now := time.Now().Truncate(time.Millisecond)
		raw := EncodeRebirthCommand(now)

		payload, err := Decode(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(payload.Metrics).To(HaveLen(1))

		metric := payload.Metrics[0]
		Expect(metric.Name).To(Equal("Node Control/Rebirth"))
		Expect(metric.HasName).To(BeTrue())
		Expect(metric.Datatype).To(Equal(DataTypeBoolean))
	})
})
