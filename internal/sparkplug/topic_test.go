package sparkplug

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseTopic", func() {
	It("parses a device-scoped DBIRTH topic", func() {
		info, err := ParseTopic("spBv1.0/Secil/DBIRTH/EdgeA/DeviceA")
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Group).To(Equal("Secil"))
		Expect(info.MessageType).To(Equal(MessageTypeDBIRTH))
		Expect(info.Edge).To(Equal("EdgeA"))
		Expect(info.Device).To(Equal("DeviceA"))
		Expect(info.DeviceKey()).To(Equal("Secil/EdgeA/DeviceA"))
		Expect(info.NodeKey()).To(Equal("Secil/EdgeA"))
	})

	It("parses a node-scoped NBIRTH topic with no device segment", func() {
		info, err := ParseTopic("spBv1.0/Secil/NBIRTH/EdgeA")
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Device).To(Equal(""))
		Expect(info.DeviceKey()).To(Equal("Secil/EdgeA/"))
	})

	It("rejects a non-Sparkplug topic", func() {
		_, err := ParseTopic("umh/v1/Secil/EdgeA")
		Expect(err).To(HaveOccurred())
	})

	It("rejects a topic with too few segments", func() {
		_, err := ParseTopic("spBv1.0/Secil/DBIRTH")
		Expect(err).To(HaveOccurred())
	})

	DescribeTable("message type classification",
		func(mt MessageType, known, birth bool) {
			Expect(mt.IsKnown()).To(Equal(known))
			Expect(mt.IsBirth()).To(Equal(birth))
		},
		Entry("DBIRTH", MessageTypeDBIRTH, true, true),
		Entry("NBIRTH", MessageTypeNBIRTH, true, true),
		Entry("DDATA", MessageTypeDDATA, true, false),
		Entry("STATE", MessageType("STATE"), false, false),
	)
})
