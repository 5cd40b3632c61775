package sparkplug

import (
	"bytes"
	"compress/gzip"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func gzipBytes(raw []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write(raw)
	_ = w.Close()
	return buf.Bytes()
}

var _ = Describe("UnwrapIfCompressed", func() {
	It("decompresses a gzip body", func() {
		out, err := UnwrapIfCompressed(gzipBytes([]byte("hello")))
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]byte("hello")))
	})

	It("reports IsCompressedWrapper true for the fixed uuid sentinel", func() {
		Expect(IsCompressedWrapper("SPBV1.0_COMPRESSED", []byte{1}, "")).To(BeTrue())
	})

	It("reports IsCompressedWrapper true for an algorithm=GZIP metric", func() {
		Expect(IsCompressedWrapper("", nil, "GZIP")).To(BeTrue())
	})

	It("reports IsCompressedWrapper false otherwise", func() {
		Expect(IsCompressedWrapper("", nil, "")).To(BeFalse())
	})
})
