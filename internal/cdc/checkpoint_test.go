package cdc

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("MemoryCheckpointStore", func() {
	It("never returns a lower LSN than one already saved", func() {
		s := NewMemoryCheckpointStore()
		Expect(s.Save("slot1", 100)).To(Succeed())
		Expect(s.Save("slot1", 50)).To(Succeed())
		lsn, ok, err := s.Load("slot1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(lsn).To(Equal(uint64(100)))
	})

	It("reports not-ok for a slot never saved", func() {
		s := NewMemoryCheckpointStore()
		_, ok, _ := s.Load("unknown")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("FileCheckpointStore", func() {
	It("round-trips a saved LSN across a fresh load from disk", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "resume.json")

		s1, err := NewFileCheckpointStore(path, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(s1.Save("slot1", 4096)).To(Succeed())

		s2, err := NewFileCheckpointStore(path, false)
		Expect(err).NotTo(HaveOccurred())
		lsn, ok, err := s2.Load("slot1")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(lsn).To(Equal(uint64(4096)))
	})

	It("tolerates a missing checkpoint file on first start", func() {
		dir := GinkgoT().TempDir()
		s, err := NewFileCheckpointStore(filepath.Join(dir, "does-not-exist.json"), false)
		Expect(err).NotTo(HaveOccurred())
		_, ok, _ := s.Load("slot1")
		Expect(ok).To(BeFalse())
	})
})
