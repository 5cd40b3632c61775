package sparkplug

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("AliasCache", func() {
	var cache *AliasCache
	var rebirths []RebirthRequest

	BeforeEach(func() {
		rebirths = nil
		cache = NewAliasCache("", time.Minute, func(r RebirthRequest) {
			rebirths = append(rebirths, r)
		})
	})

	AfterEach(func() {
		cache.Close()
	})

	It("resolves a populated device-scoped alias", func() {
		cache.Populate("Secil", "EdgeA", "DeviceA", 17, "Temperature/PV")
		name, ok := cache.Resolve("Secil", "EdgeA", "DeviceA", 17)
		Expect(ok).To(BeTrue())
		Expect(name).To(Equal("Temperature/PV"))
	})

	It("falls back to node-scoped mapping when device-scoped is absent", func() {
		cache.Populate("Secil", "EdgeA", "", 5, "NodeMetric")
		name, ok := cache.Resolve("Secil", "EdgeA", "DeviceA", 5)
		Expect(ok).To(BeTrue())
		Expect(name).To(Equal("NodeMetric"))
	})

	It("overwrites a prior mapping on repopulation", func() {
		cache.Populate("Secil", "EdgeA", "DeviceA", 17, "Old/Name")
		cache.Populate("Secil", "EdgeA", "DeviceA", 17, "New/Name")
		name, _ := cache.Resolve("Secil", "EdgeA", "DeviceA", 17)
		Expect(name).To(Equal("New/Name"))
	})

	It("returns a placeholder and enqueues exactly one rebirth per cooldown", func() {
		name := cache.ResolveOrPlaceholder("Secil", "EdgeA", "DeviceA", 17)
		Expect(name).To(Equal("alias:17"))
		Expect(rebirths).To(HaveLen(1))

		name2 := cache.ResolveOrPlaceholder("Secil", "EdgeA", "DeviceA", 17)
		Expect(name2).To(Equal("alias:17"))
		Expect(rebirths).To(HaveLen(1), "a second lookup within the cooldown must not enqueue another rebirth")
	})

	It("round-trips through a snapshot file", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "alias.json")

		writer := NewAliasCache(path, time.Minute, nil)
		writer.Populate("Secil", "EdgeA", "DeviceA", 17, "Temperature/PV")
		writer.Populate("Secil", "EdgeA", "", 5, "NodeMetric")
		defer writer.Close()

		reader := NewAliasCache(path, time.Minute, nil)
		defer reader.Close()
		Expect(reader.Load()).To(Succeed())

		name, ok := reader.Resolve("Secil", "EdgeA", "DeviceA", 17)
		Expect(ok).To(BeTrue())
		Expect(name).To(Equal("Temperature/PV"))

		raw, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).To(ContainSubstring("Secil|EdgeA|DeviceA"))
	})

	It("tolerates a missing snapshot file on load", func() {
		reader := NewAliasCache(filepath.Join(GinkgoT().TempDir(), "missing.json"), time.Minute, nil)
		defer reader.Close()
		Expect(reader.Load()).To(Succeed())
	})
})
