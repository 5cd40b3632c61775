package cli

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Run", func() {
	It("returns ExitFailure for an unknown subcommand", func() {
		Expect(Run([]string{"no-such-command"})).To(Equal(ExitFailure))
	})

	It("returns ExitSuccess for --help", func() {
		Expect(Run([]string{"--help"})).To(Equal(ExitSuccess))
	})

	It("registers every operator subcommand named in the command tree", func() {
		Expect(Run([]string{"ingest-fixture", "--help"})).To(Equal(ExitSuccess))
		Expect(Run([]string{"replay-dlq", "--help"})).To(Equal(ExitSuccess))
		Expect(Run([]string{"migrate", "apply", "--help"})).To(Equal(ExitSuccess))
		Expect(Run([]string{"serve", "--help"})).To(Equal(ExitSuccess))
	})
})

var _ = Describe("ingest-fixture", func() {
	It("fails fast when --path is not provided, before touching any database", func() {
		Expect(Run([]string{"ingest-fixture"})).To(Equal(ExitFailure))
	})
})
