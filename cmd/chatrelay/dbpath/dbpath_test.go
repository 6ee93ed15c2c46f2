package dbpath

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Resolve", func() {
	var workDir, homeDir string

	BeforeEach(func() {
		workDir = GinkgoT().TempDir()
		homeDir = GinkgoT().TempDir()

		GinkgoT().Setenv(EnvDBPath, "")
		GinkgoT().Setenv("HOME", homeDir)

		prev, err := os.Getwd()
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Chdir(workDir)).To(Succeed())
		DeferCleanup(os.Chdir, prev)
	})

	It("prefers the flag value", func() {
		GinkgoT().Setenv(EnvDBPath, "/from/env.db")

		path, err := Resolve("/from/flag.db")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal("/from/flag.db"))
	})

	It("uses the environment when no flag is given", func() {
		GinkgoT().Setenv(EnvDBPath, "/from/env.db")

		path, err := Resolve("")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal("/from/env.db"))
	})

	It("uses a database in the working directory when present", func() {
		Expect(os.WriteFile(filepath.Join(workDir, fileName), nil, 0o600)).To(Succeed())

		path, err := Resolve("")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(fileName))
	})

	It("falls back to the home directory", func() {
		path, err := Resolve("")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(filepath.Join(homeDir, dirName, fileName)))

		info, err := os.Stat(filepath.Join(homeDir, dirName))
		Expect(err).NotTo(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
	})
})
