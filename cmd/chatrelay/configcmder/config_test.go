package configcmder

import (
	"bytes"
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatrelay/pkg/store"
	"github.com/papercomputeco/chatrelay/pkg/upstream"
)

var _ = Describe("Config Command", func() {
	var (
		ctx    context.Context
		dbPath string
	)

	BeforeEach(func() {
		ctx = context.Background()
		dbPath = filepath.Join(GinkgoT().TempDir(), "relay.db")
	})

	execute := func(args ...string) (string, error) {
		var out bytes.Buffer
		cmd := NewConfigCmd()
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(append(args, "--sqlite", dbPath))
		err := cmd.ExecuteContext(ctx)
		return out.String(), err
	}

	It("stores a setting readable by the server's store", func() {
		out, err := execute("set", upstream.KeyModel, " my-model ")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("Saved openai_model"))

		s, err := store.NewSQLiteStore(dbPath)
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		value, err := s.GetConfig(ctx, upstream.KeyModel, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(value).To(Equal("my-model"))
	})

	It("prints a single key", func() {
		_, err := execute("set", upstream.KeyAPIURL, "http://llm.local")
		Expect(err).NotTo(HaveOccurred())

		out, err := execute("get", upstream.KeyAPIURL)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("http://llm.local\n"))
	})

	It("masks the API key unless revealed", func() {
		_, err := execute("set", upstream.KeyAPIKey, "sk-1234567890")
		Expect(err).NotTo(HaveOccurred())

		out, err := execute("get")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("openai_api_key = sk-1...7890"))
		Expect(out).To(ContainSubstring("openai_model = (unset)"))

		out, err = execute("get", upstream.KeyAPIKey, "--reveal")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("sk-1234567890\n"))
	})

	It("rejects unknown keys", func() {
		_, err := execute("set", "admin_password", "x")
		Expect(err).To(MatchError(ContainSubstring("unknown key")))

		_, err = execute("get", "admin_password")
		Expect(err).To(MatchError(ContainSubstring("unknown key")))
	})
})
