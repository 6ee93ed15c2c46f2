package testconncmder

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatrelay/pkg/store"
	"github.com/papercomputeco/chatrelay/pkg/upstream"
)

var _ = Describe("Test Connection Command", func() {
	var (
		ctx    context.Context
		dbPath string
		llm    *httptest.Server
	)

	BeforeEach(func() {
		ctx = context.Background()
		dbPath = filepath.Join(GinkgoT().TempDir(), "relay.db")

		llm = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer right" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`)
		}))
		DeferCleanup(llm.Close)
	})

	execute := func(args ...string) (string, error) {
		var out bytes.Buffer
		cmd := NewTestConnCmd()
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"--sqlite", dbPath}, args...))
		err := cmd.ExecuteContext(ctx)
		return out.String(), err
	}

	It("reports success for working settings", func() {
		out, err := execute("--url", llm.URL, "--key", "right", "--model", "m")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("API connection test succeeded"))
	})

	It("fails for a rejected key", func() {
		out, err := execute("--url", llm.URL, "--key", "wrong", "--model", "m")
		Expect(err).To(MatchError(ErrConnectionFailed))
		Expect(out).To(ContainSubstring("API connection test failed"))
	})

	It("uses settings stored in the database", func() {
		s, err := store.NewSQLiteStore(dbPath)
		Expect(err).NotTo(HaveOccurred())
		resolver := upstream.NewResolver(s, upstream.Settings{})
		Expect(resolver.Save(ctx, upstream.Settings{URL: llm.URL, Key: "right", Model: "m"})).To(Succeed())
		Expect(s.Close()).To(Succeed())

		out, err := execute()
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("succeeded"))
	})
})
