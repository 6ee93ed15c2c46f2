package store_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatrelay/pkg/store"
)

var _ = Describe("NewSQLiteStore", func() {
	It("creates the database file and keeps data across reopen", func() {
		ctx := context.Background()
		dbPath := filepath.Join(GinkgoT().TempDir(), "relay.db")

		s, err := store.NewSQLiteStore(dbPath)
		Expect(err).NotTo(HaveOccurred())

		_, err = os.Stat(dbPath)
		Expect(err).NotTo(HaveOccurred())

		user, err := s.UserBySession(ctx, "persisted")
		Expect(err).NotTo(HaveOccurred())
		conv, err := s.CreateConversation(ctx, user.ID, "kept")
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Close()).To(Succeed())

		s, err = store.NewSQLiteStore(dbPath)
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		got, err := s.GetOwned(ctx, conv.ID, &user.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Title).To(Equal("kept"))
	})
})
