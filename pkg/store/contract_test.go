package store_test

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatrelay/pkg/store"
)

// describeStore runs the behaviour every Store implementation must share.
func describeStore(name string, open func() store.Store) bool {
	return Describe(name, func() {
		var (
			s    store.Store
			ctx  context.Context
			user *store.User
		)

		BeforeEach(func() {
			ctx = context.Background()
			s = open()

			var err error
			user, err = s.UserBySession(ctx, "session-a")
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			if s != nil {
				s.Close()
			}
		})

		Describe("UserBySession", func() {
			It("returns the same user for the same session", func() {
				again, err := s.UserBySession(ctx, "session-a")
				Expect(err).NotTo(HaveOccurred())
				Expect(again.ID).To(Equal(user.ID))
				Expect(again.LastActive).NotTo(BeTemporally("<", user.LastActive))
			})

			It("creates a distinct user for a new session", func() {
				other, err := s.UserBySession(ctx, "session-b")
				Expect(err).NotTo(HaveOccurred())
				Expect(other.ID).NotTo(Equal(user.ID))
				Expect(other.SessionID).To(Equal("session-b"))
			})

			It("rejects an empty session", func() {
				_, err := s.UserBySession(ctx, "")
				Expect(err).To(HaveOccurred())
			})
		})

		Describe("Conversations", func() {
			It("creates conversations with the default title", func() {
				conv, err := s.CreateConversation(ctx, user.ID, "")
				Expect(err).NotTo(HaveOccurred())
				Expect(conv.Title).To(Equal(store.DefaultTitle))
				Expect(conv.UserID).To(Equal(user.ID))
			})

			It("refuses conversations for unknown users", func() {
				_, err := s.CreateConversation(ctx, user.ID+100, "")
				Expect(err).To(BeAssignableToTypeOf(store.ErrNotFound{}))
			})

			It("checks ownership in GetOwned", func() {
				conv, err := s.CreateConversation(ctx, user.ID, "")
				Expect(err).NotTo(HaveOccurred())

				got, err := s.GetOwned(ctx, conv.ID, &user.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.ID).To(Equal(conv.ID))

				got, err = s.GetOwned(ctx, conv.ID, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.ID).To(Equal(conv.ID))

				stranger := user.ID + 1
				_, err = s.GetOwned(ctx, conv.ID, &stranger)
				Expect(err).To(BeAssignableToTypeOf(store.ErrNotFound{}))

				_, err = s.GetOwned(ctx, conv.ID+100, nil)
				Expect(err).To(BeAssignableToTypeOf(store.ErrNotFound{}))
			})

			It("lists a user's conversations most recently updated first", func() {
				first, err := s.CreateConversation(ctx, user.ID, "first")
				Expect(err).NotTo(HaveOccurred())
				second, err := s.CreateConversation(ctx, user.ID, "second")
				Expect(err).NotTo(HaveOccurred())

				_, err = s.Append(ctx, first.ID, store.RoleUser, "bump")
				Expect(err).NotTo(HaveOccurred())

				other, err := s.UserBySession(ctx, "session-b")
				Expect(err).NotTo(HaveOccurred())
				_, err = s.CreateConversation(ctx, other.ID, "not mine")
				Expect(err).NotTo(HaveOccurred())

				convs, err := s.ListConversations(ctx, user.ID, 50)
				Expect(err).NotTo(HaveOccurred())
				Expect(convs).To(HaveLen(2))
				Expect(convs[0].ID).To(Equal(first.ID))
				Expect(convs[1].ID).To(Equal(second.ID))

				convs, err = s.ListConversations(ctx, user.ID, 1)
				Expect(err).NotTo(HaveOccurred())
				Expect(convs).To(HaveLen(1))
			})

			It("summarizes messages on read", func() {
				conv, err := s.CreateConversation(ctx, user.ID, "")
				Expect(err).NotTo(HaveOccurred())

				got, err := s.GetOwned(ctx, conv.ID, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.MessageCount).To(Equal(0))
				Expect(got.LastMessageTime).To(BeNil())

				_, err = s.Append(ctx, conv.ID, store.RoleUser, "hi")
				Expect(err).NotTo(HaveOccurred())
				last, err := s.Append(ctx, conv.ID, store.RoleAssistant, "hello")
				Expect(err).NotTo(HaveOccurred())

				got, err = s.GetOwned(ctx, conv.ID, &user.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.MessageCount).To(Equal(2))
				Expect(got.LastMessageTime).NotTo(BeNil())
				Expect(*got.LastMessageTime).To(BeTemporally("==", last.CreatedAt))

				convs, err := s.ListConversations(ctx, user.ID, 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(convs).To(HaveLen(1))
				Expect(convs[0].MessageCount).To(Equal(2))
				Expect(*convs[0].LastMessageTime).To(BeTemporally("==", last.CreatedAt))
			})

			It("updates titles", func() {
				conv, err := s.CreateConversation(ctx, user.ID, "")
				Expect(err).NotTo(HaveOccurred())

				Expect(s.SetTitle(ctx, conv.ID, "renamed")).To(Succeed())

				got, err := s.GetOwned(ctx, conv.ID, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Title).To(Equal("renamed"))
			})

			It("deletes owned conversations with their messages", func() {
				conv, err := s.CreateConversation(ctx, user.ID, "")
				Expect(err).NotTo(HaveOccurred())
				_, err = s.Append(ctx, conv.ID, store.RoleUser, "hi")
				Expect(err).NotTo(HaveOccurred())

				stranger := user.ID + 1
				err = s.DeleteConversation(ctx, conv.ID, stranger)
				Expect(err).To(BeAssignableToTypeOf(store.ErrNotFound{}))

				Expect(s.DeleteConversation(ctx, conv.ID, user.ID)).To(Succeed())

				_, err = s.GetOwned(ctx, conv.ID, nil)
				Expect(err).To(BeAssignableToTypeOf(store.ErrNotFound{}))

				n, err := s.CountMessages(ctx, conv.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(0))
			})
		})

		Describe("Messages", func() {
			var conv *store.Conversation

			BeforeEach(func() {
				var err error
				conv, err = s.CreateConversation(ctx, user.ID, "")
				Expect(err).NotTo(HaveOccurred())
			})

			It("appends messages with strictly increasing timestamps", func() {
				var last *store.Message
				for i := 0; i < 5; i++ {
					msg, err := s.Append(ctx, conv.ID, store.RoleUser, fmt.Sprintf("m%d", i))
					Expect(err).NotTo(HaveOccurred())
					if last != nil {
						Expect(msg.CreatedAt).To(BeTemporally(">", last.CreatedAt))
					}
					last = msg
				}

				n, err := s.CountMessages(ctx, conv.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(5))
			})

			It("rejects unknown roles", func() {
				_, err := s.Append(ctx, conv.ID, "system", "nope")
				Expect(err).To(HaveOccurred())
			})

			It("rejects unknown conversations", func() {
				_, err := s.Append(ctx, conv.ID+100, store.RoleUser, "nope")
				Expect(err).To(BeAssignableToTypeOf(store.ErrNotFound{}))
			})

			It("returns the newest messages in ascending order", func() {
				for i := 0; i < 25; i++ {
					_, err := s.Append(ctx, conv.ID, store.RoleUser, fmt.Sprintf("m%d", i))
					Expect(err).NotTo(HaveOccurred())
				}

				msgs, err := s.RecentMessages(ctx, conv.ID, 20)
				Expect(err).NotTo(HaveOccurred())
				Expect(msgs).To(HaveLen(20))
				Expect(msgs[0].Content).To(Equal("m5"))
				Expect(msgs[19].Content).To(Equal("m24"))

				all, err := s.RecentMessages(ctx, conv.ID, 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(all).To(HaveLen(25))
				Expect(all[0].Content).To(Equal("m0"))
			})
		})

		Describe("Config", func() {
			It("returns the default for unset keys", func() {
				v, err := s.GetConfig(ctx, "openai_model", "fallback")
				Expect(err).NotTo(HaveOccurred())
				Expect(v).To(Equal("fallback"))
			})

			It("stores and replaces values", func() {
				Expect(s.SetConfig(ctx, "openai_model", "a", "model")).To(Succeed())
				Expect(s.SetConfig(ctx, "openai_model", "b", "")).To(Succeed())

				v, err := s.GetConfig(ctx, "openai_model", "fallback")
				Expect(err).NotTo(HaveOccurred())
				Expect(v).To(Equal("b"))
			})
		})
	})
}

var _ = describeStore("MemoryStore", func() store.Store {
	return store.NewMemoryStore()
})

var _ = describeStore("SQLiteStore", func() store.Store {
	s, err := store.NewSQLiteStore(":memory:")
	Expect(err).NotTo(HaveOccurred())
	return s
})
