package store_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatrelay/pkg/store"
)

var _ = Describe("DeriveTitle", func() {
	It("keeps short messages verbatim", func() {
		Expect(store.DeriveTitle("Hello")).To(Equal("Hello"))
	})

	It("keeps a message of exactly 30 characters verbatim", func() {
		msg := strings.Repeat("a", 30)
		Expect(store.DeriveTitle(msg)).To(Equal(msg))
	})

	It("truncates longer messages to 30 characters plus an ellipsis", func() {
		msg := strings.Repeat("abcdefghij", 4)
		Expect(store.DeriveTitle(msg)).To(Equal(msg[:30] + "..."))
	})

	It("counts characters, not bytes", func() {
		msg := strings.Repeat("你", 31)
		Expect(store.DeriveTitle(msg)).To(Equal(strings.Repeat("你", 30) + "..."))
	})
})
