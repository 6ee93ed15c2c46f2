package dbpath

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestDBPath(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "DB Path Suite")
}
