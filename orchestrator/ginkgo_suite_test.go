package orchestrator

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// TestGinkgoSuite is the single entry point ginkgo needs per package.
// The batch specs assert on the shape of concurrent, timing-sensitive
// behavior (bounded concurrency, cross-pipeline isolation), which reads
// more naturally as a ginkgo spec than a hand-rolled channel-and-sleep
// table test.
func TestGinkgoSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "orchestrator batch concurrency suite")
}
