package executor

import (
	"testing"

	"go.uber.org/goleak"
)

// Every test in the package must leave no step goroutine behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
