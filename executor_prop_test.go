package fathom

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestExecutorOrderPreservationProperty: for any batch size and any
// per-handler delay assignment, result order equals request order. This is
// the core scheduling invariant — completion order must never leak into the
// transcript.
func TestExecutorOrderPreservationProperty(t *testing.T) {
	exec := newTestExecutor(t, sleepTagTool())
	exec.parallel = 4

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)
	properties.Property("result order equals request order for all delay interleavings", prop.ForAll(
		func(delays []int) bool {
			uses := make([]ToolUseBlock, len(delays))
			for i, d := range delays {
				id := fmt.Sprintf("id-%d", i)
				uses[i] = use(id, "slow_echo", fmt.Sprintf(`{"sleep_ms": %d, "tag": %q}`, d, id))
			}
			results := exec.executeBatch(context.Background(), uses)
			if len(results) != len(uses) {
				return false
			}
			for i := range results {
				if results[i].ID != uses[i].ID || results[i].Content != uses[i].ID {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.IntRange(0, 15)),
	))
	properties.TestingRun(t)
}
