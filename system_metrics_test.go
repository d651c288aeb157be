package servicemon

import (
	"bytes"
	"testing"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func Test_RuntimeGatherer(t *testing.T) {
	t.Parallel()

	// SETUP
	var buf bytes.Buffer
	r := NewRenderer(NewRegistry(), WithExtraGatherer(NewRuntimeGatherer(zap.NewNop())))

	// EXERCISE
	err := r.Render(&buf)

	// VERIFY
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(buf.String(), "# TYPE go_goroutines gauge"))
	assert.Assert(t, is.Contains(buf.String(), "go_build_info"))
}
