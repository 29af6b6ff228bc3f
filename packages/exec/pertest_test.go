package exec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JasonLovesDoggo/taut/packages/core/result"
)

// The one-shot stub is invoked exactly like python3
// (`stub -c <script> <payload>`) and prints a single response line.
const oneShotPassStub = `#!/bin/sh
printf '{"id": 0, "result": {"id": "stub", "outcome": "passed", "duration_ms": 2, "stdout": "", "stderr": "", "error": null}, "deps": []}\n'
`

const oneShotCrashStub = `#!/bin/sh
echo "boom" >&2
exit 3
`

const oneShotGarbageStub = `#!/bin/sh
echo "this is not a protocol line"
`

const oneShotHangStub = `#!/bin/sh
sleep 30 > /dev/null 2>&1
`

func TestPerTest_RunAllPass(t *testing.T) {
	stub := writeStub(t, oneShotPassStub)
	spawner := NewPerTest(stub, 2, false)

	var mu sync.Mutex
	streamed := 0
	responses := spawner.Run(context.Background(), poolSpecs("test_a", "test_b", "test_c"), true,
		func(*Response) {
			mu.Lock()
			streamed++
			mu.Unlock()
		})

	require.Len(t, responses, 3)
	for _, resp := range responses {
		require.NotNil(t, resp)
		assert.Equal(t, result.Passed, resp.Result.Outcome)
	}
	assert.Equal(t, 3, streamed)
}

func TestPerTest_SequentialStillCompletes(t *testing.T) {
	stub := writeStub(t, oneShotPassStub)
	spawner := NewPerTest(stub, 4, false)

	responses := spawner.Run(context.Background(), poolSpecs("test_a", "test_b"), false, nil)
	require.Len(t, responses, 2)
	for _, resp := range responses {
		assert.Equal(t, result.Passed, resp.Result.Outcome)
	}
}

func TestPerTest_CrashSynthesizesErrored(t *testing.T) {
	stub := writeStub(t, oneShotCrashStub)
	spawner := NewPerTest(stub, 1, false)

	responses := spawner.Run(context.Background(), poolSpecs("test_a"), false, nil)
	require.Len(t, responses, 1)

	r := responses[0].Result
	assert.Equal(t, result.Errored, r.Outcome)
	assert.Equal(t, "test_a", r.ID)
	require.NotNil(t, r.Error)
	assert.Contains(t, r.Error.Message, "child process failed")
	assert.Contains(t, r.Error.Traceback, "boom")
}

func TestPerTest_MalformedOutputSynthesizesErrored(t *testing.T) {
	stub := writeStub(t, oneShotGarbageStub)
	spawner := NewPerTest(stub, 1, false)

	responses := spawner.Run(context.Background(), poolSpecs("test_a"), false, nil)
	require.Len(t, responses, 1)

	r := responses[0].Result
	assert.Equal(t, result.Errored, r.Outcome)
	require.NotNil(t, r.Error)
	assert.Contains(t, r.Error.Message, "malformed child output")
}

func TestPerTest_CancellationKillsChildren(t *testing.T) {
	stub := writeStub(t, oneShotHangStub)
	spawner := NewPerTest(stub, 2, false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	responses := spawner.Run(ctx, poolSpecs("test_a", "test_b", "test_c"), true, nil)
	assert.Less(t, time.Since(start), 10*time.Second)

	require.Len(t, responses, 3)
	for _, resp := range responses {
		require.NotNil(t, resp)
		assert.Equal(t, result.Errored, resp.Result.Outcome)
	}
}
