package exec

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JasonLovesDoggo/taut/packages/core/result"
)

// writeStub installs a fake interpreter. The pool invokes it exactly like
// python3 (`stub -u -c <script>`); the stub ignores the script and speaks
// the line protocol itself.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakepython")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// echoStub answers every request with a passing result, echoing the request
// id. A request mentioning test_boom kills the worker mid-request.
const echoStub = `#!/bin/sh
echo "{\"ready\": true, \"pid\": $$}"
while IFS= read -r line; do
  case "$line" in
    *test_boom*) exit 7 ;;
  esac
  id=$(printf '%s' "$line" | sed -n 's/^{"id":\([0-9]*\).*/\1/p')
  printf '{"id": %s, "result": {"id": "stub", "outcome": "passed", "duration_ms": 1, "stdout": "", "stderr": "", "error": null}, "deps": []}\n' "$id"
done
`

// crashStub dies on its first request, every time.
const crashStub = `#!/bin/sh
echo "{\"ready\": true, \"pid\": $$}"
IFS= read -r line
exit 1
`

func poolSpecs(ids ...string) []TestSpec {
	specs := make([]TestSpec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, TestSpec{ID: id, File: "/tmp/" + id + ".py", Function: id})
	}
	return specs
}

func TestPool_RunAllPass(t *testing.T) {
	stub := writeStub(t, echoStub)
	pool := NewPool(PoolConfig{Size: 2, Python: stub})

	var mu sync.Mutex
	streamed := 0
	responses, err := pool.Run(context.Background(), poolSpecs("test_a", "test_b", "test_c", "test_d"), true,
		func(*Response) {
			mu.Lock()
			streamed++
			mu.Unlock()
		})
	require.NoError(t, err)
	require.Len(t, responses, 4)
	for _, resp := range responses {
		require.NotNil(t, resp)
		assert.Equal(t, result.Passed, resp.Result.Outcome)
	}
	assert.Equal(t, 4, streamed)
}

func TestPool_SequentialIsOneWorkerInOrder(t *testing.T) {
	stub := writeStub(t, echoStub)
	pool := NewPool(PoolConfig{Size: 4, Python: stub})

	var mu sync.Mutex
	var order []uint64
	responses, err := pool.Run(context.Background(), poolSpecs("test_a", "test_b", "test_c"), false,
		func(resp *Response) {
			mu.Lock()
			order = append(order, resp.ID)
			mu.Unlock()
		})
	require.NoError(t, err)
	require.Len(t, responses, 3)

	// One worker, strict happens-before chain: request ids stream back in
	// issue order.
	require.Len(t, order, 3)
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i], order[i-1])
	}
}

func TestPool_CrashAttributedOnceOthersComplete(t *testing.T) {
	stub := writeStub(t, echoStub)
	pool := NewPool(PoolConfig{Size: 1, Python: stub})

	responses, err := pool.Run(context.Background(), poolSpecs("test_a", "test_boom", "test_c"), false, nil)
	require.NoError(t, err)
	require.Len(t, responses, 3)

	assert.Equal(t, result.Passed, responses[0].Result.Outcome)
	// The in-flight request is errored, not retried.
	assert.Equal(t, result.Errored, responses[1].Result.Outcome)
	require.NotNil(t, responses[1].Result.Error)
	assert.Contains(t, responses[1].Result.Error.Message, "worker crashed")
	// A replacement worker finishes the rest of the queue.
	assert.Equal(t, result.Passed, responses[2].Result.Outcome)
}

func TestPool_ReplacementBudgetExhausted(t *testing.T) {
	stub := writeStub(t, crashStub)
	pool := NewPool(PoolConfig{Size: 1, Python: stub, ReplaceBudget: 1})

	responses, err := pool.Run(context.Background(), poolSpecs("test_a", "test_b", "test_c", "test_d"), false, nil)
	require.ErrorIs(t, err, ErrReplacementsExhausted)

	// Requests dispatched before the budget ran out were attributed.
	require.NotNil(t, responses[0])
	assert.Equal(t, result.Errored, responses[0].Result.Outcome)
	require.NotNil(t, responses[1])
	assert.Equal(t, result.Errored, responses[1].Result.Outcome)
}

func TestPool_SpawnFailureIsFatal(t *testing.T) {
	pool := NewPool(PoolConfig{Size: 1, Python: "/bin/false"})

	_, err := pool.Run(context.Background(), poolSpecs("test_a"), false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawn worker")
}

func TestPool_CancellationSynthesizesRemaining(t *testing.T) {
	// A worker that never answers: the run must still come back once the
	// context dies, with every spec accounted for.
	// sleep's output is redirected so the dead shell's stdout pipe closes
	// immediately on kill instead of being held open by the child.
	stub := writeStub(t, `#!/bin/sh
echo "{\"ready\": true, \"pid\": $$}"
sleep 30 > /dev/null 2>&1
`)
	pool := NewPool(PoolConfig{Size: 1, Python: stub, Grace: 100 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	responses, err := pool.Run(ctx, poolSpecs("test_a", "test_b"), false, nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	require.Len(t, responses, 2)
	for _, resp := range responses {
		require.NotNil(t, resp)
		assert.Equal(t, result.Errored, resp.Result.Outcome)
	}
}
