package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JasonLovesDoggo/taut/packages/core/result"
)

// DefaultPython is the interpreter used when none is configured.
const DefaultPython = "python3"

// PerTest runs every test in its own fresh child process, the
// maximum-isolation mode.
type PerTest struct {
	Python string
	Jobs   int
	Trace  bool
}

// NewPerTest builds a spawner. jobs <= 0 means one child per logical CPU.
func NewPerTest(python string, jobs int, trace bool) *PerTest {
	if python == "" {
		python = DefaultPython
	}
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	return &PerTest{Python: python, Jobs: jobs, Trace: trace}
}

// Run executes the specs with at most Jobs children alive at once and
// returns responses in spec order. onResult streams each response as it
// completes. Crashes never fail the run; they synthesize errored results.
func (p *PerTest) Run(ctx context.Context, specs []TestSpec, parallel bool, onResult func(*Response)) []*Response {
	responses := make([]*Response, len(specs))

	jobs := p.Jobs
	if !parallel {
		jobs = 1
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)

	for idx, spec := range specs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			resp := p.runOne(ctx, spec)
			mu.Lock()
			responses[idx] = resp
			if onResult != nil {
				onResult(resp)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for idx := range responses {
		if responses[idx] == nil {
			responses[idx] = &Response{
				Result: result.ErroredResult(specs[idx].ID, "test was not executed (run cancelled)", ""),
			}
		}
	}
	return responses
}

func (p *PerTest) runOne(ctx context.Context, spec TestSpec) *Response {
	payload, err := json.Marshal(Request{Test: spec, Trace: p.Trace})
	if err != nil {
		return &Response{Result: result.ErroredResult(spec.ID, "cannot encode test payload", err.Error())}
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, p.Python, "-c", oneShotScript, string(payload))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil {
		return &Response{Result: crashResult(spec.ID, runErr, stdout.Bytes(), stderr.Bytes(), duration)}
	}

	resp, err := ExtractResponse(stdout.Bytes())
	if err != nil {
		return &Response{Result: result.ErroredResult(spec.ID,
			fmt.Sprintf("malformed child output: %v", err),
			rawOutput(stdout.Bytes(), stderr.Bytes()))}
	}
	if resp.Result == nil {
		resp.Result = result.ErroredResult(spec.ID, "child response missing result", "")
	}
	if resp.Result.DurationMS == 0 {
		resp.Result.DurationMS = float64(duration.Milliseconds())
	}
	return resp
}

func crashResult(id string, runErr error, stdout, stderr []byte, duration time.Duration) *result.TestResult {
	r := result.ErroredResult(id,
		fmt.Sprintf("child process failed: %v", runErr),
		rawOutput(stdout, stderr))
	r.DurationMS = float64(duration.Milliseconds())
	return r
}

func rawOutput(stdout, stderr []byte) string {
	return fmt.Sprintf("stdout:\n%s\nstderr:\n%s", stdout, stderr)
}
