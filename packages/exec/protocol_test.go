package exec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JasonLovesDoggo/taut/packages/core/result"
)

func TestParseResponse_Valid(t *testing.T) {
	line := `{"id": 7, "result": {"id": "t.py::test_a", "outcome": "passed", "duration_ms": 12.5, "stdout": "", "stderr": "", "error": null}, "deps": [{"file": "/abs/t.py", "name": "test_a"}]}`

	resp, err := ParseResponse([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), resp.ID)
	assert.Equal(t, result.Passed, resp.Result.Outcome)
	assert.Equal(t, 12.5, resp.Result.DurationMS)
	require.Len(t, resp.Deps, 1)
	assert.Equal(t, "test_a", resp.Deps[0].Name)
}

func TestParseResponse_FailedWithError(t *testing.T) {
	line := `{"id": 1, "result": {"id": "t.py::test_a", "outcome": "failed", "duration_ms": 3, "stdout": "out", "stderr": "", "error": {"message": "assertion failed", "traceback": "Traceback..."}}, "deps": []}`

	resp, err := ParseResponse([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, result.Failed, resp.Result.Outcome)
	require.NotNil(t, resp.Result.Error)
	assert.Equal(t, "assertion failed", resp.Result.Error.Message)
	assert.Equal(t, "out", resp.Result.Stdout)
}

func TestParseResponse_RejectsUnknownOutcome(t *testing.T) {
	line := `{"id": 1, "result": {"id": "x", "outcome": "exploded"}}`
	_, err := ParseResponse([]byte(line))
	require.Error(t, err)
}

func TestParseResponse_RejectsMissingResult(t *testing.T) {
	_, err := ParseResponse([]byte(`{"id": 1}`))
	require.Error(t, err)
}

func TestParseResponse_RejectsGarbage(t *testing.T) {
	_, err := ParseResponse([]byte(`Segmentation fault (core dumped)`))
	require.Error(t, err)
}

func TestExtractResponse_FindsLineAmongNoise(t *testing.T) {
	stdout := "warning: something on real stdout\n" +
		`{"id": 0, "result": {"id": "t.py::test_a", "outcome": "passed", "duration_ms": 1, "stdout": "", "stderr": "", "error": null}, "deps": []}` + "\n"

	resp, err := ExtractResponse([]byte(stdout))
	require.NoError(t, err)
	assert.Equal(t, result.Passed, resp.Result.Outcome)
}

func TestExtractResponse_EmptyOutput(t *testing.T) {
	_, err := ExtractResponse(nil)
	require.Error(t, err)
}

func TestIsReadyLine(t *testing.T) {
	pid, ok := IsReadyLine([]byte(`{"ready": true, "pid": 4242}`))
	require.True(t, ok)
	assert.Equal(t, 4242, pid)

	_, ok = IsReadyLine([]byte(`{"id": 1, "result": {}}`))
	assert.False(t, ok)

	_, ok = IsReadyLine([]byte(`not json`))
	assert.False(t, ok)
}

func TestEncodeRequest_SingleLine(t *testing.T) {
	req := &Request{
		ID: 3,
		Test: TestSpec{
			ID:       "tests/test_a.py::TestK::test_b",
			File:     "/abs/tests/test_a.py",
			Function: "test_b",
			Class:    "TestK",
			Async:    true,
			Markers:  map[string]any{"group": []string{"api"}},
		},
		Trace: true,
	}

	line, err := EncodeRequest(req)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), line[len(line)-1])
	// Exactly one newline: the protocol is one JSON value per line.
	assert.NotContains(t, string(line[:len(line)-1]), "\n")

	var decoded Request
	require.NoError(t, json.Unmarshal(line, &decoded))
	assert.Equal(t, req.ID, decoded.ID)
	assert.Equal(t, req.Test.ID, decoded.Test.ID)
	assert.True(t, decoded.Trace)
}

func TestParseResponse_RuntimeMarkers(t *testing.T) {
	line := `{"id": 4, "result": {"id": "t.py::test_a", "outcome": "skipped", "duration_ms": 0, "stdout": "", "stderr": "", "error": null, "skip_reason": "flaky"}, "deps": [], "markers": {"skip": true, "skip_reason": "flaky", "parallel": true, "values": {"group": ["api"], "slow": true}}}`

	resp, err := ParseResponse([]byte(line))
	require.NoError(t, err)
	require.NotNil(t, resp.Markers)
	assert.True(t, resp.Markers.Skip)
	assert.Equal(t, "flaky", resp.Markers.SkipReason)
	assert.True(t, resp.Markers.Parallel)
	assert.Equal(t, true, resp.Markers.Values["slow"])
}

func TestParseResponse_MarkersAbsent(t *testing.T) {
	line := `{"id": 5, "result": {"id": "t.py::test_a", "outcome": "passed", "duration_ms": 1, "stdout": "", "stderr": "", "error": null}, "deps": []}`

	resp, err := ParseResponse([]byte(line))
	require.NoError(t, err)
	assert.Nil(t, resp.Markers)
}

func TestParseResponse_SkippedWithReason(t *testing.T) {
	line := `{"id": 2, "result": {"id": "t.py::test_s", "outcome": "skipped", "duration_ms": 0, "stdout": "", "stderr": "", "error": null, "skip_reason": "marked with @skip"}, "deps": []}`

	resp, err := ParseResponse([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, result.Skipped, resp.Result.Outcome)
	assert.Equal(t, "marked with @skip", resp.Result.SkipReason)
}
