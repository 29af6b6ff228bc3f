package exec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"

	"github.com/JasonLovesDoggo/taut/packages/core/result"
)

// TestSpec is the descriptor handed to a worker for one test.
type TestSpec struct {
	ID       string         `json:"id"`
	File     string         `json:"file"` // absolute path
	Function string         `json:"function"`
	Class    string         `json:"class,omitempty"`
	Async    bool           `json:"async"`
	Markers  map[string]any `json:"markers,omitempty"`
}

// Request is one orchestrator → worker message.
type Request struct {
	ID    uint64   `json:"id"`
	Test  TestSpec `json:"test"`
	Trace bool     `json:"trace"`
}

// DepRef is a worker-reported dependency: an absolute file path plus the
// qualified name of the entered code object ("<module>" for module level).
type DepRef struct {
	File string `json:"file"`
	Name string `json:"name"`
}

// RuntimeMarkers are the _taut_* decorator attributes the worker found on
// the callable at execution time. They are authoritative over the
// statically parsed marker set.
type RuntimeMarkers struct {
	Skip       bool           `json:"skip,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Parallel   bool           `json:"parallel,omitempty"`
	Values     map[string]any `json:"values,omitempty"`
}

// Response is one worker → orchestrator message.
type Response struct {
	ID      uint64             `json:"id"`
	Result  *result.TestResult `json:"result"`
	Deps    []DepRef           `json:"deps"`
	Markers *RuntimeMarkers    `json:"markers,omitempty"`
}

// responseSchema validates worker output before it is trusted. A response
// failing validation is treated the same as a crashed worker: the test is
// recorded as errored. The one-shot runner attaches the child's raw output;
// the warm pool reports only the validation error.
const responseSchema = `{
  "type": "object",
  "required": ["id", "result"],
  "properties": {
    "id": {"type": "integer", "minimum": 0},
    "result": {
      "type": "object",
      "required": ["id", "outcome"],
      "properties": {
        "id": {"type": "string"},
        "outcome": {"enum": ["passed", "failed", "skipped", "errored"]},
        "duration_ms": {"type": "number"},
        "stdout": {"type": "string"},
        "stderr": {"type": "string"},
        "skip_reason": {"type": "string"},
        "error": {
          "type": ["object", "null"],
          "required": ["message"],
          "properties": {
            "message": {"type": "string"},
            "traceback": {"type": "string"}
          }
        }
      }
    },
    "deps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["file", "name"],
        "properties": {
          "file": {"type": "string"},
          "name": {"type": "string"}
        }
      }
    },
    "markers": {
      "type": "object",
      "properties": {
        "skip": {"type": "boolean"},
        "skip_reason": {"type": "string"},
        "parallel": {"type": "boolean"},
        "values": {"type": "object"}
      }
    }
  }
}`

var responseValidator = gojsonschema.NewStringLoader(responseSchema)

// ParseResponse decodes and validates one protocol line.
func ParseResponse(line []byte) (*Response, error) {
	doc := gojsonschema.NewBytesLoader(line)
	res, err := gojsonschema.Validate(responseValidator, doc)
	if err != nil {
		return nil, fmt.Errorf("malformed worker output: %w", err)
	}
	if !res.Valid() {
		var problems []string
		for _, e := range res.Errors() {
			problems = append(problems, e.String())
		}
		return nil, fmt.Errorf("invalid worker response: %s", strings.Join(problems, "; "))
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("malformed worker output: %w", err)
	}
	return &resp, nil
}

// ExtractResponse finds the response line in a one-shot child's full
// stdout. Well-behaved children print exactly one line, but a test that
// writes to the real stdout before capture starts (or a crashing
// interpreter) can surround it with noise; the last JSON line carrying a
// "result" key wins.
func ExtractResponse(stdout []byte) (*Response, error) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !gjson.Valid(line) {
			continue
		}
		if !gjson.Get(line, "result").Exists() {
			continue
		}
		return ParseResponse([]byte(line))
	}
	return nil, fmt.Errorf("no response found in child output")
}

// IsReadyLine reports whether a protocol line is the worker startup
// handshake, and returns the announced pid.
func IsReadyLine(line []byte) (pid int, ok bool) {
	s := string(line)
	if !gjson.Valid(s) || !gjson.Get(s, "ready").Bool() {
		return 0, false
	}
	return int(gjson.Get(s, "pid").Int()), true
}

// EncodeRequest renders one protocol line, newline-terminated.
func EncodeRequest(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
