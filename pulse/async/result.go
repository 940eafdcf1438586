package async

import (
	"encoding/json"
	"strings"

	"github.com/teranos/relay/errors"
)

// ResultCode is the outcome a worker reports for a job
type ResultCode string

const (
	ResultSuccess ResultCode = "SUCCESS"
	ResultAborted ResultCode = "ABORTED"
	ResultError   ResultCode = "ERROR"
)

// Result is the payload a worker delivers when a job finishes
type Result struct {
	Code    ResultCode `json:"code"`
	Output  string     `json:"output,omitempty"`
	Message string     `json:"message,omitempty"`
}

// OperationAbortedResult is stored for jobs that are aborted without an
// answer from their worker.
func OperationAbortedResult() Result {
	return Result{Code: ResultAborted, Message: "operation aborted"}
}

// ParseResult decodes a worker result payload. A payload that does not
// decode, or carries an unknown code, becomes an ERROR result so that the
// job still reaches a terminal state.
func ParseResult(raw []byte) Result {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Result{Code: ResultError, Message: "empty result payload"}
	}

	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{Code: ResultError, Message: "malformed result payload: " + err.Error()}
	}

	r.Code = ResultCode(strings.ToUpper(string(r.Code)))
	switch r.Code {
	case ResultSuccess, ResultAborted, ResultError:
		return r
	default:
		return Result{Code: ResultError, Output: r.Output, Message: "unknown result code " + string(r.Code)}
	}
}

// JSON encodes the result for storage
func (r Result) JSON() json.RawMessage {
	data, err := json.Marshal(r)
	if err != nil {
		// Result only holds strings
		panic(errors.AssertionFailedf("failed to marshal result: %v", err))
	}
	return data
}
