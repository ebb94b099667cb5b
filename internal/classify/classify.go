// Package classify turns execution results into the compiler endpoint's
// response body. Every outcome-to-message mapping lives here.
package classify

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/itstheanurag/runbox/internal/executor"
)

const (
	// MessageStderrBytes bounds how much stderr an error message carries.
	MessageStderrBytes = 4096

	EmptyCodeMessage = "No code provided."
	EmptyOutput      = "Executed successfully."
)

// Response is the wire shape of POST /api/tools/compiler/.
type Response struct {
	Output  string `json:"output"`
	IsError bool   `json:"isError"`
}

// EmptyCode is the response for a blank submission.
func EmptyCode() Response {
	return Response{Output: EmptyCodeMessage, IsError: true}
}

func Classify(r *executor.ExecutionResult) Response {
	if r == nil {
		return Response{Output: "SYSTEM ERROR: no result produced", IsError: true}
	}

	switch r.Outcome {
	case executor.OutcomeSuccess:
		if r.Stdout == "" {
			return Response{Output: EmptyOutput}
		}
		return Response{Output: r.Stdout}

	case executor.OutcomeCompileError:
		return errorResponse("COMPILATION ERROR:", diagnostics(r))

	case executor.OutcomeRuntimeError:
		header := fmt.Sprintf("RUNTIME ERROR (exit code %d):", r.ExitCode)
		if r.Signal != "" {
			header = fmt.Sprintf("RUNTIME ERROR (%s):", r.Signal)
		}
		return errorResponse(header, diagnostics(r))

	case executor.OutcomeTimeout:
		return errorResponse("TIME LIMIT EXCEEDED: "+r.Message, trim(r.Stderr))

	case executor.OutcomeResourceExceeded:
		return errorResponse("RESOURCE LIMIT EXCEEDED: "+r.Message, trim(r.Stderr))

	case executor.OutcomeRejected:
		return errorResponse("SERVICE BUSY: "+r.Message+". Please try again shortly.", "")

	case executor.OutcomeNotSupported:
		return errorResponse("UNSUPPORTED LANGUAGE: "+r.Message, "")

	default:
		// infrastructure details stay in the logs
		return errorResponse("SYSTEM ERROR: the execution environment failed, please try again.", "")
	}
}

func errorResponse(header, detail string) Response {
	if detail == "" {
		return Response{Output: header, IsError: true}
	}
	return Response{Output: header + "\n" + detail, IsError: true}
}

// diagnostics prefers stderr and falls back to stdout for toolchains that
// report errors there.
func diagnostics(r *executor.ExecutionResult) string {
	if strings.TrimSpace(r.Stderr) != "" {
		return trim(r.Stderr)
	}
	return trim(r.Stdout)
}

func trim(s string) string {
	if len(s) <= MessageStderrBytes {
		return s
	}
	cut := MessageStderrBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n... (%d more bytes)", len(s)-cut)
}
