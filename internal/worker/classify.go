package worker

import (
	"strings"

	"github.com/waveforge/wave-orchestrator/internal/domain"
	"github.com/waveforge/wave-orchestrator/internal/executor"
)

// transientMarkers are substrings in agent output that indicate an
// environmental failure rather than a defect in the work itself. This is the
// only place raw agent text is inspected; everything downstream sees the
// typed FailureKind.
var transientMarkers = []string{
	"quota",
	"rate limit",
	"too many requests",
	"overloaded",
	"temporarily unavailable",
	"service unavailable",
	"connection refused",
	"connection reset",
	"network error",
	"could not resolve host",
	"529",
}

// classifyFailure maps a failed agent run to a failure kind and message.
func classifyFailure(res *executor.RunResult) (domain.FailureKind, string) {
	if res.TimedOut || res.Hung {
		return domain.FailureTransient, res.ExitErr.Error()
	}

	text := strings.ToLower(res.OutputText())
	if res.ExitErr != nil {
		text += " " + strings.ToLower(res.ExitErr.Error())
	}
	for _, marker := range transientMarkers {
		if strings.Contains(text, marker) {
			return domain.FailureTransient, "transient agent failure (" + marker + "): " + res.ExitErr.Error()
		}
	}
	return domain.FailureReal, res.ExitErr.Error()
}
