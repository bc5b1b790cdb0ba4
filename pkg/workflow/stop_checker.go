// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"log/slog"
	"strings"

	ilog "github.com/itempass/workflowengine/internal/log"
)

// CheckerResult is the outcome of evaluating a stop_checker step. It never
// produces a StepOutputData: there is nothing downstream steps could
// reference from it.
type CheckerResult struct {
	ShouldStop     bool
	Reason         string
	EvaluatedInput string
}

// StopCheckerRunner evaluates a textual condition against a prior step's
// output without making any external call.
type StopCheckerRunner struct {
	logger *slog.Logger
}

// NewStopCheckerRunner builds a runner that logs to the given logger (or
// slog.Default() if nil).
func NewStopCheckerRunner(logger *slog.Logger) *StopCheckerRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StopCheckerRunner{logger: logger}
}

// Evaluate runs the decision table in spec §4.4 against availableOutputs,
// the same output index the Workflow Runner maintains across step dispatch.
func (r *StopCheckerRunner) Evaluate(cfg *StopCheckerConfig, availableOutputs map[string]*StepOutputData) CheckerResult {
	var result CheckerResult

	if cfg.StepToCheckUUID == "" {
		result = CheckerResult{ShouldStop: false, Reason: "no step_to_check_uuid configured"}
		r.log(result)
		return result
	}

	output, ok := availableOutputs[cfg.StepToCheckUUID]
	if !ok || output == nil {
		result = CheckerResult{ShouldStop: false, Reason: "referenced step has not produced output"}
		r.log(result)
		return result
	}

	text := strings.ToLower(output.MarkdownRepresentation)
	matched := false
	for _, v := range cfg.MatchValues {
		if strings.Contains(text, strings.ToLower(v)) {
			matched = true
			break
		}
	}

	var shouldStop bool
	switch cfg.CheckMode {
	case CheckStopIfContains:
		shouldStop = matched
	case CheckContinueIfContains:
		shouldStop = !matched
	default:
		shouldStop = false
	}

	result = CheckerResult{
		ShouldStop:     shouldStop,
		Reason:         reasonFor(cfg.CheckMode, matched),
		EvaluatedInput: output.MarkdownRepresentation,
	}
	r.log(result)
	return result
}

func reasonFor(mode CheckMode, matched bool) string {
	switch {
	case mode == CheckStopIfContains && matched:
		return "match_values matched under stop_if_output_contains"
	case mode == CheckStopIfContains && !matched:
		return "no match_values matched under stop_if_output_contains"
	case mode == CheckContinueIfContains && matched:
		return "match_values matched under continue_if_output_contains"
	default:
		return "no match_values matched under continue_if_output_contains"
	}
}

func (r *StopCheckerRunner) log(result CheckerResult) {
	r.logger.Info("stop checker evaluated",
		ilog.EventKey, "stop_checker_evaluation",
		"should_stop", result.ShouldStop,
		"reason", result.Reason,
	)
}
