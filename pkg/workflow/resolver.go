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
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InvalidPlaceholderReason classifies why a `<<X>>` reference failed
// validation, matching the prompt-validator's structured-error contract.
type InvalidPlaceholderReason string

const (
	// ReasonMalformed means the placeholder's recognized base keyword is
	// present but missing a required argument (e.g. "<<step_output.>>" or
	// "<<CURRENT_DATE.>>" with no timezone name after the dot).
	ReasonMalformed InvalidPlaceholderReason = "malformed"

	// ReasonBadUUID means a step_output reference's suffix isn't a
	// syntactically valid UUID.
	ReasonBadUUID InvalidPlaceholderReason = "bad_uuid"

	// ReasonNonPrecedingStep means a step_output reference names a real
	// UUID, but that step doesn't precede the owning step in the workflow.
	ReasonNonPrecedingStep InvalidPlaceholderReason = "non_preceding_step"

	// ReasonUnknownBase means the placeholder doesn't match any
	// recognized reference form at all.
	ReasonUnknownBase InvalidPlaceholderReason = "unknown_base"
)

// InvalidPlaceholder names one `<<X>>` reference that failed validation and
// why.
type InvalidPlaceholder struct {
	Placeholder string
	Reason      InvalidPlaceholderReason
}

var placeholderPattern = regexp.MustCompile(`<<([^<>]+)>>`)

const (
	refCurrentDate   = "CURRENT_DATE"
	refCurrentDateTZ = "CURRENT_DATE."
	refTriggerOutput = "trigger_output"
	refStepOutput    = "step_output."
)

// ResolveReferences performs a single textual pass over text, substituting
// every `<<...>>` placeholder it recognizes. Placeholders are not resolved
// recursively: content substituted in from availableOutputs is never itself
// rescanned. Unknown placeholders (unrecognized form, or a step that hasn't
// produced output yet) are left verbatim so the caller can fail naturally
// downstream instead of here.
func ResolveReferences(text string, availableOutputs map[string]*StepOutputData, now time.Time) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		ref := strings.TrimSuffix(strings.TrimPrefix(match, "<<"), ">>")

		if ref == refCurrentDate {
			return now.UTC().Format("2006-01-02")
		}
		if strings.HasPrefix(ref, refCurrentDateTZ) {
			zoneName := strings.TrimPrefix(ref, refCurrentDateTZ)
			loc, err := time.LoadLocation(zoneName)
			if err != nil {
				loc = time.UTC
			}
			return now.In(loc).Format("2006-01-02")
		}
		if ref == refTriggerOutput {
			if out, ok := availableOutputs[refTriggerOutput]; ok && out != nil {
				return out.MarkdownRepresentation
			}
			return match
		}
		if strings.HasPrefix(ref, refStepOutput) {
			stepUUID := strings.TrimPrefix(ref, refStepOutput)
			if out, ok := availableOutputs[stepUUID]; ok && out != nil {
				return out.MarkdownRepresentation
			}
			return match
		}

		return match
	})
}

// ValidateReferences checks, at workflow-editing time, that every `<<X>>`
// placeholder in text is one of the recognized forms, and that any
// step_output reference names a step UUID appearing strictly before
// ownerIndex in the workflow's step order. It returns every invalid
// placeholder found, each tagged with a reason code, rather than failing
// on the first one, so a workflow editor can surface all of them at once.
// A nil result means every placeholder in text validated.
func ValidateReferences(text string, workflowSteps []string, ownerIndex int) []InvalidPlaceholder {
	precedes := make(map[string]bool, ownerIndex)
	for i := 0; i < ownerIndex && i < len(workflowSteps); i++ {
		precedes[workflowSteps[i]] = true
	}

	var invalid []InvalidPlaceholder
	matches := placeholderPattern.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		ref := m[1]
		placeholder := "<<" + ref + ">>"

		switch {
		case ref == refCurrentDate || ref == refTriggerOutput:
			continue

		case strings.HasPrefix(ref, refCurrentDateTZ):
			zoneName := strings.TrimPrefix(ref, refCurrentDateTZ)
			if zoneName == "" {
				invalid = append(invalid, InvalidPlaceholder{Placeholder: placeholder, Reason: ReasonMalformed})
				continue
			}
			if _, err := time.LoadLocation(zoneName); err != nil {
				invalid = append(invalid, InvalidPlaceholder{Placeholder: placeholder, Reason: ReasonMalformed})
			}

		case strings.HasPrefix(ref, refStepOutput):
			stepUUID := strings.TrimPrefix(ref, refStepOutput)
			switch {
			case stepUUID == "":
				invalid = append(invalid, InvalidPlaceholder{Placeholder: placeholder, Reason: ReasonMalformed})
			case uuid.Validate(stepUUID) != nil:
				invalid = append(invalid, InvalidPlaceholder{Placeholder: placeholder, Reason: ReasonBadUUID})
			case !precedes[stepUUID]:
				invalid = append(invalid, InvalidPlaceholder{Placeholder: placeholder, Reason: ReasonNonPrecedingStep})
			}

		default:
			invalid = append(invalid, InvalidPlaceholder{Placeholder: placeholder, Reason: ReasonUnknownBase})
		}
	}
	return invalid
}
