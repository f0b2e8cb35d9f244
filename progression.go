/*
Copyright 2024 Sendbridge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sendbridge

import "github.com/sendbridge/sendbridge/model"

// Classification is the deduplication verdict for an incoming webhook event
// relative to what is already stored for its external id.
type Classification string

const (
	// NewEvent means no record exists for the external id yet.
	NewEvent Classification = "NEW_EVENT"
	// ExactDuplicate means the stored record already carries this status.
	ExactDuplicate Classification = "EXACT_DUPLICATE"
	// ValidProgression means the stored status may legally move to this one.
	ValidProgression Classification = "VALID_PROGRESSION"
	// InvalidTransition means the move is not in the progression table. The
	// event is acknowledged but produces no state change.
	InvalidTransition Classification = "INVALID_TRANSITION"
)

// validProgressions is the closed transition table for payment statuses. OK is
// the only non-terminal status; SETTLED, FAILED and ERROR accept nothing.
var validProgressions = map[model.EventStatus][]model.EventStatus{
	model.EventStatusOK:      {model.EventStatusSettled, model.EventStatusFailed, model.EventStatusError},
	model.EventStatusSettled: {},
	model.EventStatusFailed:  {},
	model.EventStatusError:   {},
}

// ClassifyTransition decides how an incoming status relates to the stored
// event, if any. An incoming verification status is always a valid
// progression: the verification domain is terminal and idempotent-safe, so
// re-delivery with a different verdict simply overwrites the stored status.
func ClassifyTransition(previous *model.WebhookEvent, next model.EventStatus) Classification {
	if previous == nil {
		return NewEvent
	}
	if previous.LastStatus == next {
		return ExactDuplicate
	}
	if next.IsVerification() {
		return ValidProgression
	}
	for _, allowed := range validProgressions[previous.LastStatus] {
		if allowed == next {
			return ValidProgression
		}
	}
	return InvalidTransition
}
