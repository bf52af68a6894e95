// Copyright (c) 2026 John Earle
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

package models

import "fmt"

// Status is the processing state of an email event. Transitions only move
// forward along the pipeline; no stage may revert a terminal state or send an
// event back to PENDING/PROCESSING.
type Status string

const (
	// StatusPending is set at ingestion, before the Intent Router claims the event.
	StatusPending Status = "PENDING"
	// StatusProcessing means the Intent Router owns the event.
	StatusProcessing Status = "PROCESSING"
	// StatusAnalyzing means the event was routed to deep analysis.
	StatusAnalyzing Status = "ANALYZING"
	// StatusActionPending means the event awaits label enforcement.
	StatusActionPending Status = "ACTION_PENDING"
	// StatusCompleted is terminal: the label was enforced.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed is terminal: an unrecoverable error, with the reason
	// recorded in detection_reason.
	StatusFailed Status = "FAILED"
	// StatusSpam is terminal: enforced with a quarantine outcome. It ranks
	// the same as COMPLETED.
	StatusSpam Status = "SPAM"
)

// transitions is the legal forward edge set of the status state machine.
// FAILED is reachable from any non-terminal state and handled in CanTransition.
var transitions = map[Status][]Status{
	StatusPending:       {StatusProcessing},
	StatusProcessing:    {StatusAnalyzing, StatusActionPending},
	StatusAnalyzing:     {StatusActionPending},
	StatusActionPending: {StatusCompleted, StatusSpam},
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSpam
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new status, or an error naming the
// illegal edge. Callers run this inside a store mutator so an illegal move is
// rejected before it is persisted.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	return to, nil
}
