// Package orphaninfer holds the one predicate the core owns about orphaned
// tool calls: a tool-use with no matching tool-result in a session log.
package orphaninfer

// Outcome classifies an orphaned tool call found in a session's log.
type Outcome string

const (
	// OutcomeInterrupted means we owned the session at some point, so a
	// missing result can be trusted to mean the tool call was interrupted.
	OutcomeInterrupted Outcome = "interrupted"
	// OutcomeUnknown means we never owned the session, so no claim can be
	// made about why the result is missing.
	OutcomeUnknown Outcome = "unknown"
)

// Infer classifies an orphaned tool call: everOwned should come from
// Supervisor.HasEverOwned(sessionID); hasResult is true if a matching
// tool-result was found in the log.
func Infer(everOwned, hasResult bool) Outcome {
	if hasResult {
		return OutcomeUnknown
	}
	if everOwned {
		return OutcomeInterrupted
	}
	return OutcomeUnknown
}
