package transfer

// Status is a transaction's position in the transfer state machine.
//
// The happy path is pending -> charging -> completed. A processor-confirmed
// decline exits charging -> failed. An ambiguous processor outcome (timeout,
// connection failure) moves charging -> reconciling, which resolves to
// completed, failed, or failed_ambiguous once the bounded reconciliation
// budget is spent. Transitions only move forward; completed and failed are
// never left, and failed_ambiguous exits only through operator-driven
// reconciliation.
type Status string

const (
	StatusPending         Status = "pending"
	StatusCharging        Status = "charging"
	StatusReconciling     Status = "reconciling"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusFailedAmbiguous Status = "failed_ambiguous"
)

// transitions lists the allowed forward edges of the state machine.
var transitions = map[Status][]Status{
	StatusPending:     {StatusCharging},
	StatusCharging:    {StatusCompleted, StatusFailed, StatusReconciling},
	StatusReconciling: {StatusCompleted, StatusFailed, StatusFailedAmbiguous},
	// Only operator-driven reconciliation takes these edges; the executor
	// never leaves failed_ambiguous on its own.
	StatusFailedAmbiguous: {StatusCompleted, StatusFailed},
}

// Terminal reports whether the executor makes no further automatic progress
// from this status. Completed and failed are final; failed_ambiguous is
// terminal for the executor but can still be finalized by operator-driven
// reconciliation.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusFailedAmbiguous:
		return true
	}
	return false
}

// Reconcilable reports whether a transaction in this status can be settled by
// the reconciliation workflow. Covers failed_ambiguous rows plus charging and
// reconciling rows orphaned by a crash or a failed ledger write after the
// charge: the charge may have reached the processor, but the ledger does not
// yet record a definitive outcome.
func (s Status) Reconcilable() bool {
	switch s {
	case StatusCharging, StatusReconciling, StatusFailedAmbiguous:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving from one
// status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
