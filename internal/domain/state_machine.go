package domain

// transitions lists the moves the order transaction state machine allows
// towards the states this service sets. Host-only moves (refunds, chargebacks)
// are not listed because nothing here drives them.
var transitions = map[TransactionState][]TransactionState{
	TransactionOpen:        {TransactionPaid, TransactionCancelled, TransactionFailed, TransactionInProgress, TransactionAuthorized, TransactionReminded},
	TransactionInProgress:  {TransactionPaid, TransactionCancelled, TransactionFailed},
	TransactionUnconfirmed: {TransactionPaid, TransactionCancelled, TransactionFailed},
	TransactionAuthorized:  {TransactionPaid, TransactionCancelled, TransactionFailed},
	TransactionReminded:    {TransactionPaid, TransactionCancelled, TransactionFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to TransactionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition driven by this service may leave s.
func (s TransactionState) IsTerminal() bool {
	return len(transitions[s]) == 0
}
