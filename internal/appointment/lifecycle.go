package appointment

type State string

const (
	StatePending     State = "pending"
	StatePaidPending State = "paid_pending"
	StateCompleted   State = "completed"
	StateCancelled   State = "cancelled"
)

// State derives the lifecycle state from the record's flags.
func (a *Appointment) State() State {
	switch {
	case a.Cancelled:
		return StateCancelled
	case a.IsCompleted:
		return StateCompleted
	case a.Payment:
		return StatePaidPending
	default:
		return StatePending
	}
}

func (a *Appointment) Terminal() bool {
	return a.Cancelled || a.IsCompleted
}

// InQueue reports whether the appointment is still waiting to be seen.
func (a *Appointment) InQueue() bool {
	return !a.Terminal()
}

func (a *Appointment) canCancel() error {
	if a.Terminal() {
		return ErrAlreadyTerminal
	}
	return nil
}

func (a *Appointment) canComplete() error {
	if a.Terminal() {
		return ErrAlreadyTerminal
	}
	return nil
}

func (a *Appointment) canInitiatePayment() error {
	if a.Payment {
		return ErrAlreadyPaid
	}
	if a.Terminal() {
		return ErrAlreadyTerminal
	}
	return nil
}
