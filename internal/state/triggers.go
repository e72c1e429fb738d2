package state

// Trigger represents an event that causes a state transition.
type Trigger string

const (
	TriggerStart     Trigger = "start"
	TriggerQRIssued  Trigger = "qr_issued"
	TriggerPaired    Trigger = "paired"
	TriggerOpened    Trigger = "opened"
	TriggerClosed    Trigger = "closed"
	TriggerLoggedOut Trigger = "logged_out"
	TriggerStop      Trigger = "stop"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
