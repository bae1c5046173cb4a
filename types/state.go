package types

// EnvironmentalState is a discrete test condition (ambient, thermal stress,
// vibration) or a transition between stable conditions. Threshold evaluation
// is suspended while a transition state is current, absorbing instrument and
// settling latency so ramps do not produce false failures.
type EnvironmentalState struct {
	StateID      StateID        `json:"state_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	IsTransition bool           `json:"is_transition,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// StateTransition records a change from one environmental state to another.
// From is empty only for the initial state of a run.
type StateTransition struct {
	From      StateID   `json:"from_state,omitempty"`
	To        StateID   `json:"to_state"`
	Timestamp Timestamp `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}
