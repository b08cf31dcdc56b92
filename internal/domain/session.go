package domain

// State names a session state machine state.
type State string

const (
	StatePhone           State = "phone"
	StateRegisterPrompt  State = "register_prompt"
	StateOTPNew          State = "otp_new"
	StateOTPExisting     State = "otp_existing"
	StateOTPFailed       State = "otp_failed"
	StateChat            State = "chat"
	StateChatWithHistory State = "chat_with_history"
)

// States lists every defined state.
var States = []State{
	StatePhone,
	StateRegisterPrompt,
	StateOTPNew,
	StateOTPExisting,
	StateOTPFailed,
	StateChat,
	StateChatWithHistory,
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Session is the per-caller conversation state. It is passed by value through
// the state machine so a failed turn can simply discard the modified copy.
type Session struct {
	ID           string `json:"id"`
	Phone        string `json:"phone,omitempty"`
	State        State  `json:"state"`
	LastOTPState State  `json:"lastOtpState,omitempty"`
	ShowHistory  bool   `json:"showHistory,omitempty"`
}

// NewSession returns a fresh session in the initial state.
func NewSession(id string) Session {
	return Session{ID: id, State: StatePhone}
}

// Reset returns a fresh session that keeps only the caller-supplied ID.
func (s Session) Reset() Session {
	return NewSession(s.ID)
}
