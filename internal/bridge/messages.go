package bridge

// Inbound message types from terminal clients.
const (
	typeCreateTerminal = "create_terminal"
	typeTerminalInput  = "terminal_input"
	typeTerminalResize = "terminal_resize"
)

// Outbound message types to terminal clients.
const (
	typeTerminalReady  = "terminal_ready"
	typeTerminalError  = "terminal_error"
	typeTerminalOutput = "terminal_output"
	typeTerminalClosed = "terminal_closed"
)

// clientMessage is an inbound frame from a terminal client.
type clientMessage struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	User    string `json:"user,omitempty"`
	Path    string `json:"path,omitempty"`
	Data    string `json:"data,omitempty"`
	Cols    uint16 `json:"cols,omitempty"`
	Rows    uint16 `json:"rows,omitempty"`
}

// serverMessage is an outbound frame to a terminal client.
type serverMessage struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Status  string `json:"status,omitempty"`
	Data    string `json:"data,omitempty"`
	Reason  string `json:"reason,omitempty"`
	IsOwner *bool  `json:"is_owner,omitempty"`
	Error   string `json:"error,omitempty"`
}
