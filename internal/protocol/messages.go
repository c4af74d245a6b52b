package protocol

// CmdRun is the only command the supervisor sends.
const CmdRun = "run"

// Status values workers report. Only StatusComplete changes the lifecycle.
const (
	StatusComplete = "complete"
	StatusStopped  = "stopped"
)

// RunCommand is written once to the worker when it starts.
type RunCommand struct {
	Cmd           string `json:"cmd"`
	Params        Params `json:"params"`
	SessionID     string `json:"sessionId"`
	AllowAutonomy bool   `json:"allowAutonomy"`
}

// NewRunCommand builds the initial control message for a session.
func NewRunCommand(sessionID string, params Params, allowAutonomy bool) RunCommand {
	return RunCommand{
		Cmd:           CmdRun,
		Params:        params.Clone(),
		SessionID:     sessionID,
		AllowAutonomy: allowAutonomy,
	}
}

// Message is one worker-to-supervisor update. Every field is optional and
// independent of the others.
type Message struct {
	Status   *string  `json:"status,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	Message  *string  `json:"message,omitempty"`
	Result   *Value   `json:"result,omitempty"`
	Error    *string  `json:"error,omitempty"`
}

// IsComplete reports whether the worker signalled logical completion.
func (m Message) IsComplete() bool {
	return m.Status != nil && *m.Status == StatusComplete
}

// Empty reports whether no field was set.
func (m Message) Empty() bool {
	return m.Status == nil && m.Progress == nil && m.Message == nil && m.Result == nil && m.Error == nil
}
