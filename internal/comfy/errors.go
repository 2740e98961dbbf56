package comfy

import (
	"fmt"
)

// ExecutionError reports a submission the backend rejected, failed or did
// not finish in time.
type ExecutionError struct {
	PromptID string
	NodeID   string
	NodeType string
	Message  string
	Timeout  bool
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Timeout:
		return fmt.Sprintf("execution %s timed out: %s", e.PromptID, msg)
	case e.NodeID != "":
		return fmt.Sprintf("execution %s failed at node %s (%s): %s", e.PromptID, e.NodeID, e.NodeType, msg)
	case e.PromptID != "":
		return fmt.Sprintf("execution %s failed: %s", e.PromptID, msg)
	}
	return "execution failed: " + msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }
