// Package comfy talks to the generation backend: it submits workflow graphs,
// awaits their lifecycle events over a WebSocket and collects the produced
// images.
package comfy

import (
	"fmt"
	"strings"
	"time"
)

// Image references one produced artifact.
type Image struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Result describes a finished execution.
type Result struct {
	PromptID      string        `json:"prompt_id"`
	Images        []Image       `json:"images"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// EventType classifies backend lifecycle events.
type EventType string

const (
	EventExecutionStarted  EventType = "execution_started"
	EventNodeStarted       EventType = "node_started"
	EventNodeCached        EventType = "node_cached"
	EventNodeFinished      EventType = "node_finished"
	EventProgress          EventType = "progress"
	EventExecutionFinished EventType = "execution_finished"
	EventExecutionError    EventType = "execution_error"
	EventInterrupted       EventType = "execution_interrupted"
	EventQueueStatus       EventType = "queue_status"
)

// Event is a normalized backend message.
type Event struct {
	Type     EventType      `json:"type"`
	PromptID string         `json:"prompt_id,omitempty"`
	NodeID   string         `json:"node_id,omitempty"`
	Value    int            `json:"value,omitempty"`
	Max      int            `json:"max,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// EventSink receives lifecycle events of an execution as they arrive.
type EventSink interface {
	OnEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// OnEvent implements EventSink.
func (f EventSinkFunc) OnEvent(e Event) { f(e) }

// FileServer locates the static server that exposes the backend's output
// directory.
type FileServer struct {
	IP        string `mapstructure:"ip"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
}

// ArtifactURL builds the file server URL of an image.
func (fs FileServer) ArtifactURL(img Image) string {
	sub := strings.Trim(img.Subfolder, "/")
	if sub != "" {
		sub += "/"
	}
	return fmt.Sprintf("http://%s:%d/comfyui_server/pw=%s/files/output/%s%s", fs.IP, fs.Port, fs.AccessKey, sub, img.Filename)
}
