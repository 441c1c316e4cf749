package telemetry

import "time"

// Виды телеметрии, которые релей сохраняет в историю.
const (
	KindActivity    = "activity_log"
	KindKeystrokes  = "keystrokes"
	KindScreenshot  = "screenshot"
	KindClipboard   = "clipboard"
	KindProcessList = "process_list"
)

type Event struct {
	ID         string                 `json:"id"`          // UUID события
	ComputerID string                 `json:"computer_id"` // Чья машина
	Kind       string                 `json:"kind"`        // Тип телеметрии
	Payload    map[string]interface{} `json:"payload"`     // Сырой payload события агента
	Timestamp  time.Time              `json:"timestamp"`
}
