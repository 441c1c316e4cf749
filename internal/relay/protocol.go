package relay

import "encoding/json"

// Envelope — рамка любого сообщения в обоих каналах: {"event": ..., "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// События агентского канала (агент -> релей)
const (
	EvAuth                 = "auth"
	EvHeartbeat            = "heartbeat"
	EvScreenshot           = "screenshot"
	EvScreenFrame          = "screen_frame"
	EvActivityLog          = "activity_log"
	EvKeystrokes           = "keystrokes"
	EvClipboard            = "clipboard"
	EvProcessList          = "process_list"
	EvCommandResponse      = "command_response"
	EvTerminalOutput       = "terminal_output"
	EvFileTransferProgress = "file_transfer_progress"
	EvFileContent          = "file_content"
	EvDirectoryListing     = "directory_listing"
)

// События агентского канала (релей -> агент)
const (
	EvAuthSuccess        = "auth_success"
	EvAuthError          = "auth_error"
	EvCommand            = "command"
	EvStartScreenStream  = "start_screen_stream"
	EvStopScreenStream   = "stop_screen_stream"
	EvCaptureScreenshot  = "capture_screenshot"
	EvRemoteInput        = "remote_input"
	EvStartRemoteControl = "start_remote_control"
	EvStartTerminal      = "start_terminal"
	EvTerminalInput      = "terminal_input"
	EvFileTransfer       = "file_transfer"
	EvListDirectory      = "list_directory"
	EvShowMessage        = "show_message"
	EvError              = "error"
)

// События консольного канала (консоль -> релей)
const (
	EvAuthenticate    = "authenticate"
	EvWatch           = "watch"
	EvUnwatch         = "unwatch"
	EvSendCommand     = "send_command"
	EvTerminalCommand = "terminal_command"
	EvSendMessage     = "send_message"
	// remote_input, capture_screenshot, start_remote_control, file_transfer,
	// list_directory переиспользуют имена агентских событий
)

// События консольного канала (релей -> консоль)
const (
	EvOnlineComputers     = "online_computers"
	EvAgentOnline         = "agent_online"
	EvAgentOffline        = "agent_offline"
	EvCommandSent         = "command_sent"
	EvCommandError        = "command_error"
	EvCommandResult       = "command_result"
	EvFileTransferStarted = "file_transfer_started"
	EvFileTransferError   = "file_transfer_error"
	EvMessageSent         = "message_sent"
	EvRelayError          = "relay_error"
	// Телеметрия ретранслируется под родными именами (heartbeat, screen_frame, ...)
)

// ----- Агентский канал -----

// AuthPayload — handshake агента. Поля соответствуют формату агента (camelCase).
type AuthPayload struct {
	MachineID    string `json:"machineId"`
	Hostname     string `json:"hostname"`
	OSType       string `json:"osType"`
	OSVersion    string `json:"osVersion"`
	MacAddress   string `json:"macAddress"`
	IPAddress    string `json:"ipAddress"`
	AgentVersion string `json:"agentVersion"`
}

type ServerConfigPayload struct {
	ScreenshotInterval  int `json:"screenshotInterval,omitempty"`
	ActivityLogInterval int `json:"activityLogInterval,omitempty"`
	KeystrokeBufferSize int `json:"keystrokeBufferSize,omitempty"`
}

type AuthSuccessPayload struct {
	ComputerID string              `json:"computerId"`
	Config     ServerConfigPayload `json:"config"`
}

type AuthErrorPayload struct {
	Message string `json:"message"`
}

type HeartbeatPayload struct {
	CPUUsage      float64 `json:"cpuUsage"`
	MemoryUsage   float64 `json:"memoryUsage"`
	DiskUsage     float64 `json:"diskUsage"`
	ActiveWindow  string  `json:"activeWindow,omitempty"`
	ActiveProcess string  `json:"activeProcess,omitempty"`
	IsIdle        bool    `json:"isIdle"`
	IdleTime      uint64  `json:"idleTime"`
}

type CommandPayload struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CommandResponsePayload struct {
	CommandID string `json:"commandId"`
	Success   bool   `json:"success"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

type StartScreenStreamPayload struct {
	Quality int `json:"quality"`
	FPS     int `json:"fps"`
}

// StartRemoteControlPayload открывает на агенте сессию удаленного управления.
// sessionId чеканит релей; quality/fps — серверные параметры стрима.
type StartRemoteControlPayload struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode,omitempty"`
	Quality   int    `json:"quality"`
	FPS       int    `json:"fps"`
}

type StartTerminalPayload struct {
	SessionID string `json:"sessionId"`
	Shell     string `json:"shell,omitempty"`
}

type TerminalInputPayload struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

type AgentRemoteInputPayload struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

type AgentFileTransferPayload struct {
	TransferID string `json:"transferId"`
	Direction  string `json:"direction"` // upload | download
	RemotePath string `json:"remotePath"`
	FileData   string `json:"fileData,omitempty"` // base64, только для upload
}

type ListDirectoryPayload struct {
	Path string `json:"path"`
}

type ShowMessagePayload struct {
	Message string `json:"message"`
}

// ----- Консольный канал -----

type AuthenticatePayload struct {
	Token      string `json:"token,omitempty"`
	OperatorID string `json:"operatorId,omitempty"`
}

type WatchPayload struct {
	ComputerID string `json:"computerId"`
}

type SendCommandPayload struct {
	ComputerID string          `json:"computerId"`
	Command    string          `json:"command"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type ConsoleRemoteInputPayload struct {
	ComputerID string          `json:"computerId"`
	Type       string          `json:"type"`
	Event      json.RawMessage `json:"event"`
}

type ConsoleCaptureScreenshotPayload struct {
	ComputerID string `json:"computerId"`
}

type ConsoleStartRemoteControlPayload struct {
	ComputerID string `json:"computerId"`
	Mode       string `json:"mode,omitempty"` // view | control
}

type TerminalCommandPayload struct {
	ComputerID string `json:"computerId"`
	SessionID  string `json:"sessionId,omitempty"`
	Input      string `json:"input"`
}

type ConsoleFileTransferPayload struct {
	ComputerID string `json:"computerId"`
	Direction  string `json:"direction"`
	RemotePath string `json:"remotePath"`
	FileData   string `json:"fileData,omitempty"`
}

type ConsoleListDirectoryPayload struct {
	ComputerID string `json:"computerId"`
	Path       string `json:"path"`
}

type SendMessagePayload struct {
	ComputerID string `json:"computerId"`
	Message    string `json:"message"`
}

type OnlineComputersPayload struct {
	Computers []string `json:"computers"`
}

type AgentStatusPayload struct {
	ComputerID string `json:"computerId"`
	Hostname   string `json:"hostname,omitempty"`
}

type CommandSentPayload struct {
	CommandID string `json:"commandId"`
}

type CommandErrorPayload struct {
	CommandID string `json:"commandId,omitempty"`
	Error     string `json:"error"`
}

type FileTransferStartedPayload struct {
	TransferID string `json:"transferId"`
	ComputerID string `json:"computerId"`
}

type FileTransferErrorPayload struct {
	TransferID string `json:"transferId,omitempty"`
	Error      string `json:"error"`
}

type MessageSentPayload struct {
	ComputerID string `json:"computerId"`
}

type SessionStartedPayload struct {
	SessionID  string `json:"sessionId"`
	ComputerID string `json:"computerId"`
}

// RelayErrorPayload — явная ошибка консоли с различимой причиной:
// агент офлайн, ошибка валидации или внутренняя ошибка сервера.
type RelayErrorPayload struct {
	Scope string `json:"scope"` // какой запрос провалился
	Error string `json:"error"`
}

// Канонические тексты ошибок, на которые завязан UI консоли.
const (
	ErrAgentNotOnline = "Agent not online"
	ErrNotWatching    = "Not watching this computer"
	ErrServerError    = "Server error"
)

// tagComputer подмешивает computerId в payload агентского события перед
// ретрансляцией наблюдателям: консоль может смотреть несколько машин сразу.
func tagComputer(data json.RawMessage, computerID string) map[string]interface{} {
	m := map[string]interface{}{}
	if len(data) > 0 {
		// Ошибку разбора игнорируем сознательно: хоть computerId доедет
		_ = json.Unmarshal(data, &m)
	}
	m["computerId"] = computerID
	return m
}
