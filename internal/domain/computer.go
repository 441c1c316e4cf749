package domain

import "time"

type ComputerStatus string

const (
	StatusOnline  ComputerStatus = "online"  // Агент держит живое соединение
	StatusOffline ComputerStatus = "offline" // Соединения нет или heartbeat протух
)

// Computer — учетная запись наблюдаемой машины (AgentIdentity).
// Создается при первом успешном handshake, дальше только обновляется.
// Удаление — административное действие вне релея.
type Computer struct {
	ID           string         `json:"id"`           // UUID
	Hostname     string         `json:"hostname"`     // Имя машины
	MachineID    string         `json:"machineId"`    // Аппаратный отпечаток (machine id / MAC)
	MacAddress   string         `json:"macAddress"`   // MAC основного интерфейса
	IPAddress    string         `json:"ipAddress"`    // Последний известный IP
	OSType       string         `json:"osType"`       // windows / macos / linux
	OSVersion    string         `json:"osVersion"`    // Версия ОС
	AgentVersion string         `json:"agentVersion"` // Версия агента
	Status       ComputerStatus `json:"status"`

	// Живые метрики из последнего heartbeat
	CPUUsage    float64   `json:"cpuUsage"`
	MemoryUsage float64   `json:"memoryUsage"`
	DiskUsage   float64   `json:"diskUsage"`
	LastSeen    time.Time `json:"lastSeen"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HandshakeInfo — данные из auth-сообщения агента, по которым резолвится Computer.
// Приоритет матчинга: MachineID (аппаратный отпечаток), затем Hostname.
type HandshakeInfo struct {
	MachineID    string
	Hostname     string
	OSType       string
	OSVersion    string
	MacAddress   string
	IPAddress    string
	AgentVersion string
}

// HeartbeatInfo — живые метрики агента из heartbeat.
type HeartbeatInfo struct {
	CPUUsage    float64
	MemoryUsage float64
	DiskUsage   float64
}
