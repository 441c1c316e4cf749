package domain

import (
	"encoding/json"
	"time"
)

type CommandStatus string

const (
	CommandPending  CommandStatus = "PENDING"  // Ждет доставки (агент офлайн или сигнал еще не дошел)
	CommandSent     CommandStatus = "SENT"     // Записана в соединение агента
	CommandExecuted CommandStatus = "EXECUTED" // Агент отчитался об успехе
	CommandFailed   CommandStatus = "FAILED"   // Агент отчитался об ошибке
)

// Command — durable запись команды оператора (PendingCommand).
// Жизненный цикл: PENDING -> SENT -> EXECUTED | FAILED.
// PENDING-команды доставляются FIFO по created_at при следующем коннекте агента.
type Command struct {
	ID         string          `json:"id"` // UUID
	ComputerID string          `json:"computerId"`
	Name       string          `json:"command"` // LOCK, SHUTDOWN, RESTART и т.д.
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     CommandStatus   `json:"status"`

	CreatedAt   time.Time  `json:"createdAt"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}
