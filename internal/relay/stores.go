package relay

import (
	"context"

	"github.com/xela07ax/netwatch-relay/internal/domain"
)

// ComputerStore — внешнее хранилище учетных записей машин.
// Релей не владеет его схемой: create-or-update по отпечатку/hostname
// и переключение online/offline — весь нужный нам контракт.
type ComputerStore interface {
	Upsert(ctx context.Context, info domain.HandshakeInfo) (*domain.Computer, error)
	SetStatus(ctx context.Context, id string, status domain.ComputerStatus) error
	UpdateHeartbeat(ctx context.Context, id string, hb domain.HeartbeatInfo) error
}

// CommandStore — durable реестр команд (Command Ledger).
type CommandStore interface {
	Create(ctx context.Context, cmd *domain.Command) error
	ListPending(ctx context.Context, computerID string) ([]*domain.Command, error)
	MarkSent(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, success bool, errMsg string) error
}
