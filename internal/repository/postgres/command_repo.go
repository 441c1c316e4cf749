package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/netwatch-relay/internal/domain"
)

type CommandRepo struct {
	pool *pgxpool.Pool
}

func NewCommandRepo(pool *pgxpool.Pool) *CommandRepo {
	return &CommandRepo{pool: pool}
}

// Create сохраняет новую команду в статусе PENDING.
func (r *CommandRepo) Create(ctx context.Context, cmd *domain.Command) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO commands (id, computer_id, name, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		cmd.ID, cmd.ComputerID, cmd.Name, []byte(cmd.Payload), domain.CommandPending)
	if err != nil {
		return fmt.Errorf("postgres: failed to create command: %w", err)
	}
	return nil
}

// ListPending возвращает недоставленные команды агента FIFO по времени создания.
// Порядок критичен: replay при реконнекте обязан идти в порядке выдачи.
func (r *CommandRepo) ListPending(ctx context.Context, computerID string) ([]*domain.Command, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, computer_id, name, payload, status, created_at
		FROM commands
		WHERE computer_id = $1 AND status = $2
		ORDER BY created_at ASC`,
		computerID, domain.CommandPending)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list pending commands: %w", err)
	}
	defer rows.Close()

	var cmds []*domain.Command
	for rows.Next() {
		var c domain.Command
		var payload []byte
		if err := rows.Scan(&c.ID, &c.ComputerID, &c.Name, &payload, &c.Status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan command: %w", err)
		}
		c.Payload = payload
		cmds = append(cmds, &c)
	}
	return cmds, rows.Err()
}

// MarkSent фиксирует момент записи команды в соединение агента.
// Подтверждения получения нет: падение между доставкой и этим UPDATE
// оставит команду PENDING — задокументированная неконсистентность.
func (r *CommandRepo) MarkSent(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE commands SET status = $1, sent_at = NOW() WHERE id = $2`,
		domain.CommandSent, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark command sent: %w", err)
	}
	return nil
}

// Complete переводит SENT -> EXECUTED/FAILED по отчету агента.
func (r *CommandRepo) Complete(ctx context.Context, id string, success bool, errMsg string) error {
	status := domain.CommandExecuted
	if !success {
		status = domain.CommandFailed
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE commands SET status = $1, error = $2, completed_at = NOW() WHERE id = $3`,
		status, errMsg, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to complete command: %w", err)
	}
	return nil
}
