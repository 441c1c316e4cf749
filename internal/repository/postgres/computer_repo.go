package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/netwatch-relay/internal/domain"
)

type ComputerRepo struct {
	pool *pgxpool.Pool
}

func NewComputerRepo(pool *pgxpool.Pool) *ComputerRepo {
	return &ComputerRepo{pool: pool}
}

// Upsert резолвит Computer по данным handshake: сперва ищем по аппаратному
// отпечатку (machine_id / MAC), потом по hostname, иначе создаем новую запись.
// В любом случае обновляем мутабельные поля и ставим статус online.
func (r *ComputerRepo) Upsert(ctx context.Context, info domain.HandshakeInfo) (*domain.Computer, error) {
	// 1. Поиск существующей записи. Приоритет: отпечаток, затем hostname.
	query := `SELECT id FROM computers WHERE machine_id = $1 OR mac_address = $2
	          ORDER BY (machine_id = $1) DESC LIMIT 1`
	var id string
	err := r.pool.QueryRow(ctx, query, info.MachineID, info.MacAddress).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = r.pool.QueryRow(ctx,
			`SELECT id FROM computers WHERE hostname = $1 LIMIT 1`, info.Hostname).Scan(&id)
	}

	switch {
	case err == nil:
		// 2a. Нашли — обновляем мутабельные поля
		_, err = r.pool.Exec(ctx, `
			UPDATE computers SET
				hostname = $2, machine_id = $3, mac_address = $4, ip_address = $5,
				os_type = $6, os_version = $7, agent_version = $8,
				status = $9, last_seen = NOW(), updated_at = NOW()
			WHERE id = $1`,
			id, info.Hostname, info.MachineID, info.MacAddress, info.IPAddress,
			info.OSType, info.OSVersion, info.AgentVersion, domain.StatusOnline)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to update computer: %w", err)
		}

	case errors.Is(err, pgx.ErrNoRows):
		// 2b. Первый handshake этой машины — создаем запись
		id = uuid.New().String()
		_, err = r.pool.Exec(ctx, `
			INSERT INTO computers
				(id, hostname, machine_id, mac_address, ip_address,
				 os_type, os_version, agent_version, status, last_seen, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), NOW())`,
			id, info.Hostname, info.MachineID, info.MacAddress, info.IPAddress,
			info.OSType, info.OSVersion, info.AgentVersion, domain.StatusOnline)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to create computer: %w", err)
		}

	default:
		return nil, fmt.Errorf("postgres: computer lookup failed: %w", err)
	}

	return r.Get(ctx, id)
}

// Get возвращает запись по ID.
func (r *ComputerRepo) Get(ctx context.Context, id string) (*domain.Computer, error) {
	var c domain.Computer
	err := r.pool.QueryRow(ctx, `
		SELECT id, hostname, machine_id, mac_address, ip_address,
		       os_type, os_version, agent_version, status,
		       cpu_usage, memory_usage, disk_usage, last_seen, created_at, updated_at
		FROM computers WHERE id = $1`, id).Scan(
		&c.ID, &c.Hostname, &c.MachineID, &c.MacAddress, &c.IPAddress,
		&c.OSType, &c.OSVersion, &c.AgentVersion, &c.Status,
		&c.CPUUsage, &c.MemoryUsage, &c.DiskUsage, &c.LastSeen, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: computer %s not found: %w", id, err)
		}
		return nil, fmt.Errorf("postgres: database error: %w", err)
	}
	return &c, nil
}

// SetStatus переключает online/offline (используется и liveness-свипером).
func (r *ComputerRepo) SetStatus(ctx context.Context, id string, status domain.ComputerStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE computers SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: computer %s not found", id)
	}
	return nil
}

// UpdateHeartbeat обновляет живые метрики из heartbeat.
func (r *ComputerRepo) UpdateHeartbeat(ctx context.Context, id string, hb domain.HeartbeatInfo) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE computers SET
			cpu_usage = $2, memory_usage = $3, disk_usage = $4,
			status = $5, last_seen = NOW(), updated_at = NOW()
		WHERE id = $1`,
		id, hb.CPUUsage, hb.MemoryUsage, hb.DiskUsage, domain.StatusOnline)
	if err != nil {
		return fmt.Errorf("postgres: failed to update heartbeat: %w", err)
	}
	return nil
}
