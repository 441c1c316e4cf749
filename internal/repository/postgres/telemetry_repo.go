package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/netwatch-relay/internal/telemetry"
)

type TelemetryRepo struct {
	pool *pgxpool.Pool
}

func NewTelemetryRepo(pool *pgxpool.Pool) *TelemetryRepo {
	return &TelemetryRepo{pool: pool}
}

// WriteBatch сохраняет пачку событий телеметрии за один INSERT.
func (r *TelemetryRepo) WriteBatch(ctx context.Context, events []telemetry.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице telemetry_events
	numFields := 5
	var placeholders strings.Builder
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		fmt.Fprintf(&placeholders, "($%d, $%d, $%d, $%d, $%d),", p+1, p+2, p+3, p+4, p+5)

		payload, _ := json.Marshal(e.Payload)
		vals = append(vals, e.ID, e.ComputerID, e.Kind, payload, e.Timestamp)
	}

	query := fmt.Sprintf(
		"INSERT INTO telemetry_events (id, computer_id, kind, payload, timestamp) VALUES %s",
		strings.TrimSuffix(placeholders.String(), ","),
	)

	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: telemetry batch insert failed: %w", err)
	}
	return nil
}
