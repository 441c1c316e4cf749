package relay

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
)

// StoreGuard оборачивает обращения к внешнему хранилищу в Retries + Circuit Breaker.
// Когда база лежит, предохранитель открывается и вызовы отваливаются мгновенно:
// in-memory роутинг продолжает работать, а операции, зависящие от персистентности
// (выдача команд), fail closed — оператор получает явную ошибку.
type StoreGuard struct {
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

func NewStoreGuard(name string) *StoreGuard {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Более 5 ошибок подряд — открываемся
			return counts.ConsecutiveFailures > 5
		},
	})

	return &StoreGuard{cb: cb, timeout: 5 * time.Second}
}

// Exec выполняет одно обращение к хранилищу: до 3 попыток с бэкоффом,
// каждая со своим таймаутом, все под общим предохранителем.
func (g *StoreGuard) Exec(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return fn(tCtx)
		})

		return nil, retryErr
	})
	return err
}
