package relay

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/netwatch-relay/internal/infra"
	"go.uber.org/zap"
)

// PresenceMirror зеркалирует онлайн-набор namespace в Redis Set —
// внешний дашборд читает presence, не дергая релей. Записи fire-and-forget:
// сбой Redis логируется и не влияет на роутинг.
type PresenceMirror struct {
	rdb    *redis.Client
	key    string
	logger *zap.Logger
}

func NewPresenceMirror(rdb *redis.Client, namespace string, logger *zap.Logger) *PresenceMirror {
	return &PresenceMirror{
		rdb:    rdb,
		key:    infra.OnlineSetKey(namespace),
		logger: logger.Named("presence-mirror").With(zap.String("namespace", namespace)),
	}
}

// Reset чистит набор при старте: после рестарта релея никто не онлайн.
func (m *PresenceMirror) Reset(ctx context.Context) error {
	return m.rdb.Del(ctx, m.key).Err()
}

func (m *PresenceMirror) Added(computerID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.rdb.SAdd(ctx, m.key, computerID).Err(); err != nil {
			m.logger.Warn("mirror add failed", zap.String("computer_id", computerID), zap.Error(err))
		}
	}()
}

func (m *PresenceMirror) Removed(computerID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.rdb.SRem(ctx, m.key, computerID).Err(); err != nil {
			m.logger.Warn("mirror remove failed", zap.String("computer_id", computerID), zap.Error(err))
		}
	}()
}

// ControlListener — "живучая" подписка на сигналы веб-приложения.
// Дашборд вставляет PENDING-команды в реестр напрямую и публикует computerID
// в Redis; релей по сигналу досылает их, если машина онлайн в одном из
// namespace'ов. Сигнал идемпотентен: уезжает только то, что PENDING.
type ControlListener struct {
	rdb        *redis.Client
	logger     *zap.Logger
	namespaces []*Namespace
}

func NewControlListener(rdb *redis.Client, logger *zap.Logger, namespaces ...*Namespace) *ControlListener {
	return &ControlListener{
		rdb:        rdb,
		logger:     logger.Named("control"),
		namespaces: namespaces,
	}
}

// Run крутит подписку с переподключением до отмены контекста.
func (l *ControlListener) Run(ctx context.Context) {
	channel := infra.RedisChanCommandSignal

	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := l.rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			l.logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			pubsub.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		l.logger.Info("command signal listener started", zap.String("chan", channel))
		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				l.logger.Info("command signal listener stopping by context...")
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				l.dispatch(ctx, msg.Payload)
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}

func (l *ControlListener) dispatch(ctx context.Context, computerID string) {
	if computerID == "" {
		l.logger.Error("empty command signal payload")
		return
	}

	// Namespace'ы изолированы — машина онлайн максимум в одном из них
	for _, ns := range l.namespaces {
		if ns.Online(computerID) {
			l.logger.Info("flushing commands by external signal",
				zap.String("computer_id", computerID),
				zap.String("namespace", ns.Name()))
			ns.FlushPending(ctx, computerID)
			return
		}
	}
	// Офлайн: команды так и останутся PENDING до следующего handshake
}
