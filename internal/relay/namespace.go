package relay

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/xela07ax/netwatch-relay/internal/domain"
	"github.com/xela07ax/netwatch-relay/internal/infra"
	"github.com/xela07ax/netwatch-relay/internal/infra/auth"
	"github.com/xela07ax/netwatch-relay/internal/telemetry"
	"go.uber.org/zap"
)

// Deps — внешние зависимости namespace, собираются один раз в main.
type Deps struct {
	Logger    *zap.Logger
	Computers ComputerStore
	Commands  CommandStore
	Sink      telemetry.Sink
	Validator auth.TokenValidator // nil — доверяем заявленному operatorId
	Metrics   *Metrics
	Mirror    PresenceMirrorSink // nil — без зеркала в Redis
}

// Namespace — один полностью независимый экземпляр релея: свои Presence
// Directory, Watch Registry, Router и оба websocket-эндпоинта.
//
// Front door исторически двойной: часть клиентов ходит через
// path-prefixed reverse proxy, часть напрямую. Каждый prefix получает СВОЙ
// namespace, состояние не разделяется: агент, зашедший через один listener,
// невидим консолям другого. Это внешне наблюдаемое поведение роутинга,
// "чинить" его объединением директорий нельзя.
type Namespace struct {
	name string
	cfg  infra.RelayConfig

	logger   *zap.Logger
	presence *PresenceDirectory
	watch    *WatchRegistry
	consoles *consoleSet
	router   *Router

	computers ComputerStore
	commands  CommandStore
	sink      telemetry.Sink
	validator auth.TokenValidator
	guard     *StoreGuard
	metrics   *Metrics

	upgrader websocket.Upgrader
}

// NewNamespace собирает один relay namespace. Вызывается дважды —
// по разу на каждый listener prefix.
func NewNamespace(name string, cfg infra.RelayConfig, deps Deps) *Namespace {
	logger := deps.Logger.Named("relay").With(zap.String("namespace", name))
	presence := NewPresenceDirectory(deps.Mirror)
	watch := NewWatchRegistry()
	consoles := newConsoleSet()

	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Namespace{
		name:      name,
		cfg:       cfg,
		logger:    logger,
		presence:  presence,
		watch:     watch,
		consoles:  consoles,
		router:    NewRouter(name, presence, watch, consoles, logger, metrics),
		computers: deps.Computers,
		commands:  deps.Commands,
		sink:      deps.Sink,
		validator: deps.Validator,
		guard:     NewStoreGuard("relay-store-" + name),
		metrics:   metrics,
		// Агенты и консоли приходят с любых origin (desktop-клиенты, прокси)
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (ns *Namespace) Name() string { return ns.name }

// Mount вешает оба канала namespace на роутер под своим префиксом.
func (ns *Namespace) Mount(r chi.Router, prefix string) {
	r.Get(prefix+"/agent", ns.handleAgent)
	r.Get(prefix+"/console", ns.handleConsole)
}

func (ns *Namespace) handleAgent(w http.ResponseWriter, r *http.Request) {
	ws, err := ns.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ns.logger.Warn("agent upgrade failed", zap.Error(err))
		return
	}
	conn := NewConn(ws, ns.logger, ns.cfg.OutboxSize, ns.cfg.MessageRate, ns.cfg.MessageBurst)
	NewAgentSession(ns, conn, remoteIP(r)).Run(r.Context())
}

func (ns *Namespace) handleConsole(w http.ResponseWriter, r *http.Request) {
	ws, err := ns.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ns.logger.Warn("console upgrade failed", zap.Error(err))
		return
	}
	conn := NewConn(ws, ns.logger, ns.cfg.OutboxSize, ns.cfg.MessageRate, ns.cfg.MessageBurst)
	NewConsoleSession(ns, conn).Run(r.Context())
}

// FlushPending досылает PENDING-команды машины FIFO по времени создания,
// помечая каждую SENT в момент записи в соединение. Используется на handshake
// агента и по сигналу из Redis. Идемпотентен: шлется только то, что PENDING.
func (ns *Namespace) FlushPending(ctx context.Context, computerID string) {
	var cmds []*domain.Command
	err := ns.guard.Exec(ctx, func(c context.Context) error {
		var e error
		cmds, e = ns.commands.ListPending(c, computerID)
		return e
	})
	if err != nil {
		ns.logger.Warn("failed to load pending commands",
			zap.String("computer_id", computerID), zap.Error(err))
		return
	}

	for _, cmd := range cmds {
		payload := CommandPayload{ID: cmd.ID, Command: cmd.Name, Payload: cmd.Payload}
		if !ns.router.ToAgent(computerID, EvCommand, payload) {
			// Агент ушел посреди replay — остаток дождется следующего коннекта
			return
		}
		// Подтверждения от агента нет: упади мы между доставкой и MarkSent,
		// команда останется PENDING и уйдет повторно. Принятая неконсистентность.
		if err := ns.guard.Exec(ctx, func(c context.Context) error {
			return ns.commands.MarkSent(c, cmd.ID)
		}); err != nil {
			ns.logger.Error("failed to mark command sent",
				zap.String("command_id", cmd.ID), zap.Error(err))
		}
		ns.metrics.CommandsTotal.WithLabelValues(ns.name, "sent").Inc()
	}
}

// Online отвечает, держит ли этот namespace соединение машины (для control-plane).
func (ns *Namespace) Online(computerID string) bool {
	_, ok := ns.presence.Lookup(computerID)
	return ok
}

func remoteIP(r *http.Request) string {
	// RealIP middleware уже переписал RemoteAddr, если были X-Forwarded-For
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
