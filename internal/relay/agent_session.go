package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/netwatch-relay/internal/domain"
	"github.com/xela07ax/netwatch-relay/internal/telemetry"
	"go.uber.org/zap"
)

// Состояния session handler'а. Явный enum вместо размазанных if'ов:
// сообщение, несовместимое с текущим состоянием, отклоняется структурно.
type sessionState int

const (
	stateConnected sessionState = iota
	stateAuthenticated
	stateTerminated
)

// AgentSession владеет жизненным циклом одного агентского соединения:
// handshake, роутинг входящей телеметрии, доставка команд, cleanup.
// Все входящие сообщения обрабатываются последовательно в одной горутине —
// порядок прибытия сохраняется, локов на состоянии сессии нет.
type AgentSession struct {
	ns     *Namespace
	conn   EventConn
	logger *zap.Logger

	state      sessionState
	computerID string
	hostname   string
	remoteIP   string
	violations int

	cleanupOnce sync.Once
}

func NewAgentSession(ns *Namespace, conn EventConn, remoteIP string) *AgentSession {
	return &AgentSession{
		ns:       ns,
		conn:     conn,
		logger:   ns.logger.Named("agent").With(zap.String("conn_id", conn.ID())),
		state:    stateConnected,
		remoteIP: remoteIP,
	}
}

// Run блокируется до конца жизни соединения. Cleanup гарантированно
// выполняется ровно один раз, каким бы путем мы отсюда ни вышли.
func (s *AgentSession) Run(ctx context.Context) {
	defer s.cleanup()
	defer s.conn.Close()

	if !s.handshake(ctx) {
		return
	}

	for {
		env, err := s.conn.ReadEvent()
		if err != nil {
			// Синтаксический мусор в кадре — протокольное нарушение, не смерть транспорта
			if errors.Is(err, ErrMalformedFrame) {
				if !s.violation("malformed frame") {
					return
				}
				continue
			}
			// Транспортный сбой: peer уже мертв, ошибку ему не вернешь — только cleanup
			s.logger.Info("agent disconnected",
				zap.String("computer_id", s.computerID), zap.Error(err))
			return
		}

		if !s.conn.Allow() {
			if !s.violation("rate limit exceeded") {
				return
			}
			continue
		}

		if !s.dispatch(ctx, env) {
			return
		}
	}
}

// handshake ждет auth-сообщение в пределах grace period и резолвит Computer.
// Полуоткрытые соединения без handshake рубятся по таймауту.
func (s *AgentSession) handshake(ctx context.Context) bool {
	s.conn.SetReadDeadline(time.Now().Add(s.ns.cfg.HandshakeTimeout))

	env, err := s.conn.ReadEvent()
	if err != nil {
		s.logger.Info("agent handshake failed", zap.Error(err))
		return false
	}
	if env.Event != EvAuth {
		s.conn.Emit(EvAuthError, AuthErrorPayload{Message: "expected auth"})
		s.logger.Warn("first agent message is not auth", zap.String("event", env.Event))
		return false
	}

	var payload AuthPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		s.conn.Emit(EvAuthError, AuthErrorPayload{Message: "malformed auth payload"})
		return false
	}
	if payload.IPAddress == "" {
		payload.IPAddress = s.remoteIP
	}

	var comp *domain.Computer
	err = s.ns.guard.Exec(ctx, func(c context.Context) error {
		var e error
		comp, e = s.ns.computers.Upsert(c, domain.HandshakeInfo{
			MachineID:    payload.MachineID,
			Hostname:     payload.Hostname,
			OSType:       payload.OSType,
			OSVersion:    payload.OSVersion,
			MacAddress:   payload.MacAddress,
			IPAddress:    payload.IPAddress,
			AgentVersion: payload.AgentVersion,
		})
		return e
	})
	if err != nil {
		s.logger.Error("computer registration failed",
			zap.String("hostname", payload.Hostname), zap.Error(err))
		s.conn.Emit(EvAuthError, AuthErrorPayload{Message: "registration failed"})
		return false
	}

	s.computerID = comp.ID
	s.hostname = comp.Hostname
	s.state = stateAuthenticated

	// Дальше дедлайн чтения продлевает pong handler
	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	// Last-handshake-wins: прежнее соединение этой машины вытесняется.
	// Мы его не закрываем — оно умрет само и увидит, что уже не текущее.
	if prev := s.ns.presence.Register(s.computerID, s.conn); prev != nil {
		s.logger.Info("superseded previous agent connection",
			zap.String("computer_id", s.computerID),
			zap.String("prev_conn_id", prev.ID()))
	}
	s.ns.metrics.ConnectedAgents.WithLabelValues(s.ns.name).Inc()

	s.conn.Emit(EvAuthSuccess, AuthSuccessPayload{
		ComputerID: s.computerID,
		Config: ServerConfigPayload{
			ScreenshotInterval:  s.ns.cfg.ScreenshotInterval,
			ActivityLogInterval: s.ns.cfg.ActivityLogInterval,
			KeystrokeBufferSize: s.ns.cfg.KeystrokeBufferSize,
		},
	})

	// Накопленные PENDING-команды уезжают ДО обработки любой новой телеметрии
	s.ns.FlushPending(ctx, s.computerID)

	// Глобальный броадкаст: agent_online нужен всем консолям для списков машин,
	// не только наблюдателям
	s.ns.router.ToAllConsoles(EvAgentOnline, AgentStatusPayload{
		ComputerID: s.computerID,
		Hostname:   s.hostname,
	})

	s.logger.Info("agent authenticated",
		zap.String("computer_id", s.computerID),
		zap.String("hostname", s.hostname),
		zap.String("agent_version", payload.AgentVersion))
	return true
}

// dispatch обрабатывает одно событие AUTHENTICATED-агента.
// Возвращает false, когда соединение пора закрывать.
func (s *AgentSession) dispatch(ctx context.Context, env Envelope) bool {
	switch env.Event {
	case EvHeartbeat:
		return s.onHeartbeat(ctx, env)

	case EvScreenFrame, EvTerminalOutput, EvFileTransferProgress, EvFileContent, EvDirectoryListing:
		// Живые потоки: только фан-аут наблюдателям, без персистентности
		s.ns.router.ToWatchers(s.computerID, env.Event, tagComputer(env.Data, s.computerID))
		return true

	case EvActivityLog, EvKeystrokes, EvScreenshot, EvClipboard, EvProcessList:
		// Историческая телеметрия: асинхронная запись + фан-аут
		s.persist(env.Event, env.Data)
		s.ns.router.ToWatchers(s.computerID, env.Event, tagComputer(env.Data, s.computerID))
		return true

	case EvCommandResponse:
		return s.onCommandResponse(ctx, env)

	case EvAuth:
		// Повторный auth на аутентифицированном соединении — нарушение протокола
		return s.violation("duplicate auth")

	default:
		return s.violation("unknown event: " + env.Event)
	}
}

func (s *AgentSession) onHeartbeat(ctx context.Context, env Envelope) bool {
	var hb HeartbeatPayload
	if err := json.Unmarshal(env.Data, &hb); err != nil {
		return s.violation("malformed heartbeat")
	}

	// Обновляем liveness-отметку и живые метрики машины
	s.ns.presence.Touch(s.computerID)
	if err := s.ns.guard.Exec(ctx, func(c context.Context) error {
		return s.ns.computers.UpdateHeartbeat(c, s.computerID, domain.HeartbeatInfo{
			CPUUsage:    hb.CPUUsage,
			MemoryUsage: hb.MemoryUsage,
			DiskUsage:   hb.DiskUsage,
		})
	}); err != nil {
		// Недоступная база не мешает ретрансляции heartbeat наблюдателям
		s.logger.Warn("heartbeat persistence failed",
			zap.String("computer_id", s.computerID), zap.Error(err))
	}

	s.ns.router.ToWatchers(s.computerID, EvHeartbeat, tagComputer(env.Data, s.computerID))
	return true
}

func (s *AgentSession) onCommandResponse(ctx context.Context, env Envelope) bool {
	var resp CommandResponsePayload
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return s.violation("malformed command_response")
	}

	if err := s.ns.guard.Exec(ctx, func(c context.Context) error {
		return s.ns.commands.Complete(c, resp.CommandID, resp.Success, resp.Error)
	}); err != nil {
		s.logger.Error("failed to record command result",
			zap.String("command_id", resp.CommandID), zap.Error(err))
	}

	// Результаты команд — глобальное событие: их ждет выдавшая консоль,
	// которая может и не быть наблюдателем машины
	s.ns.router.ToAllConsoles(EvCommandResult, tagComputer(env.Data, s.computerID))
	return true
}

func (s *AgentSession) persist(kind string, data json.RawMessage) {
	payload := map[string]interface{}{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			s.logger.Warn("unparseable telemetry payload skipped",
				zap.String("kind", kind), zap.Error(err))
			return
		}
	}
	s.ns.sink.Record(telemetry.Event{
		ID:         uuid.New().String(),
		ComputerID: s.computerID,
		Kind:       kind,
		Payload:    payload,
	})
}

// violation фиксирует протокольное нарушение: явная ошибка отправителю,
// разрыв только при превышении порога (не рубим соединение за разовый мусор).
func (s *AgentSession) violation(msg string) bool {
	s.violations++
	s.ns.metrics.ProtocolViolations.WithLabelValues(s.ns.name, "agent").Inc()
	s.conn.Emit(EvError, AuthErrorPayload{Message: msg})
	if s.violations >= s.ns.cfg.ViolationLimit {
		s.logger.Warn("agent exceeded violation limit, closing",
			zap.String("computer_id", s.computerID))
		return false
	}
	return true
}

// cleanup выполняется ровно один раз на соединение, каким бы путем
// ни был замечен дисконнект.
func (s *AgentSession) cleanup() {
	s.cleanupOnce.Do(func() {
		wasAuthenticated := s.state == stateAuthenticated
		s.state = stateTerminated
		if !wasAuthenticated {
			return
		}

		// Compare-and-delete: если нас уже вытеснил новый handshake,
		// presence-запись принадлежит преемнику — не трогаем ни ее, ни статус в БД
		if !s.ns.presence.Unregister(s.computerID, s.conn) {
			s.logger.Debug("superseded connection closed",
				zap.String("computer_id", s.computerID))
			return
		}

		s.ns.metrics.ConnectedAgents.WithLabelValues(s.ns.name).Dec()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.ns.guard.Exec(ctx, func(c context.Context) error {
			return s.ns.computers.SetStatus(c, s.computerID, domain.StatusOffline)
		}); err != nil {
			s.logger.Error("failed to mark computer offline",
				zap.String("computer_id", s.computerID), zap.Error(err))
		}

		s.ns.router.ToAllConsoles(EvAgentOffline, AgentStatusPayload{
			ComputerID: s.computerID,
			Hostname:   s.hostname,
		})
		s.logger.Info("agent session cleaned up", zap.String("computer_id", s.computerID))
	})
}
