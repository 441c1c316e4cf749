package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/netwatch-relay/internal/domain"
	"go.uber.org/zap"
)

// ConsoleSession владеет жизненным циклом одного операторского соединения:
// подписки watch/unwatch, выдача команд, stream-control. Подписки консоли
// мутирует только ее собственный handler; чужие сессии их не трогают.
// Карты sessions/transfers — приватное состояние одной горутины, локи не нужны.
type ConsoleSession struct {
	ns     *Namespace
	conn   EventConn
	logger *zap.Logger

	state      sessionState
	operatorID string
	violations int

	// Активные stream-сессии этой консоли: sessionID/transferID -> computerID.
	// Короткоживущие routing-токены, контент релей не хранит.
	terminals map[string]string
	transfers map[string]string

	cleanupOnce sync.Once
}

func NewConsoleSession(ns *Namespace, conn EventConn) *ConsoleSession {
	return &ConsoleSession{
		ns:        ns,
		conn:      conn,
		logger:    ns.logger.Named("console").With(zap.String("conn_id", conn.ID())),
		state:     stateConnected,
		terminals: make(map[string]string),
		transfers: make(map[string]string),
	}
}

func (s *ConsoleSession) Run(ctx context.Context) {
	defer s.cleanup()
	defer s.conn.Close()

	if !s.authenticate() {
		return
	}

	for {
		env, err := s.conn.ReadEvent()
		if err != nil {
			// Синтаксический мусор в кадре — протокольное нарушение, не смерть транспорта
			if errors.Is(err, ErrMalformedFrame) {
				if !s.violation("frame", "malformed frame") {
					return
				}
				continue
			}
			s.logger.Info("console disconnected",
				zap.String("operator_id", s.operatorID), zap.Error(err))
			return
		}

		if !s.conn.Allow() {
			if !s.violation("authenticate", "rate limit exceeded") {
				return
			}
			continue
		}

		if !s.dispatch(ctx, env) {
			return
		}
	}
}

// authenticate ждет первое сообщение в пределах grace period, проверяет токен
// (или доверяет заявленному operatorId, если ключ не сконфигурирован) и сразу
// отвечает снапшотом онлайн-агентов — UI рендерится, не дожидаясь событий.
func (s *ConsoleSession) authenticate() bool {
	s.conn.SetReadDeadline(time.Now().Add(s.ns.cfg.HandshakeTimeout))

	env, err := s.conn.ReadEvent()
	if err != nil {
		s.logger.Info("console handshake failed", zap.Error(err))
		return false
	}
	if env.Event != EvAuthenticate {
		s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvAuthenticate, Error: "expected authenticate"})
		return false
	}

	var payload AuthenticatePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvAuthenticate, Error: "malformed payload"})
		return false
	}

	if s.ns.validator != nil {
		claims, err := s.ns.validator.VerifyToken(payload.Token)
		if err != nil {
			s.logger.Warn("console token rejected", zap.Error(err))
			s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvAuthenticate, Error: "invalid token"})
			return false
		}
		s.operatorID = claims.OperatorID
	} else {
		// Аутентификация — внешняя способность: без ключа доверяем identity как есть
		s.operatorID = payload.OperatorID
	}

	s.state = stateAuthenticated
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.ns.consoles.Add(s.conn)
	s.ns.metrics.ConnectedConsoles.WithLabelValues(s.ns.name).Inc()

	s.conn.Emit(EvOnlineComputers, OnlineComputersPayload{Computers: s.ns.presence.ListOnline()})

	s.logger.Info("console authenticated", zap.String("operator_id", s.operatorID))
	return true
}

func (s *ConsoleSession) dispatch(ctx context.Context, env Envelope) bool {
	switch env.Event {
	case EvWatch:
		return s.onWatch(env)
	case EvUnwatch:
		return s.onUnwatch(env)
	case EvSendCommand:
		return s.onSendCommand(ctx, env)
	case EvRemoteInput:
		return s.onRemoteInput(env)
	case EvCaptureScreenshot:
		return s.onCaptureScreenshot(env)
	case EvStartRemoteControl:
		return s.onStartRemoteControl(env)
	case EvTerminalCommand:
		return s.onTerminalCommand(env)
	case EvFileTransfer:
		return s.onFileTransfer(env)
	case EvListDirectory:
		return s.onListDirectory(env)
	case EvSendMessage:
		return s.onSendMessage(env)
	case EvAuthenticate:
		return s.violation(EvAuthenticate, "already authenticated")
	default:
		return s.violation(env.Event, "unknown event: "+env.Event)
	}
}

func (s *ConsoleSession) onWatch(env Envelope) bool {
	var p WatchPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ComputerID == "" {
		return s.violation(EvWatch, "malformed payload")
	}

	// Первый наблюдатель (0->1) включает дорогой стрим экрана.
	// Офлайн-агент — тихий no-op: start stream не queue'ится.
	if first := s.ns.watch.Watch(p.ComputerID, s.conn); first {
		s.ns.router.ToAgent(p.ComputerID, EvStartScreenStream, StartScreenStreamPayload{
			Quality: s.ns.cfg.StreamQuality,
			FPS:     s.ns.cfg.StreamFPS,
		})
	}
	return true
}

func (s *ConsoleSession) onUnwatch(env Envelope) bool {
	var p WatchPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ComputerID == "" {
		return s.violation(EvUnwatch, "malformed payload")
	}

	// Последний наблюдатель (1->0) гасит стрим. Edge-triggered: ровно один stop.
	if last := s.ns.watch.Unwatch(p.ComputerID, s.conn); last {
		s.ns.router.ToAgent(p.ComputerID, EvStopScreenStream, struct{}{})
	}
	return true
}

func (s *ConsoleSession) onSendCommand(ctx context.Context, env Envelope) bool {
	var p SendCommandPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ComputerID == "" || p.Command == "" {
		return s.violation(EvSendCommand, "malformed payload")
	}

	cmd := &domain.Command{
		ID:         uuid.New().String(),
		ComputerID: p.ComputerID,
		Name:       p.Command,
		Payload:    p.Payload,
		Status:     domain.CommandPending,
	}

	// Fail closed: без durable записи команда не уходит — операторы
	// полагаются на аудируемость выданных команд.
	if err := s.ns.guard.Exec(ctx, func(c context.Context) error {
		return s.ns.commands.Create(c, cmd)
	}); err != nil {
		s.logger.Error("command ledger write failed",
			zap.String("computer_id", p.ComputerID),
			zap.String("command", p.Command),
			zap.Error(err))
		s.ns.metrics.CommandsTotal.WithLabelValues(s.ns.name, "error").Inc()
		s.conn.Emit(EvCommandError, CommandErrorPayload{Error: ErrServerError})
		return true
	}

	delivered := s.ns.router.ToAgent(p.ComputerID, EvCommand, CommandPayload{
		ID:      cmd.ID,
		Command: cmd.Name,
		Payload: cmd.Payload,
	})
	if !delivered {
		// Запись остается PENDING и доедет при следующем коннекте агента,
		// но консоли отвечаем синхронно и явно — без тихого queue'инга
		s.ns.metrics.CommandsTotal.WithLabelValues(s.ns.name, "pending").Inc()
		s.conn.Emit(EvCommandError, CommandErrorPayload{CommandID: cmd.ID, Error: ErrAgentNotOnline})
		return true
	}

	if err := s.ns.guard.Exec(ctx, func(c context.Context) error {
		return s.ns.commands.MarkSent(c, cmd.ID)
	}); err != nil {
		s.logger.Error("failed to mark command sent",
			zap.String("command_id", cmd.ID), zap.Error(err))
	}
	s.ns.metrics.CommandsTotal.WithLabelValues(s.ns.name, "sent").Inc()
	s.conn.Emit(EvCommandSent, CommandSentPayload{CommandID: cmd.ID})

	s.logger.Info("command delivered",
		zap.String("operator_id", s.operatorID),
		zap.String("computer_id", p.ComputerID),
		zap.String("command", p.Command),
		zap.String("command_id", cmd.ID))
	return true
}

func (s *ConsoleSession) onRemoteInput(env Envelope) bool {
	var p ConsoleRemoteInputPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ComputerID == "" {
		return s.violation(EvRemoteInput, "malformed payload")
	}

	// Инъекция ввода разрешена только наблюдателю машины; чужие запросы
	// отклоняются явной ошибкой, не тихим дропом
	if !s.ns.watch.Watching(p.ComputerID, s.conn) {
		s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvRemoteInput, Error: ErrNotWatching})
		return true
	}

	if !s.ns.router.ToAgent(p.ComputerID, EvRemoteInput, AgentRemoteInputPayload{
		Type:  p.Type,
		Event: p.Event,
	}) {
		s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvRemoteInput, Error: ErrAgentNotOnline})
	}
	return true
}

// Разовый снимок по запросу оператора. Результат приедет обычным
// screenshot-событием телеметрии: персистентность + фан-аут наблюдателям.
func (s *ConsoleSession) onCaptureScreenshot(env Envelope) bool {
	var p ConsoleCaptureScreenshotPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ComputerID == "" {
		return s.violation(EvCaptureScreenshot, "malformed payload")
	}

	if !s.ns.watch.Watching(p.ComputerID, s.conn) {
		s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvCaptureScreenshot, Error: ErrNotWatching})
		return true
	}

	if !s.ns.router.ToAgent(p.ComputerID, EvCaptureScreenshot, struct{}{}) {
		s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvCaptureScreenshot, Error: ErrAgentNotOnline})
	}
	return true
}

func (s *ConsoleSession) onStartRemoteControl(env Envelope) bool {
	var p ConsoleStartRemoteControlPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ComputerID == "" {
		return s.violation(EvStartRemoteControl, "malformed payload")
	}

	if !s.ns.watch.Watching(p.ComputerID, s.conn) {
		s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvStartRemoteControl, Error: ErrNotWatching})
		return true
	}

	sessionID := uuid.New().String()
	if !s.ns.router.ToAgent(p.ComputerID, EvStartRemoteControl, StartRemoteControlPayload{
		SessionID: sessionID,
		Mode:      p.Mode,
		Quality:   s.ns.cfg.StreamQuality,
		FPS:       s.ns.cfg.StreamFPS,
	}) {
		s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvStartRemoteControl, Error: ErrAgentNotOnline})
		return true
	}

	// Дальнейший ввод идет через remote_input под той же watch-валидацией
	s.conn.Emit(EvStartRemoteControl, SessionStartedPayload{SessionID: sessionID, ComputerID: p.ComputerID})
	return true
}

func (s *ConsoleSession) onTerminalCommand(env Envelope) bool {
	var p TerminalCommandPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ComputerID == "" {
		return s.violation(EvTerminalCommand, "malformed payload")
	}

	if p.SessionID == "" {
		// Первое обращение: чеканим routing-токен сессии и открываем терминал.
		// Разрешено только наблюдателю машины.
		if !s.ns.watch.Watching(p.ComputerID, s.conn) {
			s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvTerminalCommand, Error: ErrNotWatching})
			return true
		}
		sessionID := uuid.New().String()
		if !s.ns.router.ToAgent(p.ComputerID, EvStartTerminal, StartTerminalPayload{SessionID: sessionID}) {
			s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvTerminalCommand, Error: ErrAgentNotOnline})
			return true
		}
		s.terminals[sessionID] = p.ComputerID
		s.conn.Emit(EvStartTerminal, SessionStartedPayload{SessionID: sessionID, ComputerID: p.ComputerID})
		if p.Input == "" {
			return true
		}
		p.SessionID = sessionID
	}

	// Дальше валидируем владение сессией, а не подписку: unwatch не обязан
	// рвать уже открытый терминал
	computerID, owned := s.terminals[p.SessionID]
	if !owned || computerID != p.ComputerID {
		s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvTerminalCommand, Error: "unknown terminal session"})
		return true
	}

	if !s.ns.router.ToAgent(p.ComputerID, EvTerminalInput, TerminalInputPayload{
		SessionID: p.SessionID,
		Input:     p.Input,
	}) {
		s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvTerminalCommand, Error: ErrAgentNotOnline})
	}
	return true
}

func (s *ConsoleSession) onFileTransfer(env Envelope) bool {
	var p ConsoleFileTransferPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ComputerID == "" || p.RemotePath == "" {
		return s.violation(EvFileTransfer, "malformed payload")
	}

	if !s.ns.watch.Watching(p.ComputerID, s.conn) {
		s.conn.Emit(EvFileTransferError, FileTransferErrorPayload{Error: ErrNotWatching})
		return true
	}

	transferID := uuid.New().String()
	if !s.ns.router.ToAgent(p.ComputerID, EvFileTransfer, AgentFileTransferPayload{
		TransferID: transferID,
		Direction:  p.Direction,
		RemotePath: p.RemotePath,
		FileData:   p.FileData,
	}) {
		s.conn.Emit(EvFileTransferError, FileTransferErrorPayload{Error: ErrAgentNotOnline})
		return true
	}

	s.transfers[transferID] = p.ComputerID
	s.conn.Emit(EvFileTransferStarted, FileTransferStartedPayload{
		TransferID: transferID,
		ComputerID: p.ComputerID,
	})
	return true
}

func (s *ConsoleSession) onListDirectory(env Envelope) bool {
	var p ConsoleListDirectoryPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ComputerID == "" {
		return s.violation(EvListDirectory, "malformed payload")
	}

	if !s.ns.watch.Watching(p.ComputerID, s.conn) {
		s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvListDirectory, Error: ErrNotWatching})
		return true
	}

	if !s.ns.router.ToAgent(p.ComputerID, EvListDirectory, ListDirectoryPayload{Path: p.Path}) {
		s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvListDirectory, Error: ErrAgentNotOnline})
	}
	return true
}

func (s *ConsoleSession) onSendMessage(env Envelope) bool {
	var p SendMessagePayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ComputerID == "" {
		return s.violation(EvSendMessage, "malformed payload")
	}

	if !s.ns.router.ToAgent(p.ComputerID, EvShowMessage, ShowMessagePayload{Message: p.Message}) {
		s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: EvSendMessage, Error: ErrAgentNotOnline})
		return true
	}
	s.conn.Emit(EvMessageSent, MessageSentPayload{ComputerID: p.ComputerID})
	return true
}

func (s *ConsoleSession) violation(scope, msg string) bool {
	s.violations++
	s.ns.metrics.ProtocolViolations.WithLabelValues(s.ns.name, "console").Inc()
	s.conn.Emit(EvRelayError, RelayErrorPayload{Scope: scope, Error: msg})
	if s.violations >= s.ns.cfg.ViolationLimit {
		s.logger.Warn("console exceeded violation limit, closing",
			zap.String("operator_id", s.operatorID))
		return false
	}
	return true
}

// cleanup одним проходом снимает все подписки и гасит стримы машин,
// оставшихся без наблюдателей. Ровно один раз на соединение.
func (s *ConsoleSession) cleanup() {
	s.cleanupOnce.Do(func() {
		wasAuthenticated := s.state == stateAuthenticated
		s.state = stateTerminated
		if !wasAuthenticated {
			return
		}

		s.ns.consoles.Remove(s.conn)
		s.ns.metrics.ConnectedConsoles.WithLabelValues(s.ns.name).Dec()

		for _, computerID := range s.ns.watch.RemoveConsoleEverywhere(s.conn) {
			s.ns.router.ToAgent(computerID, EvStopScreenStream, struct{}{})
		}

		s.logger.Info("console session cleaned up", zap.String("operator_id", s.operatorID))
	})
}
