package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second
)

var (
	ErrOutboxFull = errors.New("relay: connection outbox full")
	ErrConnClosed = errors.New("relay: connection closed")

	// ErrMalformedFrame — кадр дочитан, но это не валидный Envelope.
	// Сессия считает такое протокольным нарушением, а не смертью транспорта.
	ErrMalformedFrame = errors.New("relay: malformed frame")
)

// Sender — минимальный контракт доставки, которым оперируют директории и роутер.
type Sender interface {
	Emit(event string, data interface{}) error
	ID() string
	Close()
}

// EventConn — полный контракт соединения для session handler'ов.
// В тестах подменяется скриптованными фейками.
type EventConn interface {
	Sender
	ReadEvent() (Envelope, error)
	Allow() bool
	SetReadDeadline(t time.Time) error
}

// Conn оборачивает websocket: исходящая очередь с отдельным writer-гороутином,
// ping/pong keepalive и rate limit на входящие сообщения.
// Запись в websocket разрешена только из writePump — поэтому Emit кладет
// уже сериализованный кадр в outbox и никогда не блокируется.
type Conn struct {
	id      string
	ws      *websocket.Conn
	logger  *zap.Logger
	limiter *rate.Limiter

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, logger *zap.Logger, outboxSize int, msgRate float64, burst int) *Conn {
	if outboxSize <= 0 {
		outboxSize = 256
	}
	c := &Conn{
		id:      uuid.New().String(),
		ws:      ws,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(msgRate), burst),
		outbox:  make(chan []byte, outboxSize),
		done:    make(chan struct{}),
	}

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump()
	return c
}

func (c *Conn) ID() string { return c.id }

// Emit сериализует событие и кладет его в исходящую очередь.
// Медленный потребитель получает ErrOutboxFull, кадр дропается:
// бэкпрешер одного наблюдателя не должен тормозить источник.
func (c *Conn) Emit(event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("relay: failed to marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("relay: failed to marshal envelope: %w", err)
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.outbox <- frame:
		return nil
	default:
		return ErrOutboxFull
	}
}

// ReadEvent блокируется до следующего входящего сообщения.
// Дедлайн чтения управляется снаружи (handshake) и pong handler'ом.
func (c *Conn) ReadEvent() (Envelope, error) {
	var env Envelope
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}

// Allow отчитывается, укладывается ли соединение в лимит входящих сообщений.
func (c *Conn) Allow() bool {
	return c.limiter.Allow()
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Close запирает вход в Emit; физически сокет закрывает writePump,
// предварительно дописав уже поставленные в очередь кадры.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() {
		if err := c.ws.Close(); err != nil {
			c.logger.Debug("websocket close", zap.Error(err))
		}
	}()

	for {
		select {
		case frame := <-c.outbox:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed, closing connection",
					zap.String("conn_id", c.id), zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.drainOutbox()
			return
		}
	}
}

// drainOutbox дописывает хвост очереди перед закрытием сокета:
// терминальные ошибки (auth_error и подобные) обязаны доехать до peer'а.
func (c *Conn) drainOutbox() {
	for {
		select {
		case frame := <-c.outbox:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
