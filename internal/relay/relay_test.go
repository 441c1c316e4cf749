package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/netwatch-relay/internal/domain"
	"github.com/xela07ax/netwatch-relay/internal/infra"
	"github.com/xela07ax/netwatch-relay/internal/telemetry"
	"go.uber.org/zap"
)

// ----- Общие фейки для тестов роутинга и сессий -----

type recordedEvent struct {
	Event string
	Data  []byte
}

// readResult — один результат ReadEvent: кадр или ошибка чтения.
type readResult struct {
	env Envelope
	err error
}

// fakeConn — скриптуемое соединение: входящие события кладутся в inbox,
// исходящие записываются для ассертов.
type fakeConn struct {
	id    string
	inbox chan readResult

	mu       sync.Mutex
	sent     []recordedEvent
	failSend bool

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{
		id:     id,
		inbox:  make(chan readResult, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Emit(event string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return ErrOutboxFull
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, recordedEvent{Event: event, Data: raw})
	return nil
}

func (f *fakeConn) ReadEvent() (Envelope, error) {
	select {
	case r := <-f.inbox:
		return r.env, r.err
	case <-f.closed:
		return Envelope{}, io.EOF
	}
}

func (f *fakeConn) Allow() bool                     { return true }
func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() {
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) setFailSend(v bool) {
	f.mu.Lock()
	f.failSend = v
	f.mu.Unlock()
}

// push скармливает сессии входящее событие.
func (f *fakeConn) push(t *testing.T, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	f.inbox <- readResult{env: Envelope{Event: event, Data: raw}}
}

// pushReadError скармливает сессии ошибку чтения (битый кадр и т.п.).
func (f *fakeConn) pushReadError(err error) {
	f.inbox <- readResult{err: err}
}

// events возвращает снапшот отправленных событий с данным именем.
func (f *fakeConn) events(name string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, e := range f.sent {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeConn) countEvents(name string) int { return len(f.events(name)) }

// decodeLast декодирует последнее событие с данным именем.
func (f *fakeConn) decodeLast(t *testing.T, name string, v interface{}) {
	t.Helper()
	evs := f.events(name)
	if len(evs) == 0 {
		t.Fatalf("no %s events sent to %s", name, f.id)
	}
	if err := json.Unmarshal(evs[len(evs)-1].Data, v); err != nil {
		t.Fatalf("decode %s: %v", name, err)
	}
}

// ----- Фейковые хранилища -----

type fakeComputerStore struct {
	mu        sync.Mutex
	computers map[string]*domain.Computer // по ID
	statuses  map[string]domain.ComputerStatus
	nextSeq   int
	upsertErr error
}

func newFakeComputerStore() *fakeComputerStore {
	return &fakeComputerStore{
		computers: make(map[string]*domain.Computer),
		statuses:  make(map[string]domain.ComputerStatus),
	}
}

func (s *fakeComputerStore) Upsert(_ context.Context, info domain.HandshakeInfo) (*domain.Computer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return nil, s.upsertErr
	}

	// Приоритет матчинга: отпечаток, потом hostname
	for _, c := range s.computers {
		if c.MachineID == info.MachineID {
			c.Hostname = info.Hostname
			s.statuses[c.ID] = domain.StatusOnline
			return c, nil
		}
	}
	for _, c := range s.computers {
		if c.Hostname == info.Hostname {
			c.MachineID = info.MachineID
			s.statuses[c.ID] = domain.StatusOnline
			return c, nil
		}
	}

	s.nextSeq++
	c := &domain.Computer{
		ID:        fmt.Sprintf("comp-%d", s.nextSeq),
		Hostname:  info.Hostname,
		MachineID: info.MachineID,
		Status:    domain.StatusOnline,
	}
	s.computers[c.ID] = c
	s.statuses[c.ID] = domain.StatusOnline
	return c, nil
}

func (s *fakeComputerStore) SetStatus(_ context.Context, id string, status domain.ComputerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *fakeComputerStore) UpdateHeartbeat(_ context.Context, id string, _ domain.HeartbeatInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = domain.StatusOnline
	return nil
}

func (s *fakeComputerStore) status(id string) domain.ComputerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

type fakeCommandStore struct {
	mu        sync.Mutex
	cmds      map[string]*domain.Command
	order     []string
	seq       int
	createErr error
}

func newFakeCommandStore() *fakeCommandStore {
	return &fakeCommandStore{cmds: make(map[string]*domain.Command)}
}

func (s *fakeCommandStore) Create(_ context.Context, cmd *domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.seq++
	cp := *cmd
	cp.CreatedAt = time.Unix(int64(s.seq), 0) // монотонный FIFO-порядок
	s.cmds[cmd.ID] = &cp
	s.order = append(s.order, cmd.ID)
	return nil
}

func (s *fakeCommandStore) ListPending(_ context.Context, computerID string) ([]*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Command
	for _, id := range s.order {
		c := s.cmds[id]
		if c.ComputerID == computerID && c.Status == domain.CommandPending {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeCommandStore) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cmds[id]; ok {
		c.Status = domain.CommandSent
	}
	return nil
}

func (s *fakeCommandStore) Complete(_ context.Context, id string, success bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cmds[id]
	if !ok {
		return fmt.Errorf("command %s not found", id)
	}
	if success {
		c.Status = domain.CommandExecuted
	} else {
		c.Status = domain.CommandFailed
		c.Error = errMsg
	}
	return nil
}

func (s *fakeCommandStore) status(id string) domain.CommandStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cmds[id]; ok {
		return c.Status
	}
	return ""
}

type fakeSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *fakeSink) Record(e telemetry.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *fakeSink) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// ----- Сборка namespace под тесты -----

type testEnv struct {
	ns        *Namespace
	computers *fakeComputerStore
	commands  *fakeCommandStore
	sink      *fakeSink
}

func testRelayConfig() infra.RelayConfig {
	return infra.RelayConfig{
		HandshakeTimeout:    time.Second,
		HeartbeatInterval:   30 * time.Second,
		LivenessFactor:      3,
		ViolationLimit:      3,
		MessageRate:         1000,
		MessageBurst:        1000,
		OutboxSize:          64,
		StreamQuality:       60,
		StreamFPS:           10,
		ScreenshotInterval:  300,
		ActivityLogInterval: 60,
		KeystrokeBufferSize: 100,
	}
}

func newTestEnv(name string) *testEnv {
	return newTestEnvWithConfig(name, testRelayConfig())
}

func newTestEnvWithConfig(name string, cfg infra.RelayConfig) *testEnv {
	computers := newFakeComputerStore()
	commands := newFakeCommandStore()
	sink := &fakeSink{}
	ns := NewNamespace(name, cfg, Deps{
		Logger:    zap.NewNop(),
		Computers: computers,
		Commands:  commands,
		Sink:      sink,
	})
	return &testEnv{ns: ns, computers: computers, commands: commands, sink: sink}
}

// connectAgent проводит фейкового агента через handshake и возвращает его
// соединение плюс присвоенный computerID.
func (e *testEnv) connectAgent(t *testing.T, machineID, hostname string) (*fakeConn, string) {
	t.Helper()
	conn := newFakeConn("agent-" + hostname)
	sess := NewAgentSession(e.ns, conn, "10.0.0.1")
	go sess.Run(context.Background())

	conn.push(t, EvAuth, AuthPayload{
		MachineID:    machineID,
		Hostname:     hostname,
		OSType:       "linux",
		OSVersion:    "6.1",
		MacAddress:   machineID,
		AgentVersion: "2.4.0",
	})

	var ack AuthSuccessPayload
	waitFor(t, func() bool { return conn.countEvents(EvAuthSuccess) > 0 })
	conn.decodeLast(t, EvAuthSuccess, &ack)
	return conn, ack.ComputerID
}

// connectConsole аутентифицирует фейковую консоль.
func (e *testEnv) connectConsole(t *testing.T, operatorID string) *fakeConn {
	t.Helper()
	conn := newFakeConn("console-" + operatorID)
	sess := NewConsoleSession(e.ns, conn)
	go sess.Run(context.Background())

	conn.push(t, EvAuthenticate, AuthenticatePayload{OperatorID: operatorID})
	waitFor(t, func() bool { return conn.countEvents(EvOnlineComputers) > 0 })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// settle дает фоновым горутинам дообработать уже доставленные события.
func settle() { time.Sleep(30 * time.Millisecond) }
