package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/netwatch-relay/internal/domain"
)

func TestConsoleAuthReturnsOnlineSnapshot(t *testing.T) {
	env := newTestEnv("test")
	_, computerID := env.connectAgent(t, "m1", "host1")

	console := env.connectConsole(t, "op-1")

	// UI рендерится по снапшоту, не дожидаясь событий
	var snap OnlineComputersPayload
	console.decodeLast(t, EvOnlineComputers, &snap)
	assert.Equal(t, []string{computerID}, snap.Computers)
}

func TestConsoleWatchStreamLifecycle(t *testing.T) {
	env := newTestEnv("test")
	agent, computerID := env.connectAgent(t, "m1", "host1")
	c1 := env.connectConsole(t, "op-1")
	c2 := env.connectConsole(t, "op-2")

	// Первый наблюдатель включает стрим с серверными параметрами
	c1.push(t, EvWatch, WatchPayload{ComputerID: computerID})
	waitFor(t, func() bool { return agent.countEvents(EvStartScreenStream) == 1 })

	var start StartScreenStreamPayload
	agent.decodeLast(t, EvStartScreenStream, &start)
	assert.Equal(t, 60, start.Quality)
	assert.Equal(t, 10, start.FPS)

	// Второй наблюдатель стрим повторно не включает
	c2.push(t, EvWatch, WatchPayload{ComputerID: computerID})
	settle()
	assert.Equal(t, 1, agent.countEvents(EvStartScreenStream))

	// Уход не последнего наблюдателя стрим не гасит
	c1.push(t, EvUnwatch, WatchPayload{ComputerID: computerID})
	settle()
	assert.Equal(t, 0, agent.countEvents(EvStopScreenStream))

	// Уход последнего — ровно один stop
	c2.push(t, EvUnwatch, WatchPayload{ComputerID: computerID})
	waitFor(t, func() bool { return agent.countEvents(EvStopScreenStream) == 1 })
}

func TestConsoleWatchOfflineAgentIsNoop(t *testing.T) {
	env := newTestEnv("test")
	console := env.connectConsole(t, "op-1")

	// Start stream не queue'ится для офлайн-машины и не считается ошибкой
	console.push(t, EvWatch, WatchPayload{ComputerID: "ghost"})
	settle()
	assert.Equal(t, 0, console.countEvents(EvRelayError))
}

func TestConsoleSendCommandOnline(t *testing.T) {
	env := newTestEnv("test")
	agent, computerID := env.connectAgent(t, "m1", "host1")
	console := env.connectConsole(t, "op-1")

	console.push(t, EvSendCommand, SendCommandPayload{ComputerID: computerID, Command: "LOCK"})

	waitFor(t, func() bool { return agent.countEvents(EvCommand) == 1 })
	waitFor(t, func() bool { return console.countEvents(EvCommandSent) == 1 })

	var cmd CommandPayload
	agent.decodeLast(t, EvCommand, &cmd)
	assert.Equal(t, "LOCK", cmd.Command)
	assert.Equal(t, domain.CommandSent, env.commands.status(cmd.ID))
}

func TestConsoleSendCommandOfflineQueues(t *testing.T) {
	env := newTestEnv("test")
	ctx := context.Background()
	comp, err := env.computers.Upsert(ctx, domain.HandshakeInfo{MachineID: "m1", Hostname: "host1"})
	require.NoError(t, err)

	console := env.connectConsole(t, "op-1")
	console.push(t, EvSendCommand, SendCommandPayload{ComputerID: comp.ID, Command: "SHUTDOWN"})

	// Консоли отвечаем явно, без тихого queue'инга...
	waitFor(t, func() bool { return console.countEvents(EvCommandError) == 1 })
	var errPayload CommandErrorPayload
	console.decodeLast(t, EvCommandError, &errPayload)
	assert.Equal(t, ErrAgentNotOnline, errPayload.Error)
	require.NotEmpty(t, errPayload.CommandID)

	// ...но запись остается PENDING и доезжает при следующем коннекте агента
	assert.Equal(t, domain.CommandPending, env.commands.status(errPayload.CommandID))

	agent, _ := env.connectAgent(t, "m1", "host1")
	waitFor(t, func() bool { return agent.countEvents(EvCommand) == 1 })
	assert.Equal(t, domain.CommandSent, env.commands.status(errPayload.CommandID))
}

func TestConsoleSendCommandLedgerFailure(t *testing.T) {
	env := newTestEnv("test")
	agent, computerID := env.connectAgent(t, "m1", "host1")
	console := env.connectConsole(t, "op-1")

	// Fail closed: без durable записи команда не уходит вообще
	env.commands.mu.Lock()
	env.commands.createErr = errors.New("db down")
	env.commands.mu.Unlock()

	console.push(t, EvSendCommand, SendCommandPayload{ComputerID: computerID, Command: "LOCK"})

	waitFor(t, func() bool { return console.countEvents(EvCommandError) == 1 })
	var errPayload CommandErrorPayload
	console.decodeLast(t, EvCommandError, &errPayload)
	assert.Equal(t, ErrServerError, errPayload.Error)
	assert.Equal(t, 0, agent.countEvents(EvCommand))
}

func TestConsoleRemoteInputRequiresWatch(t *testing.T) {
	env := newTestEnv("test")
	agent, computerID := env.connectAgent(t, "m1", "host1")
	console := env.connectConsole(t, "op-1")

	console.push(t, EvRemoteInput, ConsoleRemoteInputPayload{ComputerID: computerID, Type: "mouse"})

	waitFor(t, func() bool { return console.countEvents(EvRelayError) == 1 })
	var relayErr RelayErrorPayload
	console.decodeLast(t, EvRelayError, &relayErr)
	assert.Equal(t, ErrNotWatching, relayErr.Error)
	assert.Equal(t, 0, agent.countEvents(EvRemoteInput))

	// Наблюдателю инъекция ввода разрешена
	console.push(t, EvWatch, WatchPayload{ComputerID: computerID})
	waitFor(t, func() bool { return agent.countEvents(EvStartScreenStream) == 1 })
	console.push(t, EvRemoteInput, ConsoleRemoteInputPayload{ComputerID: computerID, Type: "mouse"})
	waitFor(t, func() bool { return agent.countEvents(EvRemoteInput) == 1 })
}

func TestConsoleTerminalSessionMinting(t *testing.T) {
	env := newTestEnv("test")
	agent, computerID := env.connectAgent(t, "m1", "host1")
	console := env.connectConsole(t, "op-1")

	// Терминал доступен только наблюдателю
	console.push(t, EvTerminalCommand, TerminalCommandPayload{ComputerID: computerID})
	waitFor(t, func() bool { return console.countEvents(EvRelayError) == 1 })

	console.push(t, EvWatch, WatchPayload{ComputerID: computerID})
	waitFor(t, func() bool { return agent.countEvents(EvStartScreenStream) == 1 })

	// Первое обращение чеканит sessionId и открывает терминал на агенте
	console.push(t, EvTerminalCommand, TerminalCommandPayload{ComputerID: computerID})
	waitFor(t, func() bool { return agent.countEvents(EvStartTerminal) == 1 })
	waitFor(t, func() bool { return console.countEvents(EvStartTerminal) == 1 })

	var started SessionStartedPayload
	console.decodeLast(t, EvStartTerminal, &started)
	require.NotEmpty(t, started.SessionID)
	assert.Equal(t, computerID, started.ComputerID)

	var agentStart StartTerminalPayload
	agent.decodeLast(t, EvStartTerminal, &agentStart)
	assert.Equal(t, started.SessionID, agentStart.SessionID)

	// Ввод в открытую сессию
	console.push(t, EvTerminalCommand, TerminalCommandPayload{
		ComputerID: computerID, SessionID: started.SessionID, Input: "ls\n",
	})
	waitFor(t, func() bool { return agent.countEvents(EvTerminalInput) == 1 })
	var input TerminalInputPayload
	agent.decodeLast(t, EvTerminalInput, &input)
	assert.Equal(t, "ls\n", input.Input)

	// Чужой/несуществующий sessionId отклоняется
	console.push(t, EvTerminalCommand, TerminalCommandPayload{
		ComputerID: computerID, SessionID: "forged", Input: "rm -rf /",
	})
	waitFor(t, func() bool { return console.countEvents(EvRelayError) == 2 })
	assert.Equal(t, 1, agent.countEvents(EvTerminalInput))
}

func TestConsoleCaptureScreenshot(t *testing.T) {
	env := newTestEnv("test")
	agent, computerID := env.connectAgent(t, "m1", "host1")
	console := env.connectConsole(t, "op-1")

	// Разовый снимок доступен только наблюдателю
	console.push(t, EvCaptureScreenshot, ConsoleCaptureScreenshotPayload{ComputerID: computerID})
	waitFor(t, func() bool { return console.countEvents(EvRelayError) == 1 })
	var relayErr RelayErrorPayload
	console.decodeLast(t, EvRelayError, &relayErr)
	assert.Equal(t, ErrNotWatching, relayErr.Error)
	assert.Equal(t, 0, agent.countEvents(EvCaptureScreenshot))

	console.push(t, EvWatch, WatchPayload{ComputerID: computerID})
	waitFor(t, func() bool { return agent.countEvents(EvStartScreenStream) == 1 })

	console.push(t, EvCaptureScreenshot, ConsoleCaptureScreenshotPayload{ComputerID: computerID})
	waitFor(t, func() bool { return agent.countEvents(EvCaptureScreenshot) == 1 })

	// Ответ агента — обычное screenshot-событие: запись + фан-аут наблюдателям
	agent.push(t, EvScreenshot, map[string]interface{}{"image": "base64-data"})
	waitFor(t, func() bool { return console.countEvents(EvScreenshot) == 1 })
	waitFor(t, func() bool { return env.sink.count(EvScreenshot) == 1 })
}

func TestConsoleStartRemoteControl(t *testing.T) {
	env := newTestEnv("test")
	agent, computerID := env.connectAgent(t, "m1", "host1")
	console := env.connectConsole(t, "op-1")

	console.push(t, EvStartRemoteControl, ConsoleStartRemoteControlPayload{ComputerID: computerID, Mode: "control"})
	waitFor(t, func() bool { return console.countEvents(EvRelayError) == 1 })
	var relayErr RelayErrorPayload
	console.decodeLast(t, EvRelayError, &relayErr)
	assert.Equal(t, ErrNotWatching, relayErr.Error)

	console.push(t, EvWatch, WatchPayload{ComputerID: computerID})
	waitFor(t, func() bool { return agent.countEvents(EvStartScreenStream) == 1 })

	console.push(t, EvStartRemoteControl, ConsoleStartRemoteControlPayload{ComputerID: computerID, Mode: "control"})
	waitFor(t, func() bool { return agent.countEvents(EvStartRemoteControl) == 1 })
	waitFor(t, func() bool { return console.countEvents(EvStartRemoteControl) == 1 })

	// Агент получает чеканный sessionId и серверные параметры стрима
	var agentStart StartRemoteControlPayload
	agent.decodeLast(t, EvStartRemoteControl, &agentStart)
	require.NotEmpty(t, agentStart.SessionID)
	assert.Equal(t, "control", agentStart.Mode)
	assert.Equal(t, 60, agentStart.Quality)
	assert.Equal(t, 10, agentStart.FPS)

	var ack SessionStartedPayload
	console.decodeLast(t, EvStartRemoteControl, &ack)
	assert.Equal(t, agentStart.SessionID, ack.SessionID)
	assert.Equal(t, computerID, ack.ComputerID)

	// Офлайн-машина — явная ошибка
	console.push(t, EvWatch, WatchPayload{ComputerID: "ghost"})
	settle()
	console.push(t, EvStartRemoteControl, ConsoleStartRemoteControlPayload{ComputerID: "ghost"})
	waitFor(t, func() bool { return console.countEvents(EvRelayError) == 2 })
	console.decodeLast(t, EvRelayError, &relayErr)
	assert.Equal(t, ErrAgentNotOnline, relayErr.Error)
}

func TestConsoleMalformedFrameIsViolation(t *testing.T) {
	env := newTestEnv("test")
	console := env.connectConsole(t, "op-1")

	// Битый кадр — нарушение с явной ошибкой, не мгновенный разрыв
	console.pushReadError(ErrMalformedFrame)
	waitFor(t, func() bool { return console.countEvents(EvRelayError) == 1 })
	assert.False(t, console.isClosed())

	console.pushReadError(ErrMalformedFrame)
	console.pushReadError(ErrMalformedFrame)
	waitFor(t, func() bool { return console.countEvents(EvRelayError) == 3 })
	waitFor(t, console.isClosed)
}

func TestConsoleFileTransfer(t *testing.T) {
	env := newTestEnv("test")
	agent, computerID := env.connectAgent(t, "m1", "host1")
	console := env.connectConsole(t, "op-1")

	console.push(t, EvFileTransfer, ConsoleFileTransferPayload{
		ComputerID: computerID, Direction: "download", RemotePath: "/etc/hosts",
	})
	waitFor(t, func() bool { return console.countEvents(EvFileTransferError) == 1 })
	var ftErr FileTransferErrorPayload
	console.decodeLast(t, EvFileTransferError, &ftErr)
	assert.Equal(t, ErrNotWatching, ftErr.Error)

	console.push(t, EvWatch, WatchPayload{ComputerID: computerID})
	waitFor(t, func() bool { return agent.countEvents(EvStartScreenStream) == 1 })

	console.push(t, EvFileTransfer, ConsoleFileTransferPayload{
		ComputerID: computerID, Direction: "download", RemotePath: "/etc/hosts",
	})
	waitFor(t, func() bool { return agent.countEvents(EvFileTransfer) == 1 })
	waitFor(t, func() bool { return console.countEvents(EvFileTransferStarted) == 1 })

	var agentFT AgentFileTransferPayload
	agent.decodeLast(t, EvFileTransfer, &agentFT)
	var started FileTransferStartedPayload
	console.decodeLast(t, EvFileTransferStarted, &started)
	assert.Equal(t, agentFT.TransferID, started.TransferID)
	assert.Equal(t, "/etc/hosts", agentFT.RemotePath)
}

func TestConsoleSendMessage(t *testing.T) {
	env := newTestEnv("test")
	agent, computerID := env.connectAgent(t, "m1", "host1")
	console := env.connectConsole(t, "op-1")

	console.push(t, EvSendMessage, SendMessagePayload{ComputerID: computerID, Message: "lunch time"})
	waitFor(t, func() bool { return agent.countEvents(EvShowMessage) == 1 })
	waitFor(t, func() bool { return console.countEvents(EvMessageSent) == 1 })

	console.push(t, EvSendMessage, SendMessagePayload{ComputerID: "ghost", Message: "hi"})
	waitFor(t, func() bool { return console.countEvents(EvRelayError) == 1 })
	var relayErr RelayErrorPayload
	console.decodeLast(t, EvRelayError, &relayErr)
	assert.Equal(t, ErrAgentNotOnline, relayErr.Error)
}

func TestConsoleDisconnectCleansSubscriptions(t *testing.T) {
	env := newTestEnv("test")
	agent, computerID := env.connectAgent(t, "m1", "host1")
	c1 := env.connectConsole(t, "op-1")
	c2 := env.connectConsole(t, "op-2")

	c1.push(t, EvWatch, WatchPayload{ComputerID: computerID})
	waitFor(t, func() bool { return agent.countEvents(EvStartScreenStream) == 1 })
	c2.push(t, EvWatch, WatchPayload{ComputerID: computerID})

	// Обрыв не последнего наблюдателя стрим не гасит
	c1.Close()
	waitFor(t, func() bool { return env.ns.consoles.Count() == 1 })
	settle()
	assert.Equal(t, 0, agent.countEvents(EvStopScreenStream))

	// Фан-аут продолжается оставшемуся наблюдателю
	agent.push(t, EvScreenFrame, map[string]interface{}{"frame": "x"})
	waitFor(t, func() bool { return c2.countEvents(EvScreenFrame) == 1 })
	assert.Equal(t, 0, c1.countEvents(EvScreenFrame))

	// Обрыв последнего — ровно один stop, без unwatch от клиента
	c2.Close()
	waitFor(t, func() bool { return agent.countEvents(EvStopScreenStream) == 1 })

	// Броадкасты больше не адресуются ушедшим консолям
	settle()
	assert.Equal(t, 0, env.ns.consoles.Count())
}

func TestConsoleViolationLimit(t *testing.T) {
	env := newTestEnv("test")
	console := env.connectConsole(t, "op-1")

	for i := 0; i < 3; i++ {
		console.push(t, "bogus_event", struct{}{})
	}
	waitFor(t, func() bool { return console.countEvents(EvRelayError) == 3 })
	waitFor(t, console.isClosed)
}
