package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRouter() (*Router, *PresenceDirectory, *WatchRegistry, *consoleSet) {
	presence := NewPresenceDirectory(nil)
	watch := NewWatchRegistry()
	consoles := newConsoleSet()
	router := NewRouter("test", presence, watch, consoles, zap.NewNop(), NewMetrics(nil))
	return router, presence, watch, consoles
}

func TestRouterToWatchersContainsFailure(t *testing.T) {
	router, _, watch, _ := newTestRouter()

	healthy := newFakeConn("healthy")
	broken := newFakeConn("broken")
	broken.setFailSend(true)

	watch.Watch("comp-1", broken)
	watch.Watch("comp-1", healthy)

	// Сбой доставки одному наблюдателю не прерывает фан-аут остальным
	router.ToWatchers("comp-1", EvScreenFrame, map[string]interface{}{"frame": "abc"})

	assert.Equal(t, 1, healthy.countEvents(EvScreenFrame))
	assert.Equal(t, 0, broken.countEvents(EvScreenFrame))

	// Протухший наблюдатель остается в реестре: его выпишет собственный cleanup
	assert.True(t, watch.Watching("comp-1", broken))
}

func TestRouterToWatchersNoWatchers(t *testing.T) {
	router, _, _, _ := newTestRouter()
	// Фан-аут в пустой набор — тихий no-op
	router.ToWatchers("comp-1", EvScreenFrame, struct{}{})
}

func TestRouterToAllConsoles(t *testing.T) {
	router, _, _, consoles := newTestRouter()

	c1 := newFakeConn("console-1")
	c2 := newFakeConn("console-2")
	consoles.Add(c1)
	consoles.Add(c2)

	router.ToAllConsoles(EvAgentOnline, AgentStatusPayload{ComputerID: "comp-1"})

	assert.Equal(t, 1, c1.countEvents(EvAgentOnline))
	assert.Equal(t, 1, c2.countEvents(EvAgentOnline))
}

func TestRouterToAgent(t *testing.T) {
	router, presence, _, _ := newTestRouter()

	// Офлайн: доставка не состоялась
	assert.False(t, router.ToAgent("comp-1", EvCommand, struct{}{}))

	agent := newFakeConn("agent")
	presence.Register("comp-1", agent)

	require.True(t, router.ToAgent("comp-1", EvCommand, CommandPayload{ID: "c1", Command: "LOCK"}))
	assert.Equal(t, 1, agent.countEvents(EvCommand))

	// Мертвый сокет = недоставлено, без паники
	agent.setFailSend(true)
	assert.False(t, router.ToAgent("comp-1", EvCommand, struct{}{}))
}
