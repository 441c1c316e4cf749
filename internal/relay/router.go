package relay

import (
	"sync"

	"go.uber.org/zap"
)

// consoleSet — множество аутентифицированных консолей одного namespace.
// Его разделяют agent и console session handler'ы (глобальные броадкасты).
type consoleSet struct {
	mu   sync.RWMutex
	set  map[Sender]struct{}
}

func newConsoleSet() *consoleSet {
	return &consoleSet{set: make(map[Sender]struct{})}
}

func (s *consoleSet) Add(c Sender) {
	s.mu.Lock()
	s.set[c] = struct{}{}
	s.mu.Unlock()
}

func (s *consoleSet) Remove(c Sender) {
	s.mu.Lock()
	delete(s.set, c)
	s.mu.Unlock()
}

func (s *consoleSet) Snapshot() []Sender {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sender, 0, len(s.set))
	for c := range s.set {
		out = append(out, c)
	}
	return out
}

func (s *consoleSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.set)
}

// Router — чистая логика фан-аута поверх двух директорий.
// Сбой доставки одному адресату логируется и не прерывает остальных,
// и никогда не возвращается ошибкой источнику события. Протухшего
// наблюдателя роутер не выписывает — это сделает его собственный
// disconnect handler.
type Router struct {
	presence *PresenceDirectory
	watch    *WatchRegistry
	consoles *consoleSet
	logger   *zap.Logger
	metrics  *Metrics
	ns       string
}

func NewRouter(ns string, presence *PresenceDirectory, watch *WatchRegistry, consoles *consoleSet, logger *zap.Logger, metrics *Metrics) *Router {
	return &Router{
		presence: presence,
		watch:    watch,
		consoles: consoles,
		logger:   logger.Named("router"),
		metrics:  metrics,
		ns:       ns,
	}
}

// ToWatchers доставляет событие каждому наблюдателю машины.
func (r *Router) ToWatchers(computerID string, event string, data interface{}) {
	for _, console := range r.watch.Watchers(computerID) {
		r.deliver(console, event, data)
	}
	r.metrics.EventsRouted.WithLabelValues(r.ns, event).Inc()
}

// ToAllConsoles доставляет глобальное событие (agent_online/offline, command_result)
// каждой аутентифицированной консоли.
func (r *Router) ToAllConsoles(event string, data interface{}) {
	for _, console := range r.consoles.Snapshot() {
		r.deliver(console, event, data)
	}
	r.metrics.EventsRouted.WithLabelValues(r.ns, event).Inc()
}

// ToAgent доставляет команду/инструкцию единственной presence-записи машины.
// Возвращает, состоялась ли доставка (агент офлайн или сокет умер = false).
func (r *Router) ToAgent(computerID string, event string, data interface{}) bool {
	conn, ok := r.presence.Lookup(computerID)
	if !ok {
		return false
	}
	// Lookup и отправка не атомарны: параллельный unregister дает ошибку
	// записи, а не панику — этого достаточно.
	if err := conn.Emit(event, data); err != nil {
		r.logger.Warn("agent delivery failed",
			zap.String("computer_id", computerID),
			zap.String("event", event),
			zap.Error(err))
		r.metrics.DeliveryFailures.WithLabelValues(r.ns).Inc()
		return false
	}
	r.metrics.EventsRouted.WithLabelValues(r.ns, event).Inc()
	return true
}

func (r *Router) deliver(target Sender, event string, data interface{}) {
	if err := target.Emit(event, data); err != nil {
		r.logger.Warn("console delivery failed",
			zap.String("conn_id", target.ID()),
			zap.String("event", event),
			zap.Error(err))
		r.metrics.DeliveryFailures.WithLabelValues(r.ns).Inc()
	}
}
