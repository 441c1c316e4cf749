package relay

import "sync"

// WatchRegistry — разделяемая мапа "какие консоли смотрят какого агента".
// Many-to-many: консоль может смотреть несколько машин, машину — несколько консолей.
// Сигналы 0->1 и 1->0 edge-triggered: по ним включается/выключается дорогой
// стрим экрана на стороне агента.
type WatchRegistry struct {
	mu       sync.RWMutex
	watchers map[string]map[Sender]struct{}
}

func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{watchers: make(map[string]map[Sender]struct{})}
}

// Watch добавляет консоль в набор наблюдателей. Идемпотентен.
// Возвращает true на переходе 0 -> 1 наблюдателей.
func (r *WatchRegistry) Watch(computerID string, console Sender) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.watchers[computerID]
	if !ok {
		set = make(map[Sender]struct{})
		r.watchers[computerID] = set
	}
	if _, exists := set[console]; exists {
		return false
	}
	set[console] = struct{}{}
	return len(set) == 1
}

// Unwatch убирает консоль. Идемпотентен: повторный вызов — no-op.
// Возвращает true на переходе 1 -> 0 (сигнал "наблюдателей больше нет").
func (r *WatchRegistry) Unwatch(computerID string, console Sender) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.watchers[computerID]
	if !ok {
		return false
	}
	if _, exists := set[console]; !exists {
		return false
	}
	delete(set, console)
	if len(set) == 0 {
		delete(r.watchers, computerID)
		return true
	}
	return false
}

// Watchers возвращает копию набора наблюдателей (безопасно итерировать без лока).
func (r *WatchRegistry) Watchers(computerID string) []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.watchers[computerID]
	out := make([]Sender, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Watching отвечает, подписана ли консоль на машину (валидация stream-control запросов).
func (r *WatchRegistry) Watching(computerID string, console Sender) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.watchers[computerID][console]
	return ok
}

// RemoveConsoleEverywhere одним проходом снимает все подписки консоли
// (cleanup на дисконнект) и возвращает машины, у которых наблюдателей не осталось —
// им нужно послать ровно один stop stream.
func (r *WatchRegistry) RemoveConsoleEverywhere(console Sender) (zeroed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for computerID, set := range r.watchers {
		if _, ok := set[console]; !ok {
			continue
		}
		delete(set, console)
		if len(set) == 0 {
			delete(r.watchers, computerID)
			zeroed = append(zeroed, computerID)
		}
	}
	return zeroed
}
