package relay

import (
	"sync"
	"time"
)

// PresenceMirrorSink получает уведомления об изменениях presence
// (зеркалирование онлайн-набора в Redis для внешнего дашборда).
// Уведомления fire-and-forget: сбой зеркала не влияет на роутинг.
type PresenceMirrorSink interface {
	Added(computerID string)
	Removed(computerID string)
}

type presenceEntry struct {
	conn        Sender
	connectedAt time.Time
	lastBeat    time.Time
}

// PresenceDirectory — разделяемая мапа "кто сейчас онлайн" одного namespace.
// Инвариант: не более одной записи на computerID; новый handshake атомарно
// вытесняет прежнюю (last-handshake-wins).
type PresenceDirectory struct {
	mu      sync.RWMutex
	entries map[string]*presenceEntry
	mirror  PresenceMirrorSink // может быть nil
}

func NewPresenceDirectory(mirror PresenceMirrorSink) *PresenceDirectory {
	return &PresenceDirectory{
		entries: make(map[string]*presenceEntry),
		mirror:  mirror,
	}
}

// Register вставляет/заменяет запись и возвращает вытесненное соединение
// (nil, если его не было). Судьбу старого соединения решает вызывающий —
// сам Register его не закрывает, но адресуемым оно быть перестает.
func (d *PresenceDirectory) Register(computerID string, conn Sender) (prev Sender) {
	now := time.Now()

	d.mu.Lock()
	if old, ok := d.entries[computerID]; ok {
		prev = old.conn
	}
	d.entries[computerID] = &presenceEntry{conn: conn, connectedAt: now, lastBeat: now}
	d.mu.Unlock()

	if d.mirror != nil && prev == nil {
		d.mirror.Added(computerID)
	}
	return prev
}

// Unregister удаляет запись, только если она все еще указывает на conn:
// cleanup вытесненного соединения не должен снести запись преемника.
// Идемпотентен. Возвращает true, если запись действительно удалена.
func (d *PresenceDirectory) Unregister(computerID string, conn Sender) bool {
	d.mu.Lock()
	entry, ok := d.entries[computerID]
	removed := ok && entry.conn == conn
	if removed {
		delete(d.entries, computerID)
	}
	d.mu.Unlock()

	if removed && d.mirror != nil {
		d.mirror.Removed(computerID)
	}
	return removed
}

func (d *PresenceDirectory) Lookup(computerID string) (Sender, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.entries[computerID]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// ListOnline возвращает снапшот онлайн-агентов для initial sync консоли.
func (d *PresenceDirectory) ListOnline() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	return ids
}

// Touch обновляет отметку последнего heartbeat.
func (d *PresenceDirectory) Touch(computerID string) {
	d.mu.Lock()
	if entry, ok := d.entries[computerID]; ok {
		entry.lastBeat = time.Now()
	}
	d.mu.Unlock()
}

// Stale возвращает агентов, чей heartbeat старше cutoff — вход liveness-свипера.
// Полумертвые сокеты мобильных сетей TCP может не замечать очень долго.
func (d *PresenceDirectory) Stale(cutoff time.Time) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	for id, entry := range d.entries {
		if entry.lastBeat.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (d *PresenceDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
