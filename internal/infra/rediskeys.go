package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "netwatch"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanCommandSignal — канал, в который веб-приложение публикует
	// computerID после вставки PENDING команд. Релей по сигналу досылает их онлайн-агенту.
	RedisChanCommandSignal = RedisNamespace + ":relay:command-signal"
)

// OnlineSetKey возвращает ключ Redis Set с онлайн-агентами для одного listener namespace.
// Namespace'ы изолированы: у каждого свой набор (см. dual-listener разводку).
func OnlineSetKey(namespace string) string {
	return fmt.Sprintf("%s:%s:computers:online", RedisNamespace, namespace)
}
