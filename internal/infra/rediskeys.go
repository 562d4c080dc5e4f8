package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "formguard"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanRulesUpdate - сигнал "правила детектора изменились, перечитай из БД".
	RedisChanRulesUpdate = RedisNamespace + ":rules:update-signal"
)
