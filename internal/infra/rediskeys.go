package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "orchestrator"
)

// Ключи (состояние Kill-Switch переживает рестарт процесса)
const (
	RedisKeyEmergencyStop = RedisNamespace + ":control:emergency_stop"
	RedisKeyPaused        = RedisNamespace + ":control:paused"
	RedisKeyNotifications = RedisNamespace + ":notifications"
	// RedisKeyHaltedAgents — множество агентов, остановленных Watchdog
	RedisKeyHaltedAgents = RedisNamespace + ":agents:halted"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanControl — сигналы "emergency:on|off" и "pause:on|off"
	RedisChanControl = RedisNamespace + ":control-signal"
	// RedisChanIncidents — критические инциденты Watchdog для внешних нотификаторов
	RedisChanIncidents = RedisNamespace + ":incidents"
	// RedisChanHalts — "agent:on" (halt) / "agent:off" (снятие оператором)
	RedisChanHalts = RedisNamespace + ":agents:halt-signal"
)
