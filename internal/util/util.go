package util

import (
	"github.com/berfenger/furi/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Port:     8080,
		Session: config.SessionConfig{
			Secret:     "test-session-secret",
			TTLMinutes: 60,
		},
		Front: config.FrontConfig{
			ApiToken: "test-front-token",
		},
		Store: config.StoreConfig{
			Driver: "memory",
		},
		Broadcast: config.BroadcastConfig{
			HeartbeatIntervalMillis: 32000,
			WriteTimeoutMillis:      2000,
		},
		Presence: config.PresenceConfig{
			ReconcileIntervalSeconds: 0,
		},
		MQTT: config.MQTTConfig{
			Host:             "localhost",
			Port:             1883,
			BaseTopic:        "furi",
			HADiscoveryTopic: "homeassistant",
		},
	}
}
