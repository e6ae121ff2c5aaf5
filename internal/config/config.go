package config

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	LogLevel  zapcore.Level
	Port      uint            `mapstructure:"port"`
	HttpLog   bool            `mapstructure:"http_log"`
	Session   SessionConfig   `mapstructure:"session"`
	Front     FrontConfig     `mapstructure:"front"`
	Store     StoreConfig     `mapstructure:"store"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Offline   OfflineConfig   `mapstructure:"offline"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Influx    InfluxConfig    `mapstructure:"influx"`
}

type SessionConfig struct {
	Secret     string `mapstructure:"secret"`
	TTLMinutes uint32 `mapstructure:"ttl_minutes"`
}

type FrontConfig struct {
	ApiToken string `mapstructure:"api_token"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type BroadcastConfig struct {
	HeartbeatIntervalMillis uint32 `mapstructure:"heartbeat_interval_millis"`
	WriteTimeoutMillis      uint32 `mapstructure:"write_timeout_millis"`
}

type OfflineConfig struct {
	DelayMillis uint32 `mapstructure:"delay_millis"`
}

type PresenceConfig struct {
	ReconcileIntervalSeconds uint32 `mapstructure:"reconcile_interval_seconds"`
}

type MQTTConfig struct {
	Enable            bool
	Host              string
	Port              int
	Username          string
	Password          string
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

type InfluxConfig struct {
	Enable bool
	URL    string `mapstructure:"url"`
	Token  string
	Org    string
	Bucket string
}

func (c BroadcastConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMillis) * time.Millisecond
}

func (c BroadcastConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMillis) * time.Millisecond
}

func (c OfflineConfig) Delay() time.Duration {
	return time.Duration(c.DelayMillis) * time.Millisecond
}

func (c PresenceConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}

// ParseLogLevel maps the log_level setting to a zap level, info by default.
func ParseLogLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
