package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the DMF gateway.
type Config struct {
	App      AppConfig
	Amqp     AmqpConfig
	Events   EventsConfig
	Security SecurityConfig
	Download DownloadConfig
	Worker   WorkerConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// AmqpConfig defines the device-facing broker connection and queue layout.
type AmqpConfig struct {
	URI           string
	VirtualHost   string
	ReceiverQueue string
	// AuthReceiverQueue serves the request/response authentication and
	// download flow.
	AuthReceiverQueue string
	PrefetchCount     int
}

// EventsConfig defines the repository-side event stream the dispatcher
// subscribes to.
type EventsConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	DedupSize     int
}

// SecurityConfig holds the controller authentication settings that are not
// tenant-scoped.
type SecurityConfig struct {
	// IssuerHashHeader is the reverse-proxy header carrying the certificate
	// issuer hash.
	IssuerHashHeader string
}

// DownloadConfig controls download URL construction.
type DownloadConfig struct {
	// Hostname is the externally reachable host embedded in download URLs.
	Hostname string
	// URLTTLSeconds bounds the validity window encoded into download URLs.
	URLTTLSeconds int
}

// WorkerConfig bounds the inbound delivery pool.
type WorkerConfig struct {
	Concurrency int
	MsgMaxBytes int
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Amqp.URI = ldr.getString("AMQP_URI", "", true)
	cfg.Amqp.VirtualHost = ldr.getString("AMQP_VHOST", "/", false)
	cfg.Amqp.ReceiverQueue = ldr.getString("AMQP_RECEIVER_QUEUE", "dmf_receiver", false)
	cfg.Amqp.AuthReceiverQueue = ldr.getString("AMQP_AUTH_RECEIVER_QUEUE", "dmf_auth_receiver", false)
	cfg.Amqp.PrefetchCount = ldr.getInt("AMQP_PREFETCH_COUNT", 20, false)

	cfg.Events.Brokers = ldr.getStringSlice("EVENTS_KAFKA_BROKERS", true)
	cfg.Events.Topic = ldr.getString("EVENTS_TOPIC", "", true)
	cfg.Events.ConsumerGroup = ldr.getString("EVENTS_CONSUMER_GROUP", "", true)
	cfg.Events.DedupSize = ldr.getInt("DEDUP_CACHE_SIZE", 4096, false)

	cfg.Security.IssuerHashHeader = ldr.getString("AUTH_ISSUER_HASH_HEADER", "X-Ssl-Issuer-Hash-1", false)

	cfg.Download.Hostname = ldr.getString("DOWNLOAD_HOSTNAME", "", true)
	cfg.Download.URLTTLSeconds = ldr.getInt("DOWNLOAD_URL_TTL_SECONDS", 1800, false)

	cfg.Worker.Concurrency = ldr.getInt("WORKER_CONCURRENCY", 10, false)
	cfg.Worker.MsgMaxBytes = ldr.getInt("MSG_MAX_BYTES", 200000, false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) addError(msg string) {
	l.errs = append(l.errs, msg)
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 && required {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}
