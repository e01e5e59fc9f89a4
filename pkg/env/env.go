package env

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration, resolved once at startup from
// environment variables (optionally seeded by a .env file). Nothing reads
// os.Getenv directly once the process is running.
type Config struct {
	AppEnv  string
	AppPort string
	TZ      string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	RedisURL string

	MongoURI string
	DBName   string

	// AI provider realtime endpoint (§4.3, §6)
	AIRealtimeURL      string
	AIRealtimeAPIKey   string
	AIModel            string
	AIDefaultVoice     string
	AIConnectTimeoutMs int

	// Telephony provider (§4.4, §6)
	TelephonyMediaStreamPath string
	TelephonyWebhookSecret   string
	TelephonyControlBaseURL  string
	TelephonyAccountSID      string
	TelephonyAPIKey          string
	TelephonyAPIToken        string
	VoicebotBaseURL          string

	// Session state-machine timeouts (§5), milliseconds
	ConfiguringTimeoutMs  int
	ReadyTimeoutMs        int
	AISessionReadyMs      int
	AIReconnectBaseMs     int
	AIReconnectCapMs      int
	AIReconnectMaxAttempt int

	// Recorder (§4.8)
	RecorderEnabled bool
	RecorderDir     string

	// ObserverHub (§4.7)
	ObserverQueueDepth   int
	ObserverMaxOverflows int

	// Early-audio buffer (§4.5 rule 5), milliseconds
	EarlyAudioBufferMs int

	// Event log cap (§3)
	EventLogCap int

	LogLevel           string
	CORSAllowedOrigins string

	OTELEndpoint string
	OTELEnabled  bool

	APIRateLimitRPM int
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		AppEnv:  getEnv("APP_ENV", "development"),
		AppPort: getEnv("APP_PORT", "8080"),
		TZ:      getEnv("TZ", "UTC"),

		JWTSecret:   mustGetEnv("JWT_SECRET"),
		JWTIssuer:   getEnv("JWT_ISSUER", "voicebridge"),
		JWTAudience: getEnv("JWT_AUDIENCE", "voicebridge-control-plane"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:   getEnv("DB_NAME", "voicebridge"),

		AIRealtimeURL:      getEnv("AI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		AIRealtimeAPIKey:   getEnv("AI_REALTIME_API_KEY", ""),
		AIModel:            getEnv("AI_MODEL", "gpt-realtime"),
		AIDefaultVoice:     getEnv("AI_DEFAULT_VOICE", "marin"),
		AIConnectTimeoutMs: getEnvInt("AI_CONNECT_TIMEOUT_MS", 10000),

		TelephonyMediaStreamPath: getEnv("TELEPHONY_MEDIA_STREAM_PATH", "/media-stream"),
		TelephonyWebhookSecret:   getEnv("TELEPHONY_WEBHOOK_SECRET", ""),
		TelephonyControlBaseURL:  getEnv("TELEPHONY_CONTROL_BASE_URL", ""),
		TelephonyAccountSID:      getEnv("TELEPHONY_ACCOUNT_SID", ""),
		TelephonyAPIKey:          getEnv("TELEPHONY_API_KEY", ""),
		TelephonyAPIToken:        getEnv("TELEPHONY_API_TOKEN", ""),
		VoicebotBaseURL:          getEnv("VOICEBOT_BASE_URL", ""),

		ConfiguringTimeoutMs:  getEnvInt("CONFIGURING_TIMEOUT_MS", 15000),
		ReadyTimeoutMs:        getEnvInt("READY_TIMEOUT_MS", 60000),
		AISessionReadyMs:      getEnvInt("AI_SESSION_READY_MS", 15000),
		AIReconnectBaseMs:     getEnvInt("AI_RECONNECT_BASE_MS", 1000),
		AIReconnectCapMs:      getEnvInt("AI_RECONNECT_CAP_MS", 30000),
		AIReconnectMaxAttempt: getEnvInt("AI_RECONNECT_MAX_ATTEMPTS", 5),

		RecorderEnabled: getEnvBool("RECORDER_ENABLED", false),
		RecorderDir:     getEnv("RECORDER_DIR", "/data/recordings"),

		ObserverQueueDepth:   getEnvInt("OBSERVER_QUEUE_DEPTH", 256),
		ObserverMaxOverflows: getEnvInt("OBSERVER_MAX_OVERFLOWS", 10),

		EarlyAudioBufferMs: getEnvInt("EARLY_AUDIO_BUFFER_MS", 2000),
		EventLogCap:        getEnvInt("EVENT_LOG_CAP", 10000),

		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		OTELEndpoint: getEnv("OTEL_ENDPOINT", ""),
		OTELEnabled:  getEnvBool("OTEL_ENABLED", false),

		APIRateLimitRPM: getEnvInt("API_RATE_LIMIT_RPM", 180),
	}

	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", cfg.TZ, err)
	}
	time.Local = loc

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}
