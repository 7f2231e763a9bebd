package app

import (
	"strings"
	"time"

	"parla/cmd/internal/api"
	"parla/cmd/internal/realtime"
)

// Backplane kinds accepted by PARLA_BACKPLANE.
const (
	BackplaneNone  = "none"
	BackplaneRedis = "redis"
	BackplaneKafka = "kafka"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	// DBAutoMigrate applies the embedded schema on startup.
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// Auth. With RequireAuth the JWT secret is mandatory and dev headers are
	// never honored.
	RequireAuth bool
	JWTSecret   string
	JWTIssuer   string
	AuthDev     bool

	// Realtime.
	WSOriginRequired bool
	WSAllowedOrigins []string
	WSDevInsecure    bool
	WSSendQueueSize  int
	WSRateEvents     int
	WSRateWindow     time.Duration

	Backplane    string
	RedisURL     string
	RedisChannel string
	KafkaBrokers []string
	KafkaTopic   string

	// CORS for the REST surface (empty disables CORS handling).
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// REST limits.
	APIRatePerMinute int
	APIRateBurst     int
	MaxVoiceBytes    int64

	// Translation provider (any OpenAI-compatible endpoint).
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	OpenAIVoice   string
	LLMTimeout    time.Duration

	UploadsDir string

	// DevUsers seeds the in-memory store ("id:lang[:role]").
	DevUsers []string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	gw := realtime.DefaultGatewayConfig()
	rest := api.DefaultConfig()

	return Config{
		HTTPAddr:  EnvString("PARLA_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PARLA_LOG_LEVEL", "info"),
		LogFormat: EnvString("PARLA_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PARLA_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PARLA_HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      EnvDuration("PARLA_HTTP_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:       EnvDuration("PARLA_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("PARLA_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("PARLA_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL:   EnvString("PARLA_DATABASE_URL", ""),
		DBSchema:      EnvString("PARLA_DB_SCHEMA", "parla"),
		DBMaxConns:    EnvInt32("PARLA_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("PARLA_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("PARLA_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("PARLA_READINESS_REQUIRE_DB", false),

		RequireAuth: EnvBool("PARLA_REQUIRE_AUTH", false),
		JWTSecret:   EnvString("PARLA_JWT_SECRET", ""),
		JWTIssuer:   EnvString("PARLA_JWT_ISSUER", ""),
		AuthDev:     EnvBool("PARLA_AUTH_DEV", false),

		WSOriginRequired: EnvBool("PARLA_WS_ORIGIN_REQUIRED", gw.OriginRequired),
		WSAllowedOrigins: EnvCSV("PARLA_WS_ALLOWED_ORIGINS", gw.AllowedOrigins),
		WSDevInsecure:    EnvBool("PARLA_WS_DEV_INSECURE", false),
		WSSendQueueSize:  EnvInt("PARLA_WS_SEND_QUEUE", gw.SendQueueSize),
		WSRateEvents:     EnvInt("PARLA_WS_RATE_EVENTS", gw.RateEvents),
		WSRateWindow:     EnvDuration("PARLA_WS_RATE_WINDOW", gw.RateWindow),

		Backplane:    strings.ToLower(EnvString("PARLA_BACKPLANE", BackplaneNone)),
		RedisURL:     EnvString("PARLA_REDIS_URL", "redis://127.0.0.1:6379/0"),
		RedisChannel: EnvString("PARLA_REDIS_CHANNEL", realtime.DefaultRedisChannel),
		KafkaBrokers: EnvCSV("PARLA_KAFKA_BROKERS", []string{"127.0.0.1:9092"}),
		KafkaTopic:   EnvString("PARLA_KAFKA_TOPIC", realtime.DefaultKafkaTopic),

		CORSAllowedOrigins:   EnvCSV("PARLA_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("PARLA_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PARLA_CORS_MAX_AGE_SECONDS", 600),

		APIRatePerMinute: EnvInt("PARLA_API_RATE_PER_MINUTE", rest.RatePerMinute),
		APIRateBurst:     EnvInt("PARLA_API_RATE_BURST", rest.RateBurst),
		MaxVoiceBytes:    int64(EnvInt("PARLA_MAX_VOICE_BYTES", int(rest.MaxVoiceBytes))),

		OpenAIKey:     EnvString("PARLA_OPENAI_API_KEY", ""),
		OpenAIBaseURL: EnvString("PARLA_OPENAI_BASE_URL", ""),
		OpenAIModel:   EnvString("PARLA_OPENAI_MODEL", ""),
		OpenAIVoice:   EnvString("PARLA_OPENAI_VOICE", ""),
		LLMTimeout:    EnvDuration("PARLA_LLM_TIMEOUT", 20*time.Second),

		UploadsDir: EnvString("PARLA_UPLOADS_DIR", "uploads"),
		DevUsers:   EnvCSV("PARLA_DEV_USERS", nil),
	}
}

func (c Config) gatewayConfig() realtime.GatewayConfig {
	gw := realtime.DefaultGatewayConfig()
	gw.OriginRequired = c.WSOriginRequired
	gw.AllowedOrigins = c.WSAllowedOrigins
	gw.DevInsecure = c.WSDevInsecure
	gw.SendQueueSize = c.WSSendQueueSize
	gw.RateEvents = c.WSRateEvents
	gw.RateWindow = c.WSRateWindow
	return gw
}

func (c Config) apiConfig() api.Config {
	rest := api.DefaultConfig()
	rest.RatePerMinute = c.APIRatePerMinute
	rest.RateBurst = c.APIRateBurst
	rest.MaxVoiceBytes = c.MaxVoiceBytes
	return rest
}
