package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DBConfig holds database configuration
type DBConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

type BrokerConfig struct {
	Enabled      bool
	Driver       string // redis or kafka
	KafkaBrokers []string
	AppLabel     string
	UserAppLabel string
}

type LedgerConfig struct {
	RetryAttempts uint
	RetryBase     time.Duration
	RetryFactor   float64
	LockTimeout   time.Duration
}

type ConsumerConfig struct {
	MaxRequeues  int
	RequeueDelay time.Duration
	PopTimeout   time.Duration
}

type QueryConfig struct {
	CacheTTL        time.Duration
	DefaultPageSize int
	MaxPageSize     int
}

type AuthConfig struct {
	JWTSecret        string
	JWTExpiry        time.Duration
	Argon2Time       uint32
	Argon2Memory     uint32
	Argon2Threads    uint8
	Argon2KeyLength  uint32
	Argon2SaltLength int
}

type Config struct {
	LedgerDB       DBConfig
	ReadDB         DBConfig
	Redis          RedisConfig
	Broker         BrokerConfig
	Ledger         LedgerConfig
	Consumer       ConsumerConfig
	Query          QueryConfig
	Auth           AuthConfig
	HTTPPort       string
	LogDevelopment bool
}

var envBindings = map[string]string{
	"ledger_db.host":          "LEDGER_DB_HOST",
	"ledger_db.port":          "LEDGER_DB_PORT",
	"ledger_db.user":          "LEDGER_DB_USER",
	"ledger_db.password":      "LEDGER_DB_PASSWORD",
	"ledger_db.name":          "LEDGER_DB_NAME",
	"ledger_db.ssl_mode":      "LEDGER_DB_SSL_MODE",
	"read_db.host":            "READ_DB_HOST",
	"read_db.port":            "READ_DB_PORT",
	"read_db.user":            "READ_DB_USER",
	"read_db.password":        "READ_DB_PASSWORD",
	"read_db.name":            "READ_DB_NAME",
	"read_db.ssl_mode":        "READ_DB_SSL_MODE",
	"redis.host":              "REDIS_HOST",
	"redis.port":              "REDIS_PORT",
	"redis.password":          "REDIS_PASSWORD",
	"redis.db":                "REDIS_DB",
	"broker.enabled":          "BROKER_ENABLED",
	"broker.driver":           "BROKER_DRIVER",
	"broker.kafka_brokers":    "KAFKA_BROKERS",
	"broker.app_label":        "BROKER_APP_LABEL",
	"broker.user_app_label":   "BROKER_USER_APP_LABEL",
	"consumer.max_requeues":   "CONSUMER_MAX_REQUEUES",
	"consumer.pop_timeout":    "CONSUMER_POP_TIMEOUT",
	"consumer.requeue_delay":  "CONSUMER_REQUEUE_DELAY",
	"ledger.retry_attempts":   "LEDGER_RETRY_ATTEMPTS",
	"ledger.retry_base":       "LEDGER_RETRY_BASE",
	"ledger.retry_factor":     "LEDGER_RETRY_FACTOR",
	"ledger.lock_timeout":     "LEDGER_LOCK_TIMEOUT",
	"cache.ttl":               "CACHE_TTL",
	"query.default_page_size": "QUERY_DEFAULT_PAGE_SIZE",
	"query.max_page_size":     "QUERY_MAX_PAGE_SIZE",
	"jwt.secret_key":          "JWT_SECRET_KEY",
	"jwt.expiry_hours":        "JWT_EXPIRY_HOURS",
	"argon2.time":             "ARGON2_TIME",
	"argon2.memory":           "ARGON2_MEMORY",
	"argon2.threads":          "ARGON2_THREADS",
	"argon2.key_length":       "ARGON2_KEY_LENGTH",
	"argon2.salt_length":      "ARGON2_SALT_LENGTH",
	"http.port":               "PORT",
	"log.development":         "LOG_DEVELOPMENT",
}

func setDefaults(v *viper.Viper) {
	for _, prefix := range []string{"ledger_db", "read_db"} {
		v.SetDefault(prefix+".host", "localhost")
		v.SetDefault(prefix+".port", "5432")
		v.SetDefault(prefix+".user", "postgres")
		v.SetDefault(prefix+".password", "password")
		v.SetDefault(prefix+".ssl_mode", "disable")
		v.SetDefault(prefix+".max_open_conns", 25)
		v.SetDefault(prefix+".max_idle_conns", 5)
		v.SetDefault(prefix+".conn_max_lifetime", time.Minute*5)
	}
	v.SetDefault("ledger_db.name", "ledger_command")
	v.SetDefault("read_db.name", "ledger_query")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("broker.enabled", true)
	v.SetDefault("broker.driver", "redis")
	v.SetDefault("broker.kafka_brokers", "localhost:9092")
	v.SetDefault("broker.app_label", "banking")
	v.SetDefault("broker.user_app_label", "auth")

	v.SetDefault("consumer.max_requeues", 5)
	v.SetDefault("consumer.pop_timeout", 5*time.Second)
	v.SetDefault("consumer.requeue_delay", 250*time.Millisecond)

	v.SetDefault("ledger.retry_attempts", 5)
	v.SetDefault("ledger.retry_base", time.Second)
	v.SetDefault("ledger.retry_factor", 2.0)
	v.SetDefault("ledger.lock_timeout", 5*time.Second)

	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("query.default_page_size", 10)
	v.SetDefault("query.max_page_size", 100)

	v.SetDefault("jwt.expiry_hours", 24)
	v.SetDefault("argon2.time", 1)
	v.SetDefault("argon2.memory", 64*1024)
	v.SetDefault("argon2.threads", 4)
	v.SetDefault("argon2.key_length", 32)
	v.SetDefault("argon2.salt_length", 16)

	v.SetDefault("http.port", "8080")
	v.SetDefault("log.development", false)
}

// Load reads an optional .env file, binds the environment and returns the
// resolved configuration.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		// a missing file falls back to defaults and the environment
		_ = v.ReadInConfig()
	}

	return FromViper(v), nil
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		LedgerDB: dbConfig(v, "ledger_db"),
		ReadDB:   dbConfig(v, "read_db"),
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Broker: BrokerConfig{
			Enabled:      v.GetBool("broker.enabled"),
			Driver:       strings.ToLower(v.GetString("broker.driver")),
			KafkaBrokers: splitList(v.GetString("broker.kafka_brokers")),
			AppLabel:     v.GetString("broker.app_label"),
			UserAppLabel: v.GetString("broker.user_app_label"),
		},
		Ledger: LedgerConfig{
			RetryAttempts: v.GetUint("ledger.retry_attempts"),
			RetryBase:     v.GetDuration("ledger.retry_base"),
			RetryFactor:   v.GetFloat64("ledger.retry_factor"),
			LockTimeout:   v.GetDuration("ledger.lock_timeout"),
		},
		Consumer: ConsumerConfig{
			MaxRequeues:  v.GetInt("consumer.max_requeues"),
			RequeueDelay: v.GetDuration("consumer.requeue_delay"),
			PopTimeout:   v.GetDuration("consumer.pop_timeout"),
		},
		Query: QueryConfig{
			CacheTTL:        v.GetDuration("cache.ttl"),
			DefaultPageSize: v.GetInt("query.default_page_size"),
			MaxPageSize:     v.GetInt("query.max_page_size"),
		},
		Auth: AuthConfig{
			JWTSecret:        v.GetString("jwt.secret_key"),
			JWTExpiry:        time.Duration(v.GetInt("jwt.expiry_hours")) * time.Hour,
			Argon2Time:       v.GetUint32("argon2.time"),
			Argon2Memory:     v.GetUint32("argon2.memory"),
			Argon2Threads:    uint8(v.GetUint("argon2.threads")),
			Argon2KeyLength:  v.GetUint32("argon2.key_length"),
			Argon2SaltLength: v.GetInt("argon2.salt_length"),
		},
		HTTPPort:       v.GetString("http.port"),
		LogDevelopment: v.GetBool("log.development"),
	}
}

func dbConfig(v *viper.Viper, prefix string) DBConfig {
	return DBConfig{
		Host:            v.GetString(prefix + ".host"),
		Port:            v.GetString(prefix + ".port"),
		User:            v.GetString(prefix + ".user"),
		Password:        v.GetString(prefix + ".password"),
		Name:            v.GetString(prefix + ".name"),
		SSLMode:         v.GetString(prefix + ".ssl_mode"),
		MaxOpenConns:    v.GetInt(prefix + ".max_open_conns"),
		MaxIdleConns:    v.GetInt(prefix + ".max_idle_conns"),
		ConnMaxLifetime: v.GetDuration(prefix + ".conn_max_lifetime"),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
