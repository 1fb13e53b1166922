// Пакет config собирает конфигурацию менеджера инстансов:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует значения, подставляя дефолты с предупреждениями,
//  3. хранит результат в singleton с потокобезопасным доступом,
//  4. переводит настройки опроса и восстановления в engine.Policy.
//
// Бизнес-контекст: шлюз WhatsApp-сессий опрашивается по REST, пороги «зависания»
// и лимит автоповторов задаются здесь одной канонической политикой.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"wa-instances/internal/engine"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
// Значения уже прошли нормализацию в loadConfig.
type EnvConfig struct {
	GatewayURL     string
	GatewayToken   string
	GatewayTimeout time.Duration
	GatewayRPS     int
	GatewayRetries int
	// Политика опроса и восстановления
	PollInterval        time.Duration
	PairingPollInterval time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatVerify     int
	QRTimeout           time.Duration
	HandshakeTimeout    time.Duration
	MaxRetries          int
	RecoveryDelay       time.Duration
	// Хранилище записей инстансов
	StoreFile         string
	PersistDebounceMS int
	// Логирование
	LogLevel          string
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
	// Web Server
	WebServerEnable  bool
	WebServerAddress string
	WebAPIToken      string
	// Консоль оператора
	CLIEnable bool
	// Инстансы, которые опрашиваются с момента старта без внешних подписчиков
	WatchInstances []string
}

// Config хранит конфигурацию среды и предупреждения, накопленные при загрузке.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

// Значения по умолчанию.
const (
	defaultGatewayTimeoutSec   = 15
	defaultGatewayRPS          = 5
	defaultGatewayRetries      = 2
	defaultPollInterval        = 5 * time.Second
	defaultPairingPollInterval = 3 * time.Second
	defaultHeartbeatInterval   = 30 * time.Second
	defaultHeartbeatVerify     = 10
	defaultQRTimeout           = 60 * time.Second
	defaultHandshakeTimeout    = 90 * time.Second
	defaultMaxRetries          = 3
	defaultRecoveryDelay       = 2 * time.Second
	defaultStoreFile           = "data/instances.bbolt"
	defaultPersistDebounceMS   = 500
	defaultLogLevel            = "info"
	defaultLogFileLevel        = "debug"
	defaultLogFileMaxSize      = 50
	defaultLogFileMaxBackups   = 3
	defaultLogFileMaxAge       = 7
	defaultLogFileCompress     = true
	defaultWebServerEnable     = true
	defaultWebServerAddress    = "127.0.0.1:8080"
	defaultCLIEnable           = false
)

var (
	cfgMu       sync.Mutex
	cfgInstance *Config
)

// Load — точка входа для инициализации глобальной конфигурации.
// Повторный вызов запрещён, чтобы не получить гонки конфигурации на старте.
func Load(envPath string) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	if cfgInstance != nil {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	return nil
}

// loadConfig выполняет загрузку и валидацию без установки глобального состояния.
// Пустой envPath означает «только переменные процесса».
func loadConfig(envPath string) (*Config, error) {
	if strings.TrimSpace(envPath) != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	gatewayURL := strings.TrimRight(strings.TrimSpace(os.Getenv("GATEWAY_URL")), "/")
	if gatewayURL == "" {
		return nil, errors.New("env GATEWAY_URL must be set")
	}
	if u, err := url.Parse(gatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("env GATEWAY_URL %q must be an absolute URL", gatewayURL)
	}

	var warnings []string

	env := EnvConfig{
		GatewayURL:   gatewayURL,
		GatewayToken: strings.TrimSpace(os.Getenv("GATEWAY_TOKEN")),
		GatewayTimeout: time.Duration(parseIntDefault("GATEWAY_TIMEOUT_SEC",
			defaultGatewayTimeoutSec, greaterThanZero, &warnings)) * time.Second,
		GatewayRPS:     parseIntDefault("GATEWAY_RPS", defaultGatewayRPS, greaterThanZero, &warnings),
		GatewayRetries: parseIntDefault("GATEWAY_RETRIES", defaultGatewayRetries, nonNegative, &warnings),

		PollInterval:        parseDurationDefault("POLL_INTERVAL", defaultPollInterval, &warnings),
		PairingPollInterval: parseDurationDefault("POLL_PAIRING_INTERVAL", defaultPairingPollInterval, &warnings),
		HeartbeatInterval:   parseDurationDefault("HEARTBEAT_INTERVAL", defaultHeartbeatInterval, &warnings),
		HeartbeatVerify:     parseIntDefault("HEARTBEAT_VERIFY_EVERY", defaultHeartbeatVerify, greaterThanZero, &warnings),
		QRTimeout:           parseDurationDefault("QR_TIMEOUT", defaultQRTimeout, &warnings),
		HandshakeTimeout:    parseDurationDefault("HANDSHAKE_TIMEOUT", defaultHandshakeTimeout, &warnings),
		MaxRetries:          parseIntDefault("MAX_RETRIES", defaultMaxRetries, nonNegative, &warnings),
		RecoveryDelay:       parseDurationDefault("RECOVERY_DELAY", defaultRecoveryDelay, &warnings),

		StoreFile:         sanitizeFile("STORE_FILE", os.Getenv("STORE_FILE"), defaultStoreFile, &warnings),
		PersistDebounceMS: parseIntDefault("PERSIST_DEBOUNCE_MS", defaultPersistDebounceMS, nonNegative, &warnings),

		LogLevel:          sanitizeLogLevel("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel("LOG_FILE_LEVEL", os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings),
		LogFileMaxSize:    parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups: parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings),
		LogFileMaxAge:     parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		LogFileCompress:   parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings),

		WebServerEnable: parseBoolDefault("WEB_SERVER_ENABLE", defaultWebServerEnable, &warnings),
		WebServerAddress: sanitizeFile("WEB_SERVER_ADDRESS", os.Getenv("WEB_SERVER_ADDRESS"),
			defaultWebServerAddress, &warnings),
		WebAPIToken: strings.TrimSpace(os.Getenv("WEB_API_TOKEN")),

		CLIEnable: parseBoolDefault("CLI_ENABLE", defaultCLIEnable, &warnings),

		WatchInstances: parseList(os.Getenv("WATCH_INSTANCES")),
	}

	if env.PairingPollInterval > env.PollInterval {
		appendWarningf(&warnings, "env POLL_PAIRING_INTERVAL %s is slower than POLL_INTERVAL %s; using %s",
			env.PairingPollInterval, env.PollInterval, env.PollInterval)
		env.PairingPollInterval = env.PollInterval
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает копию предупреждений, возникших при загрузке.
func Warnings() []string {
	c := instance()
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]string, len(c.warnings))
	copy(result, c.warnings)
	return result
}

// Env возвращает неизменяемый снимок EnvConfig.
func Env() EnvConfig {
	c := instance()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Env
}

// Policy строит каноническую политику опроса и восстановления для движка.
func Policy() engine.Policy {
	return PolicyFrom(Env())
}

// PolicyFrom переводит EnvConfig в engine.Policy.
func PolicyFrom(env EnvConfig) engine.Policy {
	return engine.Policy{
		PollInterval:         env.PollInterval,
		PairingPollInterval:  env.PairingPollInterval,
		HeartbeatInterval:    env.HeartbeatInterval,
		HeartbeatVerifyEvery: env.HeartbeatVerify,
		QRTimeout:            env.QRTimeout,
		HandshakeTimeout:     env.HandshakeTimeout,
		MaxRetries:           env.MaxRetries,
		RecoveryDelay:        env.RecoveryDelay,
	}
}

func instance() *Config {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	if cfgInstance == nil {
		panic("config: Load must be called first")
	}
	return cfgInstance
}

// parseIntDefault читает name как int. Пустое/некорректное/не прошедшее validator
// значение заменяется defaultVal с предупреждением.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseDurationDefault читает name как time.Duration ("5s", "1m30s"). Голое число трактуется как секунды.
func parseDurationDefault(name string, defaultVal time.Duration, warnings *[]string) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %s", name, defaultVal)
		return defaultVal
	}
	if secs, err := strconv.Atoi(value); err == nil {
		value += "s"
		if secs < 0 {
			appendWarningf(warnings, "env %s value %d is negative; using default %s", name, secs, defaultVal)
			return defaultVal
		}
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		appendWarningf(warnings, "env %s value %q is not a valid duration; using default %s", name, value, defaultVal)
		return defaultVal
	}
	return d
}

// parseBoolDefault читает name как bool. Пустое/некорректное значение заменяется defaultVal.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel ограничивает значения набором {debug, info, warn, error}.
func sanitizeLogLevel(name, level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает значение или fallback с предупреждением.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// parseList разбирает список через запятую, пустые элементы и дубликаты отбрасываются.
func parseList(value string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(value, ",") {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }
