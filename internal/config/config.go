// Package config собирает конфигурацию сервера из переменных окружения
// (опционально из .env файла). Все ключи имеют разумные значения по
// умолчанию; обязательных параметров нет.
package config

import (
	"log"
	"net"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Провайдеры идентификации
const (
	AuthSQLite = "sqlite"
	AuthJWT    = "jwt"
)

const (
	defaultHost                 = "0.0.0.0"
	defaultPort                 = 27701
	defaultDataRoot             = "./collections"
	defaultLogLevel             = "info"
	defaultMaxUploadBytes       = 250 << 20 // полная выгрузка коллекции
	defaultMaxMediaPayloadBytes = 100 << 20 // тело запроса /msync
)

// Config параметры сервера
type Config struct {
	Host                 string // адрес прослушивания
	Port                 int    // порт прослушивания
	DataRoot             string // корень данных пользователей
	SessionDBPath        string // путь к bbolt базе сессий
	AuthDBPath           string // путь к базе учётных записей (провайдер sqlite)
	AuthProvider         string // sqlite | jwt
	JWTSecret            string // секрет подписи для провайдера jwt
	LogLevel             string // debug | info | warn | error
	MaxUploadBytes       int64  // предел тела /sync/upload
	MaxMediaPayloadBytes int64  // предел тела операций /msync
}

// Addr возвращает адрес прослушивания в форме host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load читает конфигурацию из окружения. Отсутствие .env не ошибка.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	viper.AutomaticEnv()
	viper.SetDefault("host", defaultHost)
	viper.SetDefault("port", defaultPort)
	viper.SetDefault("data_root", defaultDataRoot)
	viper.SetDefault("auth_provider", AuthSQLite)
	viper.SetDefault("log_level", defaultLogLevel)
	viper.SetDefault("max_upload_bytes", defaultMaxUploadBytes)
	viper.SetDefault("max_media_payload_bytes", defaultMaxMediaPayloadBytes)

	cfg := &Config{
		Host:                 viper.GetString("host"),
		Port:                 viper.GetInt("port"),
		DataRoot:             viper.GetString("data_root"),
		SessionDBPath:        viper.GetString("session_db_path"),
		AuthDBPath:           viper.GetString("auth_db_path"),
		AuthProvider:         viper.GetString("auth_provider"),
		JWTSecret:            viper.GetString("jwt_secret"),
		LogLevel:             viper.GetString("log_level"),
		MaxUploadBytes:       viper.GetInt64("max_upload_bytes"),
		MaxMediaPayloadBytes: viper.GetInt64("max_media_payload_bytes"),
	}

	// Базы сессий и пользователей по умолчанию лежат рядом с данными
	if cfg.SessionDBPath == "" {
		cfg.SessionDBPath = filepath.Join(cfg.DataRoot, "sessions.db")
	}
	if cfg.AuthDBPath == "" {
		cfg.AuthDBPath = filepath.Join(cfg.DataRoot, "users.db")
	}

	return cfg
}
