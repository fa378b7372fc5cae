package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	// Устанавливаем переменные окружения для теста
	os.Setenv("TELEGRAM_BOT_TOKEN", "test_token")
	os.Setenv("TARGET_CHAT_ID", "-1001234567890")
	os.Setenv("DB_HOST", "localhost")
	os.Setenv("DB_USER", "test_user")
	os.Setenv("DB_PASSWORD", "test_password")
	os.Setenv("DB_NAME", "test_db")

	cfg, err := Load()

	assert.NoError(t, err)
	assert.NotNil(t, cfg)

	// Проверяем значения
	assert.Equal(t, "test_token", cfg.Telegram.BotToken)
	assert.Equal(t, int64(-1001234567890), cfg.Telegram.TargetChatID)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, "test_user", cfg.Database.User)
	assert.Equal(t, "test_password", cfg.Database.Password)
	assert.Equal(t, "test_db", cfg.Database.Name)

	// Проверяем значения по умолчанию
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, "https://t.me/+", cfg.Telegram.LinkBaseURL)
	assert.Equal(t, 10*time.Minute, cfg.Engine.VerificationDelay)
	assert.Equal(t, time.Minute, cfg.Engine.MaturationInterval)
	assert.Equal(t, time.Hour, cfg.Engine.RollupInterval)
	assert.Equal(t, 10, cfg.Engine.LinkCodeAttempts)
	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, 8080, cfg.App.Port)
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "test_user",
		Password: "test_password",
		Name:     "test_db",
		SSLMode:  "disable",
	}

	dsn := cfg.GetDSN()
	expected := "host=localhost port=5432 user=test_user password=test_password dbname=test_db sslmode=disable"
	assert.Equal(t, expected, dsn)
}

func TestAppConfigMethods(t *testing.T) {
	cfg := &AppConfig{
		Env:      "development",
		LogLevel: "debug",
	}

	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestValidateConfig(t *testing.T) {
	// Тест с пустыми обязательными полями
	cfg := &Config{}
	err := validateConfig(cfg)
	assert.Error(t, err)

	// Тест с корректной конфигурацией
	cfg = &Config{
		Telegram: TelegramConfig{
			BotToken:     "test_token",
			TargetChatID: -100123,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			User:     "test_user",
			Password: "test_password",
			Name:     "test_db",
		},
		Engine: EngineConfig{
			LinkCodeAttempts: 10,
		},
	}
	err = validateConfig(cfg)
	assert.NoError(t, err)
}

func TestEngineDurationOverrides(t *testing.T) {
	os.Setenv("TELEGRAM_BOT_TOKEN", "test_token")
	os.Setenv("TARGET_CHAT_ID", "-100123")
	os.Setenv("DB_HOST", "localhost")
	os.Setenv("DB_USER", "u")
	os.Setenv("DB_PASSWORD", "p")
	os.Setenv("DB_NAME", "d")
	os.Setenv("VERIFICATION_DELAY", "30m")
	os.Setenv("ROLLUP_INTERVAL", "15m")
	defer os.Unsetenv("VERIFICATION_DELAY")
	defer os.Unsetenv("ROLLUP_INTERVAL")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Engine.VerificationDelay)
	assert.Equal(t, 15*time.Minute, cfg.Engine.RollupInterval)
}
