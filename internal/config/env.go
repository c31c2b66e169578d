package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. Values from the environment win over the file.
const (
	EnvBotToken     = "TG_BOT_TOKEN"
	EnvTemplateName = "TG_TEMPLATE_NAME"
	EnvAccount      = "TG_ACCOUNT"
	EnvStoragePath  = "MOONTELE_STORAGE_PATH"
	EnvLogLevel     = "MOONTELE_LOG_LEVEL"
	EnvLogChatID    = "MOONTELE_LOG_CHAT_ID"
)

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored; variables already set are kept.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment variables on cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := getenv(EnvBotToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := getenv(EnvTemplateName); v != "" {
		cfg.Templates.Default = v
	}
	if v := getenv(EnvAccount); v != "" {
		cfg.Templates.Account = v
	}
	if v := getenv(EnvStoragePath); v != "" {
		cfg.Storage.Path = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := getenv(EnvLogChatID); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Logging.Telegram.ChatID = id
			cfg.Logging.Telegram.Enabled = true
		}
	}
}

func getenv(k string) string { return strings.TrimSpace(os.Getenv(k)) }
