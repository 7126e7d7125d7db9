package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// AppConfig is the root configuration for the gateway service.
type AppConfig struct {
	System   SysConfig      `yaml:"system"`
	Web      WebConfig      `yaml:"web"`
	Database DBConfig       `yaml:"database"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	AI       AIConfig       `yaml:"ai"`
	Logger   LogConfig      `yaml:"logger"`
}

type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

type WebConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"`
}

type DBConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
}

type WhatsAppConfig struct {
	// StorePath is the sqlite file holding the whatsmeow device store.
	StorePath string `yaml:"store_path"`
	// DebugQR prints pairing codes to the terminal as scannable blocks.
	DebugQR bool `yaml:"debug_qr"`
}

type AIConfig struct {
	ApiKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// MaxReplyRunes caps the length of generated replies.
	MaxReplyRunes int `yaml:"max_reply_runes"`
}

type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// DefaultAppConfig returns a config suitable for local development.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "wagate",
			Location: "America/Santo_Domingo",
			Workdir:  "/var/wagate",
			Debug:    true,
		},
		Web: WebConfig{
			Host:   "0.0.0.0",
			Port:   1820,
			Secret: "9b6de5cc-wagate-1820-df9d5a9e472d",
		},
		Database: DBConfig{
			Type:     "postgres",
			Host:     "127.0.0.1",
			Port:     5432,
			Name:     "wagate",
			User:     "postgres",
			Passwd:   "root",
			MaxConn:  100,
			IdleConn: 10,
		},
		WhatsApp: WhatsAppConfig{
			StorePath: "wameow.db",
			DebugQR:   false,
		},
		AI: AIConfig{
			BaseURL:       "https://generativelanguage.googleapis.com/v1beta",
			Model:         "gemini-2.0-flash",
			MaxReplyRunes: 900,
		},
		Logger: LogConfig{
			Mode:       "development",
			FileEnable: true,
			Filename:   "/var/wagate/wagate.log",
		},
	}
}

// LoadConfig reads the yaml config file and applies environment overrides.
// A missing file is not an error; defaults are used.
func LoadConfig(cfile string) *AppConfig {
	cfg := DefaultAppConfig()
	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}
	cfg.applyEnv()
	if cfg.WhatsApp.StorePath != "" && !filepath.IsAbs(cfg.WhatsApp.StorePath) {
		cfg.WhatsApp.StorePath = filepath.Join(cfg.System.Workdir, cfg.WhatsApp.StorePath)
	}
	return cfg
}

func (c *AppConfig) applyEnv() {
	setEnvString(&c.System.Workdir, "WAGATE_SYSTEM_WORKDIR")
	setEnvBool(&c.System.Debug, "WAGATE_SYSTEM_DEBUG")
	setEnvString(&c.Web.Host, "WAGATE_WEB_HOST")
	setEnvInt(&c.Web.Port, "WAGATE_WEB_PORT")
	setEnvString(&c.Web.Secret, "WAGATE_WEB_SECRET")
	setEnvString(&c.Database.Type, "WAGATE_DB_TYPE")
	setEnvString(&c.Database.Host, "WAGATE_DB_HOST")
	setEnvInt(&c.Database.Port, "WAGATE_DB_PORT")
	setEnvString(&c.Database.Name, "WAGATE_DB_NAME")
	setEnvString(&c.Database.User, "WAGATE_DB_USER")
	setEnvString(&c.Database.Passwd, "WAGATE_DB_PWD")
	setEnvString(&c.WhatsApp.StorePath, "WAGATE_WA_STORE_PATH")
	setEnvBool(&c.WhatsApp.DebugQR, "WAGATE_WA_DEBUG_QR")
	setEnvString(&c.AI.ApiKey, "WAGATE_AI_API_KEY")
	setEnvString(&c.AI.BaseURL, "WAGATE_AI_BASE_URL")
	setEnvString(&c.AI.Model, "WAGATE_AI_MODEL")
	setEnvInt(&c.AI.MaxReplyRunes, "WAGATE_AI_MAX_REPLY_RUNES")
	setEnvString(&c.Logger.Mode, "WAGATE_LOGGER_MODE")
	setEnvBool(&c.Logger.FileEnable, "WAGATE_LOGGER_FILE_ENABLE")
	setEnvString(&c.Logger.Filename, "WAGATE_LOGGER_FILENAME")
}

func setEnvString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setEnvInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = cast.ToInt(v)
	}
}

func setEnvBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = cast.ToBool(v)
	}
}
