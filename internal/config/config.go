package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Backend BackendConfig
	App     AppConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// BackendConfig selects the model backend. Exactly one of Blip, Llama,
// Ollama and OpenAI must be set.
type BackendConfig struct {
	Blip        string
	BlipToken   string
	Llama       string
	LlamaSeed   int
	Ollama      string
	OllamaModel string
	OpenAI      bool
	OpenAIModel string
	HTTPTimeout time.Duration
}

type AppConfig struct {
	DBPath           string
	AnalysisTimeout  time.Duration
	BatchConcurrency int
	Language         string
	Modality         string
	LogLevel         string
}

// LoadDotEnv loads environment variables from the given files, ".env" when
// none are named. Missing files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load reads the configuration. Values come from, in increasing priority,
// the defaults below, the optional config file at path, and TABIB_*
// environment variables (e.g. TABIB_SERVER_PORT, TABIB_BACKEND_OLLAMA).
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 2*time.Minute)

	v.SetDefault("backend.blip", "")
	v.SetDefault("backend.blip_token", "")
	v.SetDefault("backend.llama", "")
	v.SetDefault("backend.llama_seed", 385480504)
	v.SetDefault("backend.ollama", "")
	v.SetDefault("backend.ollama_model", "llava")
	v.SetDefault("backend.openai", false)
	v.SetDefault("backend.openai_model", "gpt-4o-mini")
	v.SetDefault("backend.http_timeout", 90*time.Second)

	v.SetDefault("app.db", "")
	v.SetDefault("app.analysis_timeout", 2*time.Minute)
	v.SetDefault("app.batch_concurrency", 2)
	v.SetDefault("app.language", "en")
	v.SetDefault("app.modality", "photo")
	v.SetDefault("app.log_level", "info")

	v.SetEnvPrefix("tabib")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return &Config{
		Server: ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetString("server.port"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
		},
		Backend: BackendConfig{
			Blip:        v.GetString("backend.blip"),
			BlipToken:   v.GetString("backend.blip_token"),
			Llama:       v.GetString("backend.llama"),
			LlamaSeed:   v.GetInt("backend.llama_seed"),
			Ollama:      v.GetString("backend.ollama"),
			OllamaModel: v.GetString("backend.ollama_model"),
			OpenAI:      v.GetBool("backend.openai"),
			OpenAIModel: v.GetString("backend.openai_model"),
			HTTPTimeout: v.GetDuration("backend.http_timeout"),
		},
		App: AppConfig{
			DBPath:           v.GetString("app.db"),
			AnalysisTimeout:  v.GetDuration("app.analysis_timeout"),
			BatchConcurrency: max(1, v.GetInt("app.batch_concurrency")),
			Language:         v.GetString("app.language"),
			Modality:         v.GetString("app.modality"),
			LogLevel:         v.GetString("app.log_level"),
		},
	}, nil
}
