package main

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Monitored ETL task and the columns checked for NULL drift.
	TaskName       string   `yaml:"task_name"`
	TrackedColumns []string `yaml:"tracked_columns"`

	// guardian.db keeps volume/quality history and collected ETL run logs.
	DBPath string `yaml:"db_path"`

	// Sync-target (analytics MySQL) and source-of-record (Oracle) stores.
	TargetDSN string `yaml:"target_dsn"`
	SourceDSN string `yaml:"source_dsn"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	LLMModel        string `yaml:"llm_model"`
	LLMTimeoutSec   int    `yaml:"llm_timeout_seconds"`
	QueryTimeoutSec int    `yaml:"query_timeout_seconds"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`
	DashboardURL   string `yaml:"dashboard_url"`

	// Cloud ETL activity-log API (run-log collector).
	EtlLoginURL string `yaml:"etl_login_url"`
	EtlUsername string `yaml:"etl_username"`
	EtlPassword string `yaml:"etl_password"`

	// 5-field cron expression for the daily check, e.g. "30 9 * * *".
	CheckSchedule string `yaml:"check_schedule"`

	ListenAddr string `yaml:"listen_addr"`
	Timezone   string `yaml:"timezone"`

	Location *time.Location `yaml:"-"`
}

func LoadConfig() Config {
	var cfg Config

	// Optional .env next to the binary, same as the rest of the toolchain.
	_ = godotenv.Load()

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.TaskName, "TASK_NAME")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.TargetDSN, "TARGET_DSN")
	envOverride(&cfg.SourceDSN, "SOURCE_DSN")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverrideInt(&cfg.LLMTimeoutSec, "LLM_TIMEOUT_SECONDS")
	envOverrideInt(&cfg.QueryTimeoutSec, "QUERY_TIMEOUT_SECONDS")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverride(&cfg.DashboardURL, "DASHBOARD_URL")
	envOverride(&cfg.EtlLoginURL, "ETL_LOGIN_URL")
	envOverride(&cfg.EtlUsername, "ETL_USERNAME")
	envOverride(&cfg.EtlPassword, "ETL_PASSWORD")
	envOverride(&cfg.CheckSchedule, "CHECK_SCHEDULE")
	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverride(&cfg.Timezone, "TIMEZONE")

	if cols := os.Getenv("TRACKED_COLUMNS"); cols != "" {
		cfg.TrackedColumns = nil
		for _, c := range strings.Split(cols, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				cfg.TrackedColumns = append(cfg.TrackedColumns, c)
			}
		}
	}

	// Defaults
	if cfg.TaskName == "" {
		cfg.TaskName = "m_ORDERS_SYNC"
	}
	if len(cfg.TrackedColumns) == 0 {
		cfg.TrackedColumns = []string{
			"phone_number", "email", "customer_name",
			"total_amount", "product_code", "category",
		}
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./guardian.db"
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = defaultAnthropicModel
	}
	if cfg.LLMTimeoutSec == 0 {
		cfg.LLMTimeoutSec = 60
	}
	if cfg.QueryTimeoutSec == 0 {
		cfg.QueryTimeoutSec = 30
	}
	if cfg.CheckSchedule == "" {
		cfg.CheckSchedule = "30 9 * * *"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8090"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}

	// Validate required fields
	if cfg.AnthropicAPIKey == "" {
		log.Fatalf("Required config 'anthropic_api_key' is not set (via config.yaml or env var)")
	}
	if cfg.TargetDSN == "" {
		log.Fatalf("Required config 'target_dsn' is not set (via config.yaml or env var)")
	}
	if cfg.SlackBotToken == "" || cfg.SlackChannelID == "" {
		log.Println("Slack not fully configured: escalations will be logged only")
	}

	if strings.EqualFold(cfg.Timezone, "Local") {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Fatalf("invalid timezone '%s': %v", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	return cfg
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

func (c Config) EtlAPIConfigured() bool {
	return c.EtlLoginURL != "" && c.EtlUsername != "" && c.EtlPassword != ""
}

func (c Config) queryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSec) * time.Second
}

func (c Config) llmTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSec) * time.Second
}
