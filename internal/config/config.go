package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultModels is the fallback ladder, highest-quality first. Each level
// is tried in order until one produces a completion.
var DefaultModels = []string{
	"llama-3.2-90b-text-preview",
	"llama-3.1-70b-versatile",
	"llama-3.2-11b-text-preview",
	"llama-3.1-8b-instant",
}

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	DiscordToken  string
	DiscordAPIURL string
	SendRateRPS   int
	SendRateBurst int

	GroqAPIKey  string
	GroqBaseURL string
	Models      []string
	LLMTimeout  time.Duration
	PersonaPath string

	// HistoryCharBudget caps the conversation history sent to the LLM,
	// measured in characters as a rough token proxy.
	HistoryCharBudget int

	WeatherAPIKey         string
	WeatherAPIURL         string
	WeatherLocation       string
	WeatherAPITimeout     time.Duration
	WeatherRetryAttempts  int
	WeatherRetryBaseDelay time.Duration
	CacheTTL              time.Duration

	BroadcastTime          string // local wall-clock "HH:MM"
	BroadcastRetryAttempts int
	BroadcastRetryDelay    time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	GreetingDebounce time.Duration

	ShutdownTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Discord struct {
		APIURL        string `yaml:"api_url"`
		SendRateRPS   int    `yaml:"send_rate_rps"`
		SendRateBurst int    `yaml:"send_rate_burst"`
	} `yaml:"discord"`

	LLM struct {
		BaseURL           string   `yaml:"base_url"`
		Models            []string `yaml:"models"`
		Timeout           string   `yaml:"timeout"`
		PersonaPath       string   `yaml:"persona_path"`
		HistoryCharBudget int      `yaml:"history_char_budget"`
	} `yaml:"llm"`

	Weather struct {
		URL            string `yaml:"url"`
		Location       string `yaml:"location"`
		Timeout        string `yaml:"timeout"`
		RetryAttempts  int    `yaml:"retry_attempts"`
		RetryBaseDelay string `yaml:"retry_base_delay"`
		CacheTTL       string `yaml:"cache_ttl"`
	} `yaml:"weather"`

	Broadcast struct {
		Time          string `yaml:"time"`
		RetryAttempts int    `yaml:"retry_attempts"`
		RetryDelay    string `yaml:"retry_delay"`
	} `yaml:"broadcast"`

	Store struct {
		Addrs        string `yaml:"addrs"`
		Timeout      string `yaml:"timeout"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
	} `yaml:"store"`

	Enhancer struct {
		GreetingDebounce string `yaml:"greeting_debounce"`
	} `yaml:"enhancer"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	DiscordToken  string `yaml:"discord_token"`
	GroqAPIKey    string `yaml:"groq_api_key"`
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml. Tokens come from DISCORD_TOKEN / GROQ_API_KEY /
// WEATHER_API_KEY env or the secrets file. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := loadSecrets(cwd)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.DiscordToken = firstNonEmpty(os.Getenv("DISCORD_TOKEN"), sec.DiscordToken)
	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_TOKEN required (set env or config/secrets.yaml discord_token)")
	}
	cfg.DiscordAPIURL = fc.Discord.APIURL
	if cfg.DiscordAPIURL == "" {
		cfg.DiscordAPIURL = "https://discord.com/api/v10"
	}
	cfg.SendRateRPS = fc.Discord.SendRateRPS
	if cfg.SendRateRPS <= 0 {
		cfg.SendRateRPS = 5
	}
	cfg.SendRateBurst = fc.Discord.SendRateBurst
	if cfg.SendRateBurst <= 0 {
		cfg.SendRateBurst = 10
	}

	cfg.GroqAPIKey = firstNonEmpty(os.Getenv("GROQ_API_KEY"), sec.GroqAPIKey)
	if cfg.GroqAPIKey == "" {
		return nil, fmt.Errorf("GROQ_API_KEY required (set env or config/secrets.yaml groq_api_key)")
	}
	cfg.GroqBaseURL = fc.LLM.BaseURL
	if cfg.GroqBaseURL == "" {
		cfg.GroqBaseURL = "https://api.groq.com/openai/v1"
	}
	cfg.Models = fc.LLM.Models
	if len(cfg.Models) == 0 {
		cfg.Models = append([]string(nil), DefaultModels...)
	}
	cfg.LLMTimeout = parseDuration(fc.LLM.Timeout, 30*time.Second)
	cfg.PersonaPath = fc.LLM.PersonaPath
	if cfg.PersonaPath == "" {
		cfg.PersonaPath = filepath.Join("config", "persona.txt")
	}
	cfg.HistoryCharBudget = fc.LLM.HistoryCharBudget
	if cfg.HistoryCharBudget <= 0 {
		cfg.HistoryCharBudget = 6000
	}

	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("WEATHER_API_KEY"), sec.WeatherAPIKey)
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}
	cfg.WeatherAPIURL = fc.Weather.URL
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	cfg.WeatherLocation = fc.Weather.Location
	if cfg.WeatherLocation == "" {
		cfg.WeatherLocation = "Taipei"
	}
	cfg.WeatherAPITimeout = parseDuration(fc.Weather.Timeout, 10*time.Second)
	cfg.WeatherRetryAttempts = fc.Weather.RetryAttempts
	if cfg.WeatherRetryAttempts <= 0 {
		cfg.WeatherRetryAttempts = 3
	}
	cfg.WeatherRetryBaseDelay = parseDuration(fc.Weather.RetryBaseDelay, time.Second)
	cfg.CacheTTL = parseDuration(fc.Weather.CacheTTL, 30*time.Minute)

	cfg.BroadcastTime = fc.Broadcast.Time
	if cfg.BroadcastTime == "" {
		cfg.BroadcastTime = "06:00"
	}
	cfg.BroadcastRetryAttempts = fc.Broadcast.RetryAttempts
	if cfg.BroadcastRetryAttempts <= 0 {
		cfg.BroadcastRetryAttempts = 3
	}
	cfg.BroadcastRetryDelay = parseDuration(fc.Broadcast.RetryDelay, time.Minute)

	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Store.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Store.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Store.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.GreetingDebounce = parseDuration(fc.Enhancer.GreetingDebounce, 30*time.Minute)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(cwd string) (secretsFile, error) {
	var sec secretsFile
	secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
	data, err := os.ReadFile(secretsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing
// fails or the result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// ParseWallClock parses an "HH:MM" string into hour and minute.
func ParseWallClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("wall-clock time must be HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("wall-clock hour out of range in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("wall-clock minute out of range in %q", s)
	}
	return hour, minute, nil
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather.timeout must be positive")
	}
	if cfg.LLMTimeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	if _, _, err := ParseWallClock(cfg.BroadcastTime); err != nil {
		return fmt.Errorf("broadcast.time: %w", err)
	}
	for _, m := range cfg.Models {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("llm.models must not contain empty entries")
		}
	}
	return nil
}
