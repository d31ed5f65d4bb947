package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version   int          `yaml:"version"`
	Global    GlobalConfig `yaml:"global"`
	Listeners []Listener   `yaml:"listeners"`
	Handlers  []Handler    `yaml:"handlers"`
}

type GlobalConfig struct {
	DBPath         string   `yaml:"db_path"`
	LogLevel       string   `yaml:"log_level"`
	RetryInterval  Duration `yaml:"retry_interval"`
	MaxAttempts    uint     `yaml:"max_attempts"`
	ExcludedEvents []string `yaml:"excluded_events"`
}

// Listener configures one chain.
type Listener struct {
	Chain          string   `yaml:"chain"`
	Network        string   `yaml:"network"`
	URL            string   `yaml:"url"`
	Addresses      []string `yaml:"addresses"`
	Spec           string   `yaml:"spec"`
	Version        int      `yaml:"version"`
	PollInterval   Duration `yaml:"poll_interval"`
	SkipCatchup    bool     `yaml:"skip_catchup"`
	ABIDirs        []string `yaml:"abi_dirs"`
	ExcludedEvents []string `yaml:"excluded_events"`
}

// Handler configures one entry of every listener's handler chain.
type Handler struct {
	Key            string   `yaml:"key"`
	Type           string   `yaml:"type"`
	Chains         []string `yaml:"chains"`
	ExcludedEvents []string `yaml:"excluded_events"`
	Where          []string `yaml:"where"`

	WebhookURL string            `yaml:"webhook_url"`
	URL        string            `yaml:"url"`
	Method     string            `yaml:"method"`
	Template   string            `yaml:"template"`
	Headers    map[string]string `yaml:"headers"`

	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	StreamMaxLen  int64  `yaml:"stream_max_len"`
}

// AppliesTo reports whether the handler runs for chain.
func (h Handler) AppliesTo(chain string) bool {
	if len(h.Chains) == 0 {
		return true
	}
	for _, c := range h.Chains {
		if c == chain {
			return true
		}
	}
	return false
}

// Duration is a time.Duration written as "5s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

var (
	networks = map[string]struct{}{
		"compound": {}, "aave": {}, "moloch": {}, "erc20": {}, "erc721": {}, "evm": {},
		"algorand": {}, "cosmos": {}, "substrate": {},
	}
	envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)
)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// Validate performs small, direct schema checks and fills defaults.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}
	if c.Global.DBPath == "" {
		c.Global.DBPath = "chain-events.db"
	}

	chains := map[string]struct{}{}
	for i := range c.Listeners {
		l := &c.Listeners[i]
		if _, exists := chains[l.Chain]; exists {
			return fmt.Errorf("duplicate listener chain: %s", l.Chain)
		}
		chains[l.Chain] = struct{}{}
		if err := l.Validate(); err != nil {
			return fmt.Errorf("listener %s: %w", l.Chain, err)
		}
	}

	keys := map[string]struct{}{}
	for i := range c.Handlers {
		h := &c.Handlers[i]
		if _, exists := keys[h.Key]; exists {
			return fmt.Errorf("duplicate handler key: %s", h.Key)
		}
		keys[h.Key] = struct{}{}
		if err := h.Validate(chains); err != nil {
			return fmt.Errorf("handler %s: %w", h.Key, err)
		}
	}

	return nil
}

func (l *Listener) Validate() error {
	if l.Chain == "" {
		return errors.New("chain is required")
	}
	l.Network = strings.ToLower(l.Network)
	if _, ok := networks[l.Network]; !ok {
		return fmt.Errorf("unsupported network: %q", l.Network)
	}
	if l.URL == "" {
		return errors.New("url is required")
	}
	switch l.Network {
	case "compound", "aave", "moloch", "erc20", "erc721", "evm":
		if len(l.Addresses) == 0 {
			return fmt.Errorf("addresses are required for %s listeners", l.Network)
		}
	}
	if l.Network == "evm" && len(l.ABIDirs) == 0 && l.Spec == "" {
		return errors.New("abi_dirs or spec is required for evm listeners")
	}
	return nil
}

func (h *Handler) Validate(chains map[string]struct{}) error {
	if h.Key == "" {
		return errors.New("key is required")
	}
	if h.Type == "" {
		return errors.New("type is required")
	}
	for _, c := range h.Chains {
		if _, ok := chains[c]; !ok {
			return fmt.Errorf("unknown chain: %s", c)
		}
	}

	switch strings.ToLower(h.Type) {
	case "storage", "logging":
	case "slack", "teams":
		if h.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams handlers")
		}
	case "webhook":
		if h.URL == "" {
			return errors.New("url is required for webhook handler")
		}
		if h.Method == "" {
			h.Method = "POST"
		}
	case "kafka":
		if len(h.Brokers) == 0 || h.Topic == "" {
			return errors.New("brokers and topic are required for kafka handler")
		}
	case "redis":
		if h.RedisAddr == "" {
			return errors.New("redis_addr is required for redis handler")
		}
	default:
		return fmt.Errorf("unsupported handler type: %s", h.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
