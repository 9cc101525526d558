package model

import "time"

// Config is the complete runtime configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Agent      AgentConfig      `yaml:"agent" mapstructure:"agent"`
	Decisions  DecisionConfig   `yaml:"decisions" mapstructure:"decisions"`
	Decay      DecayConfig      `yaml:"decay" mapstructure:"decay"`
	Broadcast  BroadcastConfig  `yaml:"broadcast" mapstructure:"broadcast"`
	Simulation SimulationConfig `yaml:"simulation" mapstructure:"simulation"`
	NATS       NATSConfig       `yaml:"nats" mapstructure:"nats"`
}

// ServerConfig configures the HTTP/WebSocket surface
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins,omitempty" mapstructure:"allowed_origins"` // Websocket origins; empty allows any
}

// LogConfig configures structured logging
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or console
}

// LLMConfig selects the model backend used by agents
type LLMConfig struct {
	Provider    string        `yaml:"provider" mapstructure:"provider"` // openai, gemini, ollama, "" (offline)
	Model       string        `yaml:"model" mapstructure:"model"`
	APIKey      string        `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL     string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64       `yaml:"temperature" mapstructure:"temperature"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	HTTPProxy   string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy  string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy     string        `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
}

// AgentConfig bounds agent calls
type AgentConfig struct {
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	RatePerSecond   float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst           int           `yaml:"burst" mapstructure:"burst"`
	PlanningRate    float64       `yaml:"planning_rate" mapstructure:"planning_rate"` // Planning calls per second, 0 uses rate_per_second
	CacheTTL        time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	FallbackPenalty float64       `yaml:"fallback_penalty" mapstructure:"fallback_penalty"` // Multiplier applied to fallback confidence
}

// DecisionConfig sets decision windows and planning limits
type DecisionConfig struct {
	CriticalWindow    time.Duration `yaml:"critical_window" mapstructure:"critical_window"`
	HighWindow        time.Duration `yaml:"high_window" mapstructure:"high_window"`
	MediumWindow      time.Duration `yaml:"medium_window" mapstructure:"medium_window"`
	LowWindow         time.Duration `yaml:"low_window" mapstructure:"low_window"`
	PlanningCooldown  time.Duration `yaml:"planning_cooldown" mapstructure:"planning_cooldown"`
	MaxPendingActions int           `yaml:"max_pending_actions" mapstructure:"max_pending_actions"`
	SweepInterval     time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// Window returns the decision window for a time sensitivity
func (d DecisionConfig) Window(u Urgency) time.Duration {
	switch u {
	case UrgencyCritical:
		return d.CriticalWindow
	case UrgencyHigh:
		return d.HighWindow
	case UrgencyMedium:
		return d.MediumWindow
	default:
		return d.LowWindow
	}
}

// DecayConfig configures confidence decay
type DecayConfig struct {
	RatePerMinute float64       `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
	Floor         float64       `yaml:"floor" mapstructure:"floor"`
	Interval      time.Duration `yaml:"interval" mapstructure:"interval"`
}

// BroadcastConfig sizes subscriber queues
type BroadcastConfig struct {
	Buffer int `yaml:"buffer" mapstructure:"buffer"`
}

// SimulationConfig configures the scenario engine
type SimulationConfig struct {
	ScenarioDir string        `yaml:"scenario_dir,omitempty" mapstructure:"scenario_dir"`
	Speed       float64       `yaml:"speed" mapstructure:"speed"`
	Tick        time.Duration `yaml:"tick" mapstructure:"tick"`
	Workers     int           `yaml:"workers" mapstructure:"workers"`
}

// NATSConfig configures the optional event bridge
type NATSConfig struct {
	URL           string        `yaml:"url,omitempty" mapstructure:"url"`
	Subject       string        `yaml:"subject" mapstructure:"subject"`               // Events go out on <subject>.<event type>
	SignalSubject string        `yaml:"signal_subject" mapstructure:"signal_subject"` // Inbound signals; empty disables
	RetryDelay    time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		LLM: LLMConfig{
			Provider:    "",
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.2,
			Timeout:     20 * time.Second,
		},
		Agent: AgentConfig{
			Timeout:         25 * time.Second,
			MaxAttempts:     2,
			BackoffBase:     500 * time.Millisecond,
			RatePerSecond:   2,
			Burst:           4,
			PlanningRate:    0.5,
			CacheTTL:        10 * time.Minute,
			FallbackPenalty: 0.8,
		},
		Decisions: DecisionConfig{
			CriticalWindow:    2 * time.Minute,
			HighWindow:        5 * time.Minute,
			MediumWindow:      15 * time.Minute,
			LowWindow:         30 * time.Minute,
			PlanningCooldown:  20 * time.Second,
			MaxPendingActions: 3,
			SweepInterval:     5 * time.Second,
		},
		Decay: DecayConfig{
			RatePerMinute: 0.01,
			Floor:         0.1,
			Interval:      30 * time.Second,
		},
		Broadcast: BroadcastConfig{
			Buffer: 64,
		},
		Simulation: SimulationConfig{
			Speed:   1.0,
			Tick:    100 * time.Millisecond,
			Workers: 4,
		},
		NATS: NATSConfig{
			Subject:       "crisisgraph.events",
			SignalSubject: "crisisgraph.signals",
			RetryDelay:    time.Second,
		},
	}
}
