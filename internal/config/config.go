package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Preemption PreemptionConfig `mapstructure:"preemption"`
	Channel    ChannelConfig    `mapstructure:"channel"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Status     StatusConfig     `mapstructure:"status"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type TransportConfig struct {
	// CompressThreshold is the smallest binary frame that is zstd compressed.
	// Zero disables compression.
	CompressThreshold int   `mapstructure:"compress_threshold"`
	SendBufferSize    int   `mapstructure:"send_buffer_size"`
	MaxMessageSize    int64 `mapstructure:"max_message_size"`
}

type PreemptionConfig struct {
	WaitBeforePreempt    time.Duration `mapstructure:"wait_before_preempt"`
	MaxPreemptTime       time.Duration `mapstructure:"max_preempt_time"`
	StopPreemptThreshold time.Duration `mapstructure:"stop_preempt_threshold"`
}

type ChannelConfig struct {
	EstablishRate    float64       `mapstructure:"establish_rate"`
	EstablishBurst   int           `mapstructure:"establish_burst"`
	LogMessages      bool          `mapstructure:"log_messages"`
	DropWarnInterval time.Duration `mapstructure:"drop_warn_interval"`
}

type ExecutorConfig struct {
	CommandsPerFlush   int    `mapstructure:"commands_per_flush"`
	MaxPendingCommands int    `mapstructure:"max_pending_commands"`
	MaxContexts        int    `mapstructure:"max_contexts"`
	LostContextPolicy  string `mapstructure:"lost_context_policy"`
}

type StatusConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	ID       string        `mapstructure:"id"`
}

type NotifyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Server   string `mapstructure:"server"`
	Topic    string `mapstructure:"topic"`
	Priority string `mapstructure:"priority"`
	Tags     string `mapstructure:"tags"`
	Token    string `mapstructure:"token"`
	// QueueSize bounds notifications waiting to be sent.
	QueueSize int `mapstructure:"queue_size"`
}

type ProbeConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	Subprotocol      string `mapstructure:"subprotocol"`
	Renderers        int    `mapstructure:"renderers"`
	Workers          int    `mapstructure:"workers"`
	Flushes          int    `mapstructure:"flushes"`
	CommandsPerFlush int    `mapstructure:"commands_per_flush"`
	SiblingWait      bool   `mapstructure:"sibling_wait"`
	RatePerSecond    int    `mapstructure:"rate_per_second"`
	TimeoutSec       int    `mapstructure:"timeout_sec"`
	RetryCount       int    `mapstructure:"retry_count"`
	RetryDelayMs     int    `mapstructure:"retry_delay_ms"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("transport.compress_threshold", 4096)
	v.SetDefault("transport.send_buffer_size", 256)
	v.SetDefault("transport.max_message_size", 512*1024)
	v.SetDefault("preemption.wait_before_preempt", "34ms")
	v.SetDefault("preemption.max_preempt_time", "17ms")
	v.SetDefault("preemption.stop_preempt_threshold", "17ms")
	v.SetDefault("channel.establish_rate", 20.0)
	v.SetDefault("channel.establish_burst", 40)
	v.SetDefault("channel.log_messages", false)
	v.SetDefault("channel.drop_warn_interval", "10s")
	v.SetDefault("executor.commands_per_flush", 0)
	v.SetDefault("executor.max_pending_commands", 1<<16)
	v.SetDefault("executor.max_contexts", 0)
	v.SetDefault("executor.lost_context_policy", "continue")
	v.SetDefault("status.enabled", true)
	v.SetDefault("status.interval", "1s")
	v.SetDefault("status.id", "")
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "desktop_computer")
	v.SetDefault("notify.queue_size", 64)
	v.SetDefault("probe.base_url", "http://localhost:8080")
	v.SetDefault("probe.subprotocol", "binary.gpuchannel.v1")
	v.SetDefault("probe.renderers", 4)
	v.SetDefault("probe.workers", 2)
	v.SetDefault("probe.flushes", 10)
	v.SetDefault("probe.commands_per_flush", 8)
	v.SetDefault("probe.sibling_wait", true)
	v.SetDefault("probe.rate_per_second", 10)
	v.SetDefault("probe.timeout_sec", 30)
	v.SetDefault("probe.retry_count", 3)
	v.SetDefault("probe.retry_delay_ms", 200)
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	v.SetEnvPrefix("GPUCHANNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("notify.token", "GPUCHANNEL_NOTIFY_TOKEN", "NTFY_TOKEN")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
