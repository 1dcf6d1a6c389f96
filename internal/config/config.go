// Package config загружает конфигурацию softpbx через viper.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config корневая конфигурация. В YAML лежит под ключом `softpbx:`.
type Config struct {
	SIP       SIPConfig       `mapstructure:"sip"`
	RTP       RTPConfig       `mapstructure:"rtp"`
	Timers    TimersConfig    `mapstructure:"timers"`
	Jitter    JitterConfig    `mapstructure:"jitter"`
	Codecs    []string        `mapstructure:"codecs"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Calls     CallsConfig     `mapstructure:"calls"`
	Registrar RegistrarConfig `mapstructure:"registrar"`
	Dialplan  DialplanConfig  `mapstructure:"dialplan"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// SIPConfig параметры сигнализации
type SIPConfig struct {
	Listen        string `mapstructure:"listen"`
	ExternalHost  string `mapstructure:"external_host"`
	ExternalPort  int    `mapstructure:"external_port"`
	UserAgent     string `mapstructure:"user_agent"`
	DSCP          int    `mapstructure:"dscp"`
	StrictParsing bool   `mapstructure:"strict_parsing"`
}

// RTPConfig параметры медиа транспорта
type RTPConfig struct {
	PortMin        int           `mapstructure:"port_min"`
	PortMax        int           `mapstructure:"port_max"`
	BindAddress    string        `mapstructure:"bind_address"`
	ExternalHost   string        `mapstructure:"external_host"`
	DSCP           int           `mapstructure:"dscp"`
	RTCPMux        bool          `mapstructure:"rtcp_mux"`
	SymmetricRTP   bool          `mapstructure:"symmetric_rtp"`
	PacketTime     time.Duration `mapstructure:"ptime"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// TimersConfig базовые таймеры RFC 3261, остальные выводятся из них
type TimersConfig struct {
	T1     time.Duration `mapstructure:"t1"`
	T2     time.Duration `mapstructure:"t2"`
	T4     time.Duration `mapstructure:"t4"`
	TimerD time.Duration `mapstructure:"timer_d"`
}

// JitterConfig параметры адаптивного джиттер буфера
type JitterConfig struct {
	Depth        int           `mapstructure:"depth"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MinDelay     time.Duration `mapstructure:"min_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Hysteresis   time.Duration `mapstructure:"hysteresis"`
	EarlyTicks   int           `mapstructure:"early_ticks"`
}

// QualityConfig веса упрощенной E-модели для расчета MOS
type QualityConfig struct {
	R0              float64       `mapstructure:"r0"`
	LossWeight      float64       `mapstructure:"loss_weight"`
	JitterThreshold time.Duration `mapstructure:"jitter_threshold"`
	JitterWeight    float64       `mapstructure:"jitter_weight"`
	DelayThreshold  time.Duration `mapstructure:"delay_threshold"`
	DelayWeight     float64       `mapstructure:"delay_weight"`
}

// CallsConfig параметры менеджера вызовов
type CallsConfig struct {
	Mailbox            int           `mapstructure:"mailbox"`
	MaxCalls           int           `mapstructure:"max_calls"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	RequireKnownCaller bool          `mapstructure:"require_known_caller"`
	// RingTimeout предел ожидания ответа исходящего плеча
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

// RegistrarConfig интервалы регистрации
type RegistrarConfig struct {
	MinExpires     time.Duration `mapstructure:"min_expires"`
	MaxExpires     time.Duration `mapstructure:"max_expires"`
	DefaultExpires time.Duration `mapstructure:"default_expires"`
}

// DialplanConfig путь к YAML с правилами маршрутизации
type DialplanConfig struct {
	File string `mapstructure:"file"`
}

// LogConfig параметры логирования
type LogConfig struct {
	Level       string        `mapstructure:"level"`
	Format      string        `mapstructure:"format"`
	SIPMessages bool          `mapstructure:"sip_messages"`
	File        LogFileConfig `mapstructure:"file"`
}

// LogFileConfig ротация файла логов (lumberjack)
type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig экспорт prometheus. Пустой Listen отключает HTTP.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// knownCodecs кодеки, которые умеет пакетизировать медиа слой
var knownCodecs = map[string]bool{
	"PCMU": true,
	"PCMA": true,
	"G722": true,
	"GSM":  true,
}

type configRoot struct {
	SoftPBX Config `mapstructure:"softpbx"`
}

// Load читает файл конфигурации. Пустой путь - только значения по умолчанию
// и переменные окружения.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// ключ softpbx.sip.listen -> SOFTPBX_SIP_LISTEN
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return decode(v)
}

// Default возвращает конфигурацию по умолчанию без файла и окружения
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.SoftPBX

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	const p = "softpbx."

	v.SetDefault(p+"sip.listen", "0.0.0.0:5060")
	v.SetDefault(p+"sip.user_agent", "softpbx")
	v.SetDefault(p+"sip.dscp", 24)
	v.SetDefault(p+"sip.strict_parsing", false)

	v.SetDefault(p+"rtp.port_min", 10000)
	v.SetDefault(p+"rtp.port_max", 20000)
	v.SetDefault(p+"rtp.bind_address", "0.0.0.0")
	v.SetDefault(p+"rtp.dscp", 46)
	v.SetDefault(p+"rtp.rtcp_mux", true)
	v.SetDefault(p+"rtp.symmetric_rtp", true)
	v.SetDefault(p+"rtp.ptime", "20ms")
	v.SetDefault(p+"rtp.report_interval", "5s")

	v.SetDefault(p+"timers.t1", "500ms")
	v.SetDefault(p+"timers.t2", "4s")
	v.SetDefault(p+"timers.t4", "5s")
	v.SetDefault(p+"timers.timer_d", "32s")

	v.SetDefault(p+"jitter.depth", 50)
	v.SetDefault(p+"jitter.initial_delay", "60ms")
	v.SetDefault(p+"jitter.min_delay", "20ms")
	v.SetDefault(p+"jitter.max_delay", "300ms")
	v.SetDefault(p+"jitter.hysteresis", "20ms")
	v.SetDefault(p+"jitter.early_ticks", 250)

	v.SetDefault(p+"codecs", []string{"PCMU", "PCMA"})

	v.SetDefault(p+"quality.r0", 93.2)
	v.SetDefault(p+"quality.loss_weight", 2.5)
	v.SetDefault(p+"quality.jitter_threshold", "150ms")
	v.SetDefault(p+"quality.jitter_weight", 0.1)
	v.SetDefault(p+"quality.delay_threshold", "177ms")
	v.SetDefault(p+"quality.delay_weight", 0.11)

	v.SetDefault(p+"calls.mailbox", 64)
	v.SetDefault(p+"calls.max_calls", 0)
	v.SetDefault(p+"calls.shutdown_timeout", "10s")
	v.SetDefault(p+"calls.require_known_caller", false)
	v.SetDefault(p+"calls.ring_timeout", "3m")

	v.SetDefault(p+"registrar.min_expires", "60s")
	v.SetDefault(p+"registrar.max_expires", "2h")
	v.SetDefault(p+"registrar.default_expires", "1h")

	v.SetDefault(p+"log.level", "info")
	v.SetDefault(p+"log.format", "text")
	v.SetDefault(p+"log.sip_messages", false)
	v.SetDefault(p+"log.file.enabled", false)
	v.SetDefault(p+"log.file.path", "softpbx.log")
	v.SetDefault(p+"log.file.max_size_mb", 100)
	v.SetDefault(p+"log.file.max_backups", 3)
	v.SetDefault(p+"log.file.max_age_days", 30)
	v.SetDefault(p+"log.file.compress", true)

	v.SetDefault(p+"metrics.listen", "")
	v.SetDefault(p+"metrics.path", "/metrics")
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", c.Log.Format)
	}
	if c.Log.File.Enabled && c.Log.File.Path == "" {
		return fmt.Errorf("log.file.path is required when log.file.enabled=true")
	}

	if _, _, err := net.SplitHostPort(c.SIP.Listen); err != nil {
		return fmt.Errorf("invalid sip.listen %q: %w", c.SIP.Listen, err)
	}
	if c.SIP.DSCP < 0 || c.SIP.DSCP > 63 || c.RTP.DSCP < 0 || c.RTP.DSCP > 63 {
		return fmt.Errorf("dscp must be in range 0..63")
	}

	// RTP на четном порту, RTCP на следующем нечетном
	if c.RTP.PortMin <= 0 || c.RTP.PortMax > 65535 || c.RTP.PortMin >= c.RTP.PortMax {
		return fmt.Errorf("invalid rtp port range %d-%d", c.RTP.PortMin, c.RTP.PortMax)
	}
	if c.RTP.PortMin%2 != 0 {
		return fmt.Errorf("rtp.port_min must be even, got %d", c.RTP.PortMin)
	}
	if c.RTP.PacketTime < 10*time.Millisecond || c.RTP.PacketTime > 120*time.Millisecond {
		return fmt.Errorf("invalid rtp.ptime %s (must be 10ms..120ms)", c.RTP.PacketTime)
	}
	if c.RTP.ReportInterval <= 0 {
		return fmt.Errorf("rtp.report_interval must be positive")
	}

	if c.Timers.T1 <= 0 || c.Timers.T2 <= 0 || c.Timers.T4 <= 0 || c.Timers.TimerD < 0 {
		return fmt.Errorf("timers must be positive")
	}
	if c.Timers.T2 < c.Timers.T1 {
		return fmt.Errorf("timers.t2 (%s) must not be less than timers.t1 (%s)", c.Timers.T2, c.Timers.T1)
	}

	j := c.Jitter
	if j.Depth < 2 {
		return fmt.Errorf("jitter.depth must be at least 2")
	}
	if j.MinDelay <= 0 || j.MinDelay > j.InitialDelay || j.InitialDelay > j.MaxDelay {
		return fmt.Errorf("jitter delays must satisfy 0 < min (%s) <= initial (%s) <= max (%s)",
			j.MinDelay, j.InitialDelay, j.MaxDelay)
	}
	if j.Hysteresis < 0 || j.EarlyTicks <= 0 {
		return fmt.Errorf("jitter.hysteresis must be >= 0 and jitter.early_ticks > 0")
	}

	if len(c.Codecs) == 0 {
		return fmt.Errorf("codecs list is empty")
	}
	for i, name := range c.Codecs {
		upper := strings.ToUpper(name)
		if !knownCodecs[upper] {
			return fmt.Errorf("unknown codec %q", name)
		}
		c.Codecs[i] = upper
	}

	if c.Quality.R0 <= 0 || c.Quality.LossWeight < 0 || c.Quality.JitterWeight < 0 || c.Quality.DelayWeight < 0 {
		return fmt.Errorf("invalid quality weights")
	}

	if c.Calls.Mailbox <= 0 {
		return fmt.Errorf("calls.mailbox must be positive")
	}
	if c.Calls.MaxCalls < 0 {
		return fmt.Errorf("calls.max_calls must not be negative")
	}
	if c.Calls.RingTimeout < 0 {
		return fmt.Errorf("calls.ring_timeout must not be negative")
	}

	r := c.Registrar
	if r.MinExpires <= 0 || r.MinExpires > r.DefaultExpires || r.DefaultExpires > r.MaxExpires {
		return fmt.Errorf("registrar expires must satisfy 0 < min <= default <= max")
	}
	return nil
}
