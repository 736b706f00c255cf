package mqttdbg

import (
	"flag"
	"fmt"
	"time"
)

// Config holds the broker's entire configuration surface. Every field maps
// to exactly one command-line flag; there is no config file, matching the
// teacher's own older, simpler `config` package shape before it grew JSON
// file loading for TLS/WS listeners this broker does not have.
type Config struct {
	Host string
	Port int

	MaxClients int

	LogRaw     bool
	LogPayload bool
	Timestamp  bool
	Quiet      bool

	Reflect           bool
	DisconnectOnError bool

	ConnectDelay time.Duration
}

// DefaultConfig returns the broker's out-of-the-box configuration.
func DefaultConfig() Config {
	return Config{
		Host:       "0.0.0.0",
		Port:       1883,
		MaxClients: 8,
	}
}

// BindFlags registers the broker's flags on fs, defaulting to cfg's
// current values. Call fs.Parse and then read cfg back.
func (cfg *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "address to listen on")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on")
	fs.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "maximum concurrent client connections")
	fs.BoolVar(&cfg.LogRaw, "log-raw", cfg.LogRaw, "log raw frame bytes as hex")
	fs.BoolVar(&cfg.LogPayload, "log-payload", cfg.LogPayload, "log PUBLISH payload bytes")
	fs.BoolVar(&cfg.Timestamp, "timestamp", cfg.Timestamp, "include timestamps in log lines")
	fs.BoolVar(&cfg.Reflect, "reflect", cfg.Reflect, "deliver a PUBLISH back to its own publisher if subscribed")
	fs.BoolVar(&cfg.DisconnectOnError, "disconnect-on-error", cfg.DisconnectOnError, "close the session on any protocol error instead of discarding and continuing")
	fs.BoolVar(&cfg.Quiet, "quiet", cfg.Quiet, "suppress informational and warning log output")

	// flag has no native time.Duration-from-milliseconds binding, so this
	// uses a small flag.Value adapter instead.
	fs.Var((*msFlag)(&cfg.ConnectDelay), "connect-delay-ms", "artificial delay before processing each CONNECT, in milliseconds")
}

// Validate checks cfg's port and client limit, the way the teacher's own config
// packages validate after parse (internal/config.Config.validate,
// config.Config.validate).
func (cfg *Config) Validate() error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.MaxClients <= 0 {
		return fmt.Errorf("max-clients must be positive, got %d", cfg.MaxClients)
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (cfg *Config) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

// msFlag adapts a time.Duration field to a flag.Value expressed in
// milliseconds on the command line.
type msFlag time.Duration

func (f *msFlag) String() string {
	return fmt.Sprintf("%d", time.Duration(*f)/time.Millisecond)
}

func (f *msFlag) Set(s string) error {
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil {
		return fmt.Errorf("invalid milliseconds value %q", s)
	}
	*f = msFlag(time.Duration(ms) * time.Millisecond)
	return nil
}
