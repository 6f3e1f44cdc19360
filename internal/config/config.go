// Package config parses and validates the proxy's command-line
// configuration, grounded on nishisan-dev-n-backup's stdlib-flag CLI and
// validate-on-load pattern.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
)

// Config is the immutable, fully-validated configuration for one proxy
// run.
type Config struct {
	BindAddr          string
	BindPort          string
	UpstreamAddr      string
	UpstreamPort      string
	EncryptDownstream bool
	EncryptUpstream   bool
	LogLevel          string
	LogFormat         string
}

const usageFormat = `Usage: %s [-i] [-o] [-h] <bind address> <bind port> <server address> <server port>

  -i     encrypt incoming client (downstream) connections
  -o     encrypt outgoing server (upstream) connections
  -io    shorthand for -i -o
  -h     print this message and exit
`

// Parse parses args (typically os.Args[1:]) into a validated Config.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("naclproxy", flag.ContinueOnError)

	var encIn, encOut, combined bool
	var logLevel, logFormat string
	fs.BoolVar(&encIn, "i", false, "encrypt incoming client connections")
	fs.BoolVar(&encOut, "o", false, "encrypt outgoing server connections")
	fs.BoolVar(&combined, "io", false, "shorthand for -i -o")
	fs.StringVar(&logLevel, "log-level", "info", "log level: debug, io, info, warn, error")
	fs.StringVar(&logFormat, "log-format", "json", "log format: json or text")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), usageFormat, "naclproxy")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if combined {
		encIn = true
		encOut = true
	}

	rest := fs.Args()
	if len(rest) != 4 {
		fs.Usage()
		return nil, errors.New("config: expected exactly 4 positional arguments: bind-addr bind-port server-addr server-port")
	}

	cfg := &Config{
		BindAddr:          rest[0],
		BindPort:          rest[1],
		UpstreamAddr:      rest[2],
		UpstreamPort:      rest[3],
		EncryptDownstream: encIn,
		EncryptUpstream:   encOut,
		LogLevel:          logLevel,
		LogFormat:         logFormat,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate range-checks ports and rejects empty addresses. Address
// resolvability itself is left to the socket layer.
func (c *Config) Validate() error {
	if err := validatePort(c.BindPort); err != nil {
		return fmt.Errorf("config: bind port: %w", err)
	}
	if err := validatePort(c.UpstreamPort); err != nil {
		return fmt.Errorf("config: server port: %w", err)
	}
	if c.BindAddr == "" {
		return errors.New("config: bind address must not be empty")
	}
	if c.UpstreamAddr == "" {
		return errors.New("config: server address must not be empty")
	}
	return nil
}

func validatePort(p string) error {
	n, err := strconv.Atoi(p)
	if err != nil {
		return fmt.Errorf("%q is not numeric", p)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("%d is out of range 1-65535", n)
	}
	return nil
}
