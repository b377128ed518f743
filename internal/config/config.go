/*
Package config loads the relay's startup configuration: identity, listen
port, an optional bootstrap peer to dial on startup, and ambient
logging/metrics settings. broadcast_hub's own cmd/server and cmd/client
parsed a handful of required flags with urfave/cli; this relay has both a
server's and a client-dialing role's worth of flags to carry (port, plus the
bootstrap host/port a second relay dials into), so flag parsing moves to the
pflag idiom r2northstar/atlas's cmd/atlas uses, and gains the same optional
env-file layer atlas's readEnv provides.
*/
package config

import (
	"fmt"
	"os"

	"github.com/CiaranWoodward/crc-relay/internal/wire"
	"github.com/hashicorp/go-envparse"
	"github.com/spf13/pflag"
)

// Config is everything cmd/relayd needs to stand up a Node and Loop.
type Config struct {
	ID         wire.HostID
	ServerName string
	ServerInfo string
	Port       int

	// BootstrapHost is a display-only name for the relay named by
	// BootstrapAddr/BootstrapPort; it never reaches the wire. Empty means
	// this relay is a network's seed and dials nothing at startup.
	BootstrapHost string
	BootstrapAddr string
	BootstrapPort int

	LogFile     string
	MetricsAddr string
}

// Load parses args (typically os.Args[1:]) against a fresh flag set. If
// --env-file is among args, its KEY=VALUE lines seed flag defaults before
// the rest of args is parsed, the way cmd/atlas treats a named env file as
// the config source in place of the live environment. Flags explicitly set
// on the command line take priority over env file values.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("relayd", pflag.ContinueOnError)

	var c Config
	var id uint64
	var envFile string
	fs.Uint64Var(&id, "id", 0, "this relay's host id (required, must be nonzero)")
	fs.StringVar(&c.ServerName, "name", "", "this relay's server name, advertised to peers")
	fs.StringVar(&c.ServerInfo, "info", "", "free-form server info string, advertised to peers")
	fs.IntVar(&c.Port, "port", 0, "TCP port to listen on (required)")
	fs.StringVar(&c.BootstrapHost, "connect-host", "", "display name of an existing relay to dial at startup")
	fs.StringVar(&c.BootstrapAddr, "connect-addr", "127.0.0.1", "IPv4 address of the relay named by --connect-host")
	fs.IntVar(&c.BootstrapPort, "connect-port", 0, "port of the relay named by --connect-host")
	fs.StringVar(&c.LogFile, "log-file", "", "optional path to also write logs to, in addition to the console")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", "", "optional address to serve Prometheus-format metrics on")
	fs.StringVar(&envFile, "env-file", "", "optional KEY=VALUE file to seed flag defaults from")

	// Scan for --env-file up front: env values must seed defaults before
	// the real Parse, the same ordering atlas gets for free by reading its
	// env file before constructing its config.
	scan := pflag.NewFlagSet("relayd-prescan", pflag.ContinueOnError)
	scan.ParseErrorsWhitelist.UnknownFlags = true
	scan.StringVar(&envFile, "env-file", "", "")
	_ = scan.Parse(args)

	if envFile != "" {
		if err := applyEnvFile(fs, envFile); err != nil {
			return nil, fmt.Errorf("config: read env file: %w", err)
		}
	}

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}
	c.ID = wire.HostID(id)

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyEnvFile reads name as a KEY=VALUE env file and sets each matching
// flag's default, the way atlas's readEnv feeds envparse.Parse's output
// into its config unmarshaller.
func applyEnvFile(fs *pflag.FlagSet, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	vars, err := envparse.Parse(f)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	for k, v := range vars {
		if fl := fs.Lookup(flagNameForEnvKey(k)); fl != nil {
			if err := fl.Value.Set(v); err != nil {
				return fmt.Errorf("apply %s: %w", k, err)
			}
		}
	}
	return nil
}

// flagNameForEnvKey maps CRC_CONNECT_HOST style env keys onto the
// dash-separated flag names registered above.
func flagNameForEnvKey(k string) string {
	const prefix = "CRC_"
	if len(k) <= len(prefix) || k[:len(prefix)] != prefix {
		return ""
	}
	rest := k[len(prefix):]
	out := make([]byte, 0, len(rest))
	for _, r := range rest {
		if r == '_' {
			out = append(out, '-')
		} else if r >= 'A' && r <= 'Z' {
			out = append(out, byte(r-'A'+'a'))
		} else {
			out = append(out, byte(r))
		}
	}
	return string(out)
}

// HasBootstrap reports whether this relay should dial an existing network
// at startup (spec.md §4.4 step 2), rather than start as a seed.
func (c *Config) HasBootstrap() bool {
	return c.BootstrapHost != ""
}

func (c *Config) validate() error {
	if c.ID == 0 {
		return fmt.Errorf("config: --id is required and must be nonzero")
	}
	if c.Port < 1 || c.Port > 0xFFFF {
		return fmt.Errorf("config: --port out of range: %d", c.Port)
	}
	if c.HasBootstrap() && (c.BootstrapPort < 1 || c.BootstrapPort > 0xFFFF) {
		return fmt.Errorf("config: --connect-port out of range: %d", c.BootstrapPort)
	}
	return nil
}
