// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	envAdminListenAddr     = "PORTPROXY_ADMIN_LISTEN_ADDR"
	envBindHost            = "PORTPROXY_BIND_HOST"
	envUpstreamDialTimeout = "PORTPROXY_UPSTREAM_DIAL_TIMEOUT"
	envLogLevel            = "PORTPROXY_LOG_LEVEL"
	envAdminReadTimeout    = "PORTPROXY_ADMIN_READ_TIMEOUT"
	envAdminWriteTimeout   = "PORTPROXY_ADMIN_WRITE_TIMEOUT"
	envAdminIdleTimeout    = "PORTPROXY_ADMIN_IDLE_TIMEOUT"
	envGracefulShutdown    = "PORTPROXY_GRACEFUL_SHUTDOWN"

	defaultAdminListenAddr     = "127.0.0.1:9090"
	defaultBindHost            = "127.0.0.1"
	defaultUpstreamDialTimeout = 10 * time.Second
	defaultLogLevel            = "info"
	defaultAdminReadTimeout    = 10 * time.Second
	defaultAdminWriteTimeout   = 10 * time.Second
	defaultAdminIdleTimeout    = 120 * time.Second
	defaultGracefulShutdown    = 10 * time.Second
)

// Config captures runtime settings for the proxy's control plane and data
// plane. Every field has an environment variable and a command-line flag;
// the flag wins when both are set.
type Config struct {
	AdminListenAddr     string
	BindHost            string
	UpstreamDialTimeout time.Duration
	LogLevel            string
	AdminReadTimeout    time.Duration
	AdminWriteTimeout   time.Duration
	AdminIdleTimeout    time.Duration
	GracefulShutdown    time.Duration
}

// Defaults returns a Config populated from environment variables, falling
// back to the package defaults where a variable is unset or unparsable.
func Defaults() Config {
	return Config{
		AdminListenAddr:     getString(envAdminListenAddr, defaultAdminListenAddr),
		BindHost:            getString(envBindHost, defaultBindHost),
		UpstreamDialTimeout: getDuration(envUpstreamDialTimeout, defaultUpstreamDialTimeout),
		LogLevel:            strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		AdminReadTimeout:    getDuration(envAdminReadTimeout, defaultAdminReadTimeout),
		AdminWriteTimeout:   getDuration(envAdminWriteTimeout, defaultAdminWriteTimeout),
		AdminIdleTimeout:    getDuration(envAdminIdleTimeout, defaultAdminIdleTimeout),
		GracefulShutdown:    getDuration(envGracefulShutdown, defaultGracefulShutdown),
	}
}

// BindFlags registers a pflag for every setting, using cfg's current values
// (normally the result of Defaults()) as the flag defaults. Call this
// before fs.Parse(); afterward cfg holds whichever of env/flag the operator
// set, with the flag taking precedence.
func (cfg *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&cfg.AdminListenAddr, "admin-listen", cfg.AdminListenAddr, "address the control-plane API listens on")
	fs.StringVar(&cfg.BindHost, "bind-host", cfg.BindHost, "local address each per-port listener binds to")
	fs.DurationVar(&cfg.UpstreamDialTimeout, "upstream-dial-timeout", cfg.UpstreamDialTimeout, "upstream dial timeout, 0 disables it")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zerolog level (debug, info, warn, error)")
	fs.DurationVar(&cfg.AdminReadTimeout, "admin-read-timeout", cfg.AdminReadTimeout, "control-plane HTTP read timeout")
	fs.DurationVar(&cfg.AdminWriteTimeout, "admin-write-timeout", cfg.AdminWriteTimeout, "control-plane HTTP write timeout")
	fs.DurationVar(&cfg.AdminIdleTimeout, "admin-idle-timeout", cfg.AdminIdleTimeout, "control-plane HTTP idle timeout")
	fs.DurationVar(&cfg.GracefulShutdown, "graceful-shutdown", cfg.GracefulShutdown, "time allowed for graceful shutdown")
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
