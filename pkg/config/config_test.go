package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaultsFallBackWhenEnvUnset(t *testing.T) {
	cfg := Defaults()

	if cfg.AdminListenAddr != defaultAdminListenAddr {
		t.Errorf("AdminListenAddr: got %q, want %q", cfg.AdminListenAddr, defaultAdminListenAddr)
	}
	if cfg.BindHost != defaultBindHost {
		t.Errorf("BindHost: got %q, want %q", cfg.BindHost, defaultBindHost)
	}
	if cfg.UpstreamDialTimeout != defaultUpstreamDialTimeout {
		t.Errorf("UpstreamDialTimeout: got %v, want %v", cfg.UpstreamDialTimeout, defaultUpstreamDialTimeout)
	}
}

func TestDefaultsReadFromEnv(t *testing.T) {
	t.Setenv(envBindHost, "0.0.0.0")
	t.Setenv(envUpstreamDialTimeout, "5s")

	cfg := Defaults()

	if cfg.BindHost != "0.0.0.0" {
		t.Errorf("BindHost: got %q, want %q", cfg.BindHost, "0.0.0.0")
	}
	if cfg.UpstreamDialTimeout != 5*time.Second {
		t.Errorf("UpstreamDialTimeout: got %v, want %v", cfg.UpstreamDialTimeout, 5*time.Second)
	}
}

func TestDefaultsIgnoresUnparsableDuration(t *testing.T) {
	t.Setenv(envUpstreamDialTimeout, "not-a-duration")

	cfg := Defaults()

	if cfg.UpstreamDialTimeout != defaultUpstreamDialTimeout {
		t.Errorf("expected fallback to default on unparsable duration, got %v", cfg.UpstreamDialTimeout)
	}
}

func TestBindFlagsOverridesDefaults(t *testing.T) {
	cfg := Defaults()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)

	if err := fs.Parse([]string{"--bind-host", "192.0.2.1", "--upstream-dial-timeout", "2s"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.BindHost != "192.0.2.1" {
		t.Errorf("BindHost: got %q, want %q", cfg.BindHost, "192.0.2.1")
	}
	if cfg.UpstreamDialTimeout != 2*time.Second {
		t.Errorf("UpstreamDialTimeout: got %v, want %v", cfg.UpstreamDialTimeout, 2*time.Second)
	}
}
