package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

const sample = `
port: 9000
voice:
  connect_radius: 3
  disconnect_radius: 8
  max_retries: 2
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func flags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing-env")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("port: got %d, want 8080", cfg.Port)
	}
	if cfg.Voice.ConnectRadius != 6 || cfg.Voice.DisconnectRadius != 10 {
		t.Fatalf("radii: got %v/%v, want 6/10", cfg.Voice.ConnectRadius, cfg.Voice.DisconnectRadius)
	}
	if cfg.Voice.TickPeriod != 50*time.Millisecond {
		t.Fatalf("tick period: got %v, want 50ms", cfg.Voice.TickPeriod)
	}
	if len(cfg.RTC.ICEServers) != 1 {
		t.Fatalf("ice servers: got %v", cfg.RTC.ICEServers)
	}
}

func TestLoadFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice.yaml")
	writeFile(t, path, sample)

	cfg, err := Load(flags(t, "--config", path, "--log-level", "debug"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("port from file: got %d, want 9000", cfg.Port)
	}
	if cfg.Voice.ConnectRadius != 3 || cfg.Voice.MaxRetries != 2 {
		t.Fatalf("voice from file: got %+v", cfg.Voice)
	}
	if cfg.Voice.NegotiationTimeout != 5*time.Second {
		t.Fatalf("unset key should keep its default, got %v", cfg.Voice.NegotiationTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: got %q, want debug", cfg.LogLevel)
	}

	cfg, err = Load(flags(t, "--config", path, "--port", "9100"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("flag should win over file: got %d", cfg.Port)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice.yaml")
	writeFile(t, path, "voice:\n  connect_radius: 10\n  disconnect_radius: 4\n")

	_, err := Load(flags(t, "--config", path))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}
}

func TestVoiceValidate(t *testing.T) {
	good := Voice{
		ConnectRadius:      6,
		DisconnectRadius:   10,
		NegotiationTimeout: time.Second,
		MaxRetries:         1,
		TickPeriod:         time.Millisecond,
		TeardownTimeout:    time.Second,
		JitterMin:          1,
		JitterMax:          1,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(v *Voice){
		"equal radii":      func(v *Voice) { v.DisconnectRadius = v.ConnectRadius },
		"zero radius":      func(v *Voice) { v.ConnectRadius = 0 },
		"zero tick":        func(v *Voice) { v.TickPeriod = 0 },
		"no attempts":      func(v *Voice) { v.MaxRetries = 0 },
		"negative backoff": func(v *Voice) { v.RetryBackoff = -time.Second },
		"jitter inverted":  func(v *Voice) { v.JitterMin, v.JitterMax = 5, 2 },
		"negative bound":   func(v *Voice) { v.WorldBound = -1 },
		"bound in radius":  func(v *Voice) { v.WorldBound = 8 },
		"bound over cap":   func(v *Voice) { v.WorldBound = 1e200 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			v := good
			mutate(&v)
			if err := v.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("got %v, want ErrInvalid", err)
			}
		})
	}
}

func TestWatchReappliesVoiceSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice.yaml")
	writeFile(t, path, sample)

	cfg, err := Load(flags(t, "--config", path))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := make(chan Voice, 8)
	cfg.Watch(func(v Voice) { got <- v })

	writeFile(t, path, "port: 9000\nvoice:\n  connect_radius: 4\n  disconnect_radius: 12\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case v := <-got:
			if v.ConnectRadius == 4 && v.DisconnectRadius == 12 {
				return
			}
		case <-deadline:
			t.Fatalf("voice change not observed")
		}
	}
}
