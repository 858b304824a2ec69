package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// config is the tntctl.toml file:
//
//	endpoint = "tnt://localhost:3301/users"
//	timeout = "5s"
//	dial_timeout = "2s"
//	verbose = false
type config struct {
	Endpoint    string   `toml:"endpoint"`
	Timeout     duration `toml:"timeout"`
	DialTimeout duration `toml:"dial_timeout"`
	Verbose     bool     `toml:"verbose"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	d.Duration = v
	return nil
}

func defaultConfig() config {
	return config{
		Timeout:     duration{5 * time.Second},
		DialTimeout: duration{5 * time.Second},
	}
}

// loadConfig reads path over the defaults. Unknown keys are an error so that
// typos don't go unnoticed.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return cfg, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}
