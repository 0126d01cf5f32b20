package request

import (
	"os"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// DefaultsFile is the YAML shape accepted by LoadDefaults. Durations are
// human-readable strings ("500ms", "5m", "1h30m").
type DefaultsFile struct {
	MaxParallel *int   `yaml:"maxParallel"`
	Priority    *int   `yaml:"priority"`
	Retries     *int   `yaml:"retries"`
	RetryDelay  string `yaml:"retryDelay"`
	Delay       string `yaml:"delay"`
	TTL         string `yaml:"ttl"`
	StaleTTL    string `yaml:"staleTTL"`
}

// LoadDefaults reads a YAML defaults file and returns the matching manager
// options. Only fields present in the file are applied; everything else
// keeps its hardcoded default.
//
//	maxParallel: 4
//	retries: 3
//	retryDelay: 250ms
//	ttl: 5m
//	staleTTL: 1h
func LoadDefaults(path string) ([]Option, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "request: read defaults file")
	}
	var file DefaultsFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return nil, errors.Wrap(err, "request: parse defaults file")
	}

	var defaults Options
	if file.Priority != nil {
		defaults.Priority = file.Priority
	}
	if file.Retries != nil {
		defaults.Retries = RetryCount(*file.Retries)
	}
	if file.RetryDelay != "" {
		d, err := str2duration.ParseDuration(file.RetryDelay)
		if err != nil {
			return nil, errors.Wrap(err, "request: retryDelay")
		}
		defaults.Decay = ConstantDecay(d)
	}
	if file.Delay != "" {
		d, err := str2duration.ParseDuration(file.Delay)
		if err != nil {
			return nil, errors.Wrap(err, "request: delay")
		}
		defaults.Delay = &d
	}
	if file.TTL != "" {
		d, err := str2duration.ParseDuration(file.TTL)
		if err != nil {
			return nil, errors.Wrap(err, "request: ttl")
		}
		defaults.TTL = &d
	}
	if file.StaleTTL != "" {
		d, err := str2duration.ParseDuration(file.StaleTTL)
		if err != nil {
			return nil, errors.Wrap(err, "request: staleTTL")
		}
		defaults.StaleTTL = &d
	}

	opts := []Option{WithDefaults(defaults)}
	if file.MaxParallel != nil {
		opts = append(opts, WithMaxParallel(*file.MaxParallel))
	}
	return opts, nil
}
