package model

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	_ "embed"
)

const (
	ContainerTypeDocker = "docker"
	ContainerTypePodman = "podman"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// Config is the penkit configuration. Keys are accessed by integrations
// through the dotted form, e.g. tools.nmap.path.
type Config struct {
	Verbose   bool            `json:"verbose" yaml:"verbose" mapstructure:"verbose"`
	Log       Log             `json:"log" yaml:"log" mapstructure:"log"`
	Tools     map[string]Tool `json:"tools" yaml:"tools" mapstructure:"tools"`
	Container Container       `json:"container" yaml:"container" mapstructure:"container"`
	Sessions  Sessions        `json:"sessions" yaml:"sessions" mapstructure:"sessions"`
	Plugins   Plugins         `json:"plugins" yaml:"plugins" mapstructure:"plugins"`
	Schedules []Schedule      `json:"schedules,omitempty" yaml:"schedules,omitempty" mapstructure:"schedules"`
}

// Schedule is a recurring module run. Exactly one of Cron and Every is
// set, Every accepts durations like 1d12h or 90m.
type Schedule struct {
	Name    string         `json:"name" yaml:"name" mapstructure:"name"`
	Module  string         `json:"module" yaml:"module" mapstructure:"module"`
	Cron    string         `json:"cron,omitempty" yaml:"cron,omitempty" mapstructure:"cron"`
	Every   string         `json:"every,omitempty" yaml:"every,omitempty" mapstructure:"every"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty" mapstructure:"options"`
}

// Tool configures a binary resolution of an external tool
type Tool struct {
	Path             string `json:"path,omitempty" yaml:"path" mapstructure:"path"`
	UseContainer     bool   `json:"use_container,omitempty" yaml:"use_container" mapstructure:"use_container"`
	ContainerImage   string `json:"container_image,omitempty" yaml:"container_image" mapstructure:"container_image"`
	ContainerRuntime string `json:"container_runtime,omitempty" yaml:"container_runtime,omitempty" mapstructure:"container_runtime"`
}

type Log struct {
	File       string `json:"file,omitempty" yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress,omitempty" yaml:"compress" mapstructure:"compress"`
}

type Container struct {
	Runtime string `json:"runtime" yaml:"runtime" mapstructure:"runtime"`
}

type Sessions struct {
	Path string `json:"path,omitempty" yaml:"path" mapstructure:"path"`
}

type Plugins struct {
	Path string `json:"path,omitempty" yaml:"path" mapstructure:"path"`
}

// DefaultConfig returns the configuration used when no file exists.
// All paths are placed under home.
func DefaultConfig(home string) Config {
	return Config{
		Log: Log{
			File:       filepath.Join(home, "penkit.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Tools: map[string]Tool{
			"nmap": {
				ContainerImage: "instrumentisto/nmap:latest",
			},
			"sqlmap": {
				ContainerImage: "vulnerables/sqlmap-python3",
			},
		},
		Container: Container{
			Runtime: ContainerTypeDocker,
		},
		Sessions: Sessions{
			Path: filepath.Join(home, "sessions"),
		},
		Plugins: Plugins{
			Path: filepath.Join(home, "plugins"),
		},
	}
}

// Settings returns the configuration as a nested map, the shape
// expected by viper.SetDefault and ValidateSettings.
func (c Config) Settings() (map[string]any, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var ret map[string]any
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// ValidateSettings validates merged settings (for example viper.AllSettings)
// against the CUE schema and decodes them into Config.
func ValidateSettings(settings map[string]any) (Config, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return Config{}, fmt.Errorf("%w: encoding settings: %w", ErrConfiguration, err)
	}
	value := cueCtx.CompileBytes(raw, cue.Filename("config.yaml"))
	if value.Err() != nil {
		return Config{}, value.Err()
	}

	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}
