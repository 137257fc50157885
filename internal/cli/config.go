package cli

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/firesync/internal/engine"
	"github.com/roach88/firesync/internal/remote"
)

//go:embed config_schema.cue
var configSchema []byte

// Config is the link configuration file.
type Config struct {
	KeyAttribute      string       `yaml:"key_attribute,omitempty" json:"key_attribute,omitempty"`
	SnapshotAttribute string       `yaml:"snapshot_attribute,omitempty" json:"snapshot_attribute,omitempty"`
	Links             []LinkConfig `yaml:"links" json:"links"`
}

// LinkConfig associates an entity with a remote reference.
type LinkConfig struct {
	Entity string `yaml:"entity" json:"entity"`
	Ref    string `yaml:"ref" json:"ref"`
	Index  string `yaml:"index,omitempty" json:"index,omitempty"`
}

// ConfigError reports an unreadable or invalid config file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig reads a config file. Files ending in .cue are validated
// against the embedded schema; anything else is parsed as YAML.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	var cfg *Config
	if filepath.Ext(path) == ".cue" {
		cfg, err = parseCUEConfig(path, data)
	} else {
		cfg, err = parseYAMLConfig(data)
	}
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

func parseYAMLConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

func parseCUEConfig(path string, data []byte) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(configSchema, cue.Filename("config_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %s", cueErrorText(err))
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("schema violation: %s", cueErrorText(err))
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding CUE value: %w", err)
	}
	return &cfg, nil
}

// cueErrorText flattens a CUE error list into one line per error.
func cueErrorText(err error) string {
	var buf bytes.Buffer
	for i, e := range cueerrors.Errors(err) {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(e.Error())
	}
	if buf.Len() == 0 {
		return err.Error()
	}
	return buf.String()
}

// Validate checks what both formats must satisfy.
func (c *Config) Validate() error {
	if len(c.Links) == 0 {
		return errors.New("links list is required and must be non-empty")
	}
	seen := make(map[string]bool, len(c.Links))
	for i, l := range c.Links {
		if l.Entity == "" {
			return fmt.Errorf("links[%d]: entity is required", i)
		}
		if seen[l.Entity] {
			return fmt.Errorf("links[%d]: entity %q is linked twice", i, l.Entity)
		}
		seen[l.Entity] = true
		if _, err := l.EntityLink(); err != nil {
			return fmt.Errorf("links[%d]: %w", i, err)
		}
	}
	return nil
}

// EntityLink converts the entry to an engine link.
func (l LinkConfig) EntityLink() (engine.EntityLink, error) {
	link := engine.EntityLink{Entity: l.Entity}
	var err error
	if link.Ref, err = remote.ParseRef(l.Ref); err != nil {
		return engine.EntityLink{}, err
	}
	if l.Index != "" {
		if link.Index, err = remote.ParseRef(l.Index); err != nil {
			return engine.EntityLink{}, fmt.Errorf("index: %w", err)
		}
	}
	return link, nil
}

// EngineOptions returns the options the config implies.
func (c *Config) EngineOptions() []engine.Option {
	var opts []engine.Option
	if c.KeyAttribute != "" {
		opts = append(opts, engine.WithKeyAttribute(c.KeyAttribute))
	}
	if c.SnapshotAttribute != "" {
		opts = append(opts, engine.WithSnapshotAttribute(c.SnapshotAttribute))
	}
	return opts
}
