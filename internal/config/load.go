package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rand/rlmrepl/internal/rlm/env"
)

// ProjectFile is the project-local config file name.
const ProjectFile = ".rlmrepl.yaml"

// Source is one config file considered by Load.
type Source struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Loaded bool   `json:"loaded"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// UserFile returns the per-user config path.
func UserFile() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not find the user's home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "rlmrepl", "config.yaml"), nil
}

// Sources lists the files Load reads, lowest precedence first.
func Sources(cwd string) []Source {
	var out []Source
	if p, err := UserFile(); err == nil {
		out = append(out, Source{Name: "user", Path: p})
	}
	out = append(out, Source{Name: "project", Path: filepath.Join(cwd, ProjectFile)})
	for i := range out {
		if _, err := os.Stat(out[i].Path); err == nil {
			out[i].Loaded = true
		}
	}
	return out
}

// Load builds the effective configuration for cwd: defaults, then the
// user file, then the project file. A .env file in cwd is loaded into
// the process environment first without overriding variables already
// set, and ${VAR} references in the files are expanded.
func Load(cwd string) (*Config, []Source, error) {
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	sources := Sources(cwd)
	for _, src := range sources {
		if !src.Loaded {
			continue
		}
		if err := cfg.mergeFile(src.Path); err != nil {
			return nil, sources, err
		}
	}
	return cfg, sources, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := c.Merge(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Merge overlays the YAML document read from r onto c. Keys absent from
// the document keep their current values.
func (c *Config) Merge(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	data = ExpandEnv(data)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} with the variable's value. Bare $VAR is left
// alone so that values such as regular expressions survive.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

// Validate checks field constraints and the combinations between them.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			return err
		}
		for _, fe := range ves {
			errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fieldPath(fe), fe.Tag(), fe.Value()))
		}
	}
	if c.Env.Kind == env.KindBroker && c.Env.Broker.URL == "" {
		errs = append(errs, errors.New("env.broker.url: required for the broker environment"))
	}
	if err := c.Kernel.Validate(c.Env.Kind); err != nil {
		errs = append(errs, fmt.Errorf("kernel: %w", err))
	}
	return errors.Join(errs...)
}

// fieldPath turns "Config.Env.Broker.URL" into "env.broker.url".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

// Warnings reports settings that are valid but probably unintended.
func (c *Config) Warnings() []string {
	var out []string
	if c.Provider.APIKey == "" {
		key := "ANTHROPIC_API_KEY"
		if c.Provider.Name == "openrouter" {
			key = "OPENROUTER_API_KEY"
		}
		if os.Getenv(key) == "" {
			out = append(out, fmt.Sprintf("no API key configured and %s is not set", key))
		}
	}
	if c.Kernel.ShareByReference && (c.Kernel.PushToHost || c.Kernel.PullFromHost || len(c.Kernel.VariableAllowlist) > 0) {
		out = append(out, "kernel.share_by_reference ignores push, pull and the allowlist")
	}
	if c.MaxDepth > 3 {
		out = append(out, fmt.Sprintf("max_depth %d allows deep nesting; cost grows with every level", c.MaxDepth))
	}
	return out
}

// Schema returns the JSON Schema for the config file.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	s := r.Reflect(&Config{})
	s.Title = "rlmrepl configuration"
	return json.MarshalIndent(s, "", "  ")
}
