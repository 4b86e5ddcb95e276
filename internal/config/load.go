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
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CCSC_"

// FileNames are the config file names searched for by Find, in order.
var FileNames = []string{
	"ccsc-client.toml",
	".ccsc-client.toml",
	"ccsc-client.yaml",
	"ccsc-client.yml",
}

// Load returns the configuration: defaults, then the file at path (if path
// is not empty), then CCSC_ environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Find returns the first config file found in dir, then in the user config
// directory (<UserConfigDir>/ccsc-client). It returns "" when there is none,
// in which case the defaults apply.
func Find(dir string) string {
	dirs := []string{dir}
	if ucd, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(ucd, "ccsc-client"))
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		for _, name := range FileNames {
			p := filepath.Join(d, name)
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return p
			}
		}
	}
	return ""
}

// LoadFile reads path over c. The format is chosen by extension: .toml,
// .yaml or .yml. Unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return c.decodeTOML(path, data)
	case ".yaml", ".yml":
		return c.decodeYAML(path, data)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func (c *Config) decodeTOML(source string, data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		perr := &ParseError{Path: source, Message: err.Error(), Err: err}

		var derr *toml.DecodeError
		var serr *toml.StrictMissingError
		switch {
		case errors.As(err, &derr):
			perr.Line, perr.Column = derr.Position()
		case errors.As(err, &serr) && len(serr.Errors) > 0:
			perr.Line, perr.Column = serr.Errors[0].Position()
			perr.Message = "unknown key " + strings.Join(serr.Errors[0].Key(), ".")
		}
		return perr
	}
	return nil
}

func (c *Config) decodeYAML(source string, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return &ParseError{Path: source, Message: err.Error(), Err: err}
	}
	return nil
}

// envSetter applies one environment value.
type envSetter func(c *Config, value string) error

// envMapping maps CCSC_ variables to settings.
var envMapping = map[string]envSetter{
	"CCSC_SERVER_COMMAND": func(c *Config, v string) error { c.Server.Command = v; return nil },
	"CCSC_SERVER_ARGS":    func(c *Config, v string) (err error) { c.Server.Args, err = parseList(v); return },
	"CCSC_LANGUAGE_ID":    func(c *Config, v string) error { c.Server.LanguageID = v; return nil },

	"CCSC_REQUEST_TIMEOUT":  durationSetter(func(c *Config) *Duration { return &c.Session.RequestTimeout }),
	"CCSC_START_TIMEOUT":    durationSetter(func(c *Config) *Duration { return &c.Session.StartTimeout }),
	"CCSC_SHUTDOWN_TIMEOUT": durationSetter(func(c *Config) *Duration { return &c.Session.ShutdownTimeout }),
	"CCSC_MAX_RESTARTS":     intSetter(func(c *Config) *int { return &c.Session.MaxRestarts }),

	"CCSC_COMPILER_PATH":    func(c *Config, v string) error { c.Compiler.Path = v; return nil },
	"CCSC_COMPILER_FLAGS":   func(c *Config, v string) (err error) { c.Compiler.Flags, err = parseList(v); return },
	"CCSC_COMPILER_TIMEOUT": durationSetter(func(c *Config) *Duration { return &c.Compiler.Timeout }),

	"CCSC_WATCH":          boolSetter(func(c *Config) *bool { return &c.Watch.Enabled }),
	"CCSC_WATCH_DEBOUNCE": durationSetter(func(c *Config) *Duration { return &c.Watch.Debounce }),

	"CCSC_LOG_LEVEL":  func(c *Config, v string) error { c.Logging.Level = v; return nil },
	"CCSC_LOG_FORMAT": func(c *Config, v string) error { c.Logging.Format = v; return nil },
	"CCSC_LOG_FILE":   func(c *Config, v string) error { c.Logging.File = v; return nil },
}

// EnvVars returns the recognised environment variable names, sorted.
func EnvVars() []string {
	names := make([]string, 0, len(envMapping))
	for name := range envMapping {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyEnv applies environment overrides using lookup, normally
// os.LookupEnv. Empty values are treated as set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for name, set := range envMapping {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := set(c, v); err != nil {
			return &EnvError{Var: name, Value: v, Err: err}
		}
	}
	return nil
}

func durationSetter(field func(*Config) *Duration) envSetter {
	return func(c *Config, v string) error {
		return field(c).UnmarshalText([]byte(v))
	}
}

func intSetter(field func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolSetter(field func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*field(c) = true
		case "0", "false", "no", "off":
			*field(c) = false
		default:
			return errors.New("not a boolean")
		}
		return nil
	}
}

// parseList accepts a JSON array of strings or whitespace-separated words.
func parseList(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "[") {
		var list []string
		if err := json.Unmarshal([]byte(v), &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	return strings.Fields(v), nil
}
