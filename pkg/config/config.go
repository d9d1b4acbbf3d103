// Package config loads and validates the itemscan configuration.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tailscale/hujson"

	"github.com/imjasonh/itemcache/pkg/collect"
	"github.com/imjasonh/itemcache/pkg/filter"
	"github.com/imjasonh/itemcache/pkg/probe/textfilecontent"
	"github.com/imjasonh/itemcache/pkg/scan"
)

// EnvPrefix prefixes the environment variables overriding file settings,
// e.g. ITEMSCAN_REPORT_PATH.
const EnvPrefix = "ITEMSCAN"

// Config holds the configuration for itemscan.
type Config struct {
	// Output configuration
	ReportPath string `mapstructure:"report_path" default:"/data/itemscan-report.json"`
	// ReportInterval repeats the scan; zero scans once and exits.
	ReportInterval time.Duration `mapstructure:"report_interval" default:"0s"`

	// Observability
	MetricsAddr string `mapstructure:"metrics_addr" default:""`
	LogLevel    string `mapstructure:"log_level" default:"info"`

	// Resource limits
	MaxCollectedItems int64   `mapstructure:"max_collected_items" default:"-1"`
	MaxMemRatio       float64 `mapstructure:"max_mem_ratio" default:"0.1"`
	QueueCapacity     int     `mapstructure:"queue_capacity" default:"1024"`
	Concurrency       int     `mapstructure:"concurrency" default:"4"`

	// Filtering
	ExcludePaths []string `mapstructure:"exclude_paths" default:"/proc/,/sys/,/dev/"`

	// Root is the directory the scanned file system is mounted at. Items
	// report paths relative to it. Empty scans the host.
	Root string `mapstructure:"root" default:""`

	Objects []ObjectConfig `mapstructure:"objects"`
}

// ObjectConfig describes one text file content check.
type ObjectConfig struct {
	ID        string          `mapstructure:"id"`
	Filepath  string          `mapstructure:"filepath"`
	Path      string          `mapstructure:"path"`
	Filename  string          `mapstructure:"filename"`
	Pattern   string          `mapstructure:"pattern"`
	Instance  InstanceConfig  `mapstructure:"instance"`
	Behaviors BehaviorsConfig `mapstructure:"behaviors"`
	Filters   []FilterConfig  `mapstructure:"filters"`
}

// InstanceConfig selects match instances. The zero value selects all.
type InstanceConfig struct {
	Operation string `mapstructure:"operation"`
	Value     int64  `mapstructure:"value"`
}

// BehaviorsConfig tunes matching and traversal. Unset fields keep the
// probe defaults.
type BehaviorsConfig struct {
	IgnoreCase       bool   `mapstructure:"ignore_case"`
	Multiline        *bool  `mapstructure:"multiline"`
	Singleline       bool   `mapstructure:"singleline"`
	MaxDepth         *int   `mapstructure:"max_depth"`
	RecurseDirection string `mapstructure:"recurse_direction"`
}

// FilterConfig is an include or exclude filter over item entities.
type FilterConfig struct {
	Action     string            `mapstructure:"action"`
	Conditions []ConditionConfig `mapstructure:"conditions"`
}

// ConditionConfig is one entity comparison of a filter.
type ConditionConfig struct {
	Entity    string `mapstructure:"entity"`
	Operation string `mapstructure:"operation"`
	Value     string `mapstructure:"value"`
}

var instanceOperations = map[string]textfilecontent.Operation{
	string(textfilecontent.OpEquals):             textfilecontent.OpEquals,
	string(textfilecontent.OpNotEqual):           textfilecontent.OpNotEqual,
	string(textfilecontent.OpGreaterThan):        textfilecontent.OpGreaterThan,
	string(textfilecontent.OpGreaterThanOrEqual): textfilecontent.OpGreaterThanOrEqual,
	string(textfilecontent.OpLessThan):           textfilecontent.OpLessThan,
	string(textfilecontent.OpLessThanOrEqual):    textfilecontent.OpLessThanOrEqual,
}

// Load reads the HuJSON file at path, overlays ITEMSCAN_* environment
// variables and fills in defaults. An empty path loads defaults and the
// environment only. The result is not validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	bindValues(v, Config{}, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
		v.SetConfigType("json")
		if err := v.ReadConfig(bytes.NewReader(standardized)); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// bindValues registers the default tag of every scalar field so that
// AutomaticEnv can resolve it.
func bindValues(v *viper.Viper, iface any, prefix string) {
	t := reflect.TypeOf(iface)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		if field.Type.Kind() == reflect.Struct {
			bindValues(v, reflect.New(field.Type).Elem().Interface(), key)
			continue
		}

		defaultValue, ok := field.Tag.Lookup("default")
		if !ok {
			continue
		}
		v.SetDefault(key, defaultValue)
	}
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q (must be debug, info, warn, or error)", c.LogLevel)
	}
	return level, nil
}

// Limits returns the admission limits applied to every object.
func (c *Config) Limits() collect.Limits {
	return collect.Limits{MaxItems: c.MaxCollectedItems, MaxMemRatio: c.MaxMemRatio}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	var errs []string

	if c.ReportPath == "" {
		errs = append(errs, "report path is required")
	}

	// Zero means a single scan.
	if c.ReportInterval < 0 {
		errs = append(errs, "report interval cannot be negative")
	} else if c.ReportInterval > 0 && c.ReportInterval < time.Second {
		errs = append(errs, "report interval must be at least 1 second")
	}

	if _, err := c.Level(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.MaxCollectedItems < collect.Unlimited {
		errs = append(errs, fmt.Sprintf("max collected items must be %d (unlimited) or more", collect.Unlimited))
	}
	if c.MaxMemRatio <= 0 || c.MaxMemRatio > 1 {
		errs = append(errs, fmt.Sprintf("max memory ratio %v must be in (0, 1]", c.MaxMemRatio))
	}
	if c.QueueCapacity < 0 {
		errs = append(errs, "queue capacity cannot be negative")
	}
	if c.Concurrency < 0 {
		errs = append(errs, "concurrency cannot be negative")
	}

	if c.Root != "" {
		if info, err := os.Stat(c.Root); err != nil {
			errs = append(errs, fmt.Sprintf("cannot stat root: %v", err))
		} else if !info.IsDir() {
			errs = append(errs, fmt.Sprintf("root is not a directory: %s", c.Root))
		}
	}

	// Validate report path is writable (check directory exists and is writable)
	if c.ReportPath != "" {
		dir := "."
		if lastSlash := strings.LastIndex(c.ReportPath, "/"); lastSlash >= 0 {
			dir = c.ReportPath[:lastSlash]
			if dir == "" {
				dir = "/"
			}
		}

		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				errs = append(errs, fmt.Sprintf("report directory does not exist: %s", dir))
			} else {
				errs = append(errs, fmt.Sprintf("cannot stat report directory: %v", err))
			}
		} else if !info.IsDir() {
			errs = append(errs, fmt.Sprintf("report path parent is not a directory: %s", dir))
		}
	}

	// Basic validation: should have format :port or host:port
	if c.MetricsAddr != "" && !strings.Contains(c.MetricsAddr, ":") {
		errs = append(errs, fmt.Sprintf("invalid metrics address format %q (expected :port or host:port)", c.MetricsAddr))
	}

	if len(c.Objects) == 0 {
		errs = append(errs, "at least one object is required")
	}
	seen := make(map[string]bool, len(c.Objects))
	for i, o := range c.Objects {
		name := o.ID
		if name == "" {
			name = fmt.Sprintf("objects[%d]", i)
			errs = append(errs, fmt.Sprintf("%s: id is required", name))
		} else if seen[o.ID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate object id", name))
		}
		seen[o.ID] = true
		errs = append(errs, o.validate(name)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func (o ObjectConfig) validate(name string) []string {
	var errs []string
	if o.Pattern == "" {
		errs = append(errs, fmt.Sprintf("%s: pattern is required", name))
	}
	switch {
	case o.Filepath != "" && (o.Path != "" || o.Filename != ""):
		errs = append(errs, fmt.Sprintf("%s: filepath cannot be combined with path or filename", name))
	case o.Filepath == "" && (o.Path == "" || o.Filename == ""):
		errs = append(errs, fmt.Sprintf("%s: filepath or path and filename are required", name))
	}
	if op := o.Instance.Operation; op != "" {
		if _, ok := instanceOperations[op]; !ok {
			errs = append(errs, fmt.Sprintf("%s: invalid instance operation %q", name, op))
		}
	}
	switch o.Behaviors.RecurseDirection {
	case "", "none", "down":
	default:
		errs = append(errs, fmt.Sprintf("%s: invalid recurse direction %q (must be none or down)", name, o.Behaviors.RecurseDirection))
	}
	if _, err := o.filters(); err != nil {
		errs = append(errs, fmt.Sprintf("%s: %v", name, err))
	}
	return errs
}

func (o ObjectConfig) filters() (filter.Set, error) {
	var set filter.Set
	for i, fc := range o.Filters {
		action, err := filter.ParseAction(fc.Action)
		if err != nil {
			return nil, fmt.Errorf("filters[%d]: %w", i, err)
		}
		conds := make([]filter.Condition, 0, len(fc.Conditions))
		for _, cc := range fc.Conditions {
			conds = append(conds, filter.Condition{
				Entity:    cc.Entity,
				Operation: filter.Operation(cc.Operation),
				Value:     cc.Value,
			})
		}
		f, err := filter.New(action, conds...)
		if err != nil {
			return nil, fmt.Errorf("filters[%d]: %w", i, err)
		}
		set = append(set, f)
	}
	return set, nil
}

// ScanObjects converts the configured objects into scan objects. The
// configuration must have passed Validate.
func (c *Config) ScanObjects() ([]scan.Object, error) {
	out := make([]scan.Object, 0, len(c.Objects))
	for _, o := range c.Objects {
		filters, err := o.filters()
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", o.ID, err)
		}

		inst := textfilecontent.AllInstances()
		if o.Instance.Operation != "" {
			inst = textfilecontent.Instance{
				Operation: instanceOperations[o.Instance.Operation],
				Value:     o.Instance.Value,
			}
		}

		b := textfilecontent.DefaultBehaviors()
		b.IgnoreCase = o.Behaviors.IgnoreCase
		b.Singleline = o.Behaviors.Singleline
		b.RecurseDown = o.Behaviors.RecurseDirection == "down"
		if o.Behaviors.Multiline != nil {
			b.Multiline = *o.Behaviors.Multiline
		}
		if o.Behaviors.MaxDepth != nil {
			b.MaxDepth = *o.Behaviors.MaxDepth
		}

		out = append(out, scan.Object{
			Object: textfilecontent.Object{
				ID:        o.ID,
				Filepath:  o.Filepath,
				Path:      o.Path,
				Filename:  o.Filename,
				Pattern:   o.Pattern,
				Instance:  inst,
				Behaviors: b,
				Exclude:   c.ExcludePaths,
				Root:      c.Root,
			},
			Filters: filters,
		})
	}
	return out, nil
}

// ExcludePathsString returns the exclude paths as a comma-separated string.
func (c *Config) ExcludePathsString() string {
	return strings.Join(c.ExcludePaths, ",")
}

// ParseExcludePaths parses a comma-separated string of exclude paths.
func ParseExcludePaths(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
