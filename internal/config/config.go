// Package config loads and resolves the snapvrt configuration:
// .snapvrt/config.toml as the base layer, SNAPVRT_* environment
// variables over it, CLI flags on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/viper"

	"github.com/snapvrt/snapvrt/internal/errext"
)

const (
	// Dir is the snapvrt workspace directory, relative to the cwd.
	Dir        = ".snapvrt"
	configFile = "config.toml"

	EnvStorybookURL  = "SNAPVRT_STORYBOOK_URL"
	EnvDiffThreshold = "SNAPVRT_DIFF_THRESHOLD"
)

// Screenshot strategy names.
const (
	ScreenshotStable = "stable"
	ScreenshotSingle = "single"
)

// PresetLoki is the resize-based capture compatibility preset. The
// default capture uses captureBeyondViewport and never resizes.
const PresetLoki = "loki"

// Viewport is an emulated browser viewport in CSS pixels.
type Viewport struct {
	Width  uint32  `mapstructure:"width"`
	Height uint32  `mapstructure:"height"`
	Scale  float64 `mapstructure:"scale"`
}

// SourceConfig is one [source.<name>] section. Only storybook sources
// are supported.
type SourceConfig struct {
	Type      string   `mapstructure:"type"`
	URL       string   `mapstructure:"url"`
	Viewports []string `mapstructure:"viewports"`
}

// CaptureConfig drives the capture pipeline. Zero values mean "use the
// default", so the same struct serves TOML, env, and CLI layers.
type CaptureConfig struct {
	Screenshot        string `mapstructure:"screenshot"`
	StabilityAttempts int    `mapstructure:"stability_attempts"`
	StabilityDelayMS  int    `mapstructure:"stability_delay_ms"`
	Parallel          int    `mapstructure:"parallel"`
	ChromeURL         string `mapstructure:"chrome_url"`
	Preset            string `mapstructure:"preset"`
}

// Merge overlays the set fields of other onto c.
func (c *CaptureConfig) Merge(other CaptureConfig) {
	if other.Screenshot != "" {
		c.Screenshot = other.Screenshot
	}
	if other.StabilityAttempts > 0 {
		c.StabilityAttempts = other.StabilityAttempts
	}
	if other.StabilityDelayMS > 0 {
		c.StabilityDelayMS = other.StabilityDelayMS
	}
	if other.Parallel > 0 {
		c.Parallel = other.Parallel
	}
	if other.ChromeURL != "" {
		c.ChromeURL = other.ChromeURL
	}
	if other.Preset != "" {
		c.Preset = other.Preset
	}
}

// ParallelOrDefault returns the worker pool size.
func (c CaptureConfig) ParallelOrDefault() int {
	if c.Parallel > 0 {
		return c.Parallel
	}
	return 4
}

// ScreenshotOrDefault returns the screenshot strategy name.
func (c CaptureConfig) ScreenshotOrDefault() string {
	if c.Screenshot != "" {
		return c.Screenshot
	}
	return ScreenshotStable
}

// AttemptsOrDefault returns the stability attempt cap.
func (c CaptureConfig) AttemptsOrDefault() int {
	if c.StabilityAttempts > 0 {
		return c.StabilityAttempts
	}
	return 3
}

// DelayOrDefault returns the delay between stability attempts in ms.
func (c CaptureConfig) DelayOrDefault() int {
	if c.StabilityDelayMS > 0 {
		return c.StabilityDelayMS
	}
	return 100
}

// DiffConfig is the [diff] section.
type DiffConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// Config is the parsed config file.
type Config struct {
	Source   map[string]SourceConfig `mapstructure:"source"`
	Viewport map[string]Viewport     `mapstructure:"viewport"`
	Capture  CaptureConfig           `mapstructure:"capture"`
	Diff     DiffConfig              `mapstructure:"diff"`
}

// ValidateThreshold checks a diff threshold is in [0, 1].
func ValidateThreshold(v float64) error {
	if v < 0.0 || v > 1.0 {
		return errext.New(errext.Config, "diff threshold must be between 0.0 and 1.0, got %g", v)
	}
	return nil
}

func (c *Config) validate() error {
	if len(c.Source) == 0 {
		return errext.New(errext.Config,
			"no sources configured; add a section like:\n\n  [source.storybook]\n  type = \"storybook\"\n  url = \"http://localhost:6006\"")
	}
	for name, src := range c.Source {
		if src.Type != "storybook" {
			return errext.New(errext.Config, "source %q has unsupported type %q (only \"storybook\")", name, src.Type)
		}
		if src.URL == "" {
			return errext.New(errext.Config, "source %q has no url", name)
		}
	}
	if len(c.Viewport) == 0 {
		return errext.New(errext.Config,
			"no viewports configured; add a section like:\n\n  [viewport.laptop]\n  width = 1366\n  height = 768")
	}
	for name, vp := range c.Viewport {
		if vp.Width == 0 || vp.Height == 0 {
			return errext.New(errext.Config, "viewport %q has invalid dimensions %dx%d", name, vp.Width, vp.Height)
		}
	}
	for srcName, src := range c.Source {
		for _, ref := range src.Viewports {
			if _, ok := c.Viewport[ref]; !ok {
				defined := make([]string, 0, len(c.Viewport))
				for k := range c.Viewport {
					defined = append(defined, k)
				}
				sort.Strings(defined)
				return errext.New(errext.Config,
					"source %q references viewport %q, which is not defined (defined: %v)", srcName, ref, defined)
			}
		}
	}
	if err := ValidateThreshold(c.Diff.Threshold); err != nil {
		return err
	}
	if s := c.Capture.Screenshot; s != "" && s != ScreenshotStable && s != ScreenshotSingle {
		return errext.New(errext.Config, "capture.screenshot must be %q or %q, got %q", ScreenshotStable, ScreenshotSingle, s)
	}
	if p := c.Capture.Preset; p != "" && p != PresetLoki {
		return errext.New(errext.Config, "capture.preset %q unknown (only %q)", p, PresetLoki)
	}
	return nil
}

// Path returns the config file location.
func Path() string {
	return filepath.Join(Dir, configFile)
}

// Exists reports whether the config file is present.
func Exists() bool {
	_, err := os.Stat(Path())
	return err == nil
}

// Load reads and validates .snapvrt/config.toml.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(Path())
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errext.Wrap(errext.Config, err, "read "+Path()+" (run `snapvrt init` first)")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errext.Wrap(errext.Config, err, "parse "+Path())
	}
	if len(cfg.Viewport) == 0 {
		cfg.Viewport = map[string]Viewport{"laptop": {Width: 1366, Height: 768}}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NamedViewport pairs a viewport with its config name.
type NamedViewport struct {
	Name string
	Viewport
}

// CLIOverrides are the flag values that take part in the merge.
type CLIOverrides struct {
	URL       string
	Threshold float64
	// ThresholdSet distinguishes an explicit --threshold 0 from unset.
	ThresholdSet bool
	Capture      CaptureConfig
}

// Resolved is the effective run configuration after
// CLI > env > file > defaults.
type Resolved struct {
	SourceName   string
	StorybookURL string
	Viewports    []NamedViewport
	Capture      CaptureConfig
	Threshold    float64
}

// Resolve loads the config file and layers environment and CLI
// overrides on top of it.
func Resolve(cli CLIOverrides) (*Resolved, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// One source per run; multi-source is future work. Map iteration
	// order is random, so pick the lexicographically first for
	// determinism.
	names := make([]string, 0, len(cfg.Source))
	for name := range cfg.Source {
		names = append(names, name)
	}
	sort.Strings(names)
	sourceName := names[0]
	source := cfg.Source[sourceName]

	url := source.URL
	if env := os.Getenv(EnvStorybookURL); env != "" {
		url = env
	}
	if cli.URL != "" {
		url = cli.URL
	}

	threshold := cfg.Diff.Threshold
	if env := os.Getenv(EnvDiffThreshold); env != "" {
		parsed, err := strconv.ParseFloat(env, 64)
		if err != nil {
			return nil, errext.New(errext.Config, "%s must be a float, got %q", EnvDiffThreshold, env)
		}
		threshold = parsed
	}
	if cli.ThresholdSet {
		threshold = cli.Threshold
	}
	if err := ValidateThreshold(threshold); err != nil {
		return nil, err
	}

	capture := cfg.Capture
	capture.Merge(cli.Capture)

	// Source viewport subset, or all defined viewports. Sorted by name
	// for a stable capture matrix.
	var selected []string
	if len(source.Viewports) > 0 {
		selected = source.Viewports
	} else {
		for name := range cfg.Viewport {
			selected = append(selected, name)
		}
		sort.Strings(selected)
	}
	viewports := make([]NamedViewport, 0, len(selected))
	for _, name := range selected {
		viewports = append(viewports, NamedViewport{Name: name, Viewport: cfg.Viewport[name]})
	}

	return &Resolved{
		SourceName:   sourceName,
		StorybookURL: url,
		Viewports:    viewports,
		Capture:      capture,
		Threshold:    threshold,
	}, nil
}

// Template is the commented starter config written by `snapvrt init`.
const Template = `[source.storybook]
type = "storybook"
url = "%s"
# viewports = ["laptop"]           # optional: omit = use all defined viewports

[viewport.laptop]
width = 1366
height = 768

[capture]
# screenshot = "stable"             # "stable" | "single" (single is faster)
# stability_attempts = 3
# stability_delay_ms = 100
# parallel = 4                      # concurrent browser tabs
# chrome_url = "http://localhost:9222"  # remote Chrome (e.g. Docker)
# preset = "loki"                   # resize-based capture compatibility mode

[diff]
# threshold = 0.0                   # max allowed diff score (0.0 = exact, 0.01 = 1%%)
`

// WriteTemplate creates .snapvrt/config.toml from the starter template.
func WriteTemplate(url string) error {
	if err := os.MkdirAll(Dir, 0o755); err != nil {
		return errext.Wrap(errext.Io, err, "create "+Dir)
	}
	content := fmt.Sprintf(Template, url)
	if err := os.WriteFile(Path(), []byte(content), 0o644); err != nil {
		return errext.Wrap(errext.Io, err, "write "+Path())
	}
	return nil
}

// WriteGitignore keeps the transient store areas out of version control.
func WriteGitignore(force bool) error {
	path := filepath.Join(Dir, ".gitignore")
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	content := "current/\ndifference/\nreport.html\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errext.Wrap(errext.Io, err, "write "+path)
	}
	return nil
}
