package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration validation failures.
var ErrInvalid = errors.New("invalid configuration")

// Source kinds.
const (
	SourceEWS = "ews"
	SourceICS = "ics"
)

const appName = "ex2gcal"

// EWSConfig holds the Exchange mailbox credentials.
type EWSConfig struct {
	EmailAddress string `yaml:"email_address"`
	Password     string `yaml:"password"`
	// Server is a host name (outlook.office365.com) or a full EWS URL.
	Server string `yaml:"server"`
}

// ICSConfig describes a published calendar feed used instead of EWS.
type ICSConfig struct {
	URL      string `yaml:"url"`
	CacheDir string `yaml:"cache_dir"`
}

// Config is the top-level application configuration.
type Config struct {
	// NumDaysToSync extends the window past today; 0 syncs today only.
	NumDaysToSync int `yaml:"num_days_to_sync"`

	// EventTitlePrefix is prepended to every copied subject.
	EventTitlePrefix string `yaml:"event_title_prefix"`

	// EventTitlesToSkip lists subjects that are never copied. Matching is
	// exact and case-sensitive.
	EventTitlesToSkip []string `yaml:"event_titles_to_skip"`

	// Timezone is the IANA zone used for the window and for written events.
	Timezone string `yaml:"timezone"`

	// Source selects where events are read from: "ews" (default) or "ics".
	Source string    `yaml:"source"`
	EWS    EWSConfig `yaml:"ews"`
	ICS    ICSConfig `yaml:"ics"`

	// CalendarID is the destination calendar ("primary" by default).
	CalendarID string `yaml:"calendar_id"`

	// CredentialsFile is the OAuth client secret downloaded from the Google
	// Cloud console; TokenFile caches the user's grant.
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`

	// Workers bounds concurrent destination writes. 1 is sequential.
	Workers int `yaml:"workers"`

	LogLevel string `yaml:"log_level"`
	DryRun   bool   `yaml:"dry_run"`

	// Schedule is an optional cron expression; empty runs once.
	Schedule string `yaml:"schedule"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		NumDaysToSync:     1,
		EventTitlesToSkip: []string{},
		Source:            SourceEWS,
		CalendarID:        "primary",
		CredentialsFile:   "credentials.json",
		TokenFile:         filepath.Join(xdg.DataHome, appName, "token.json"),
		ICS: ICSConfig{
			CacheDir: filepath.Join(xdg.CacheHome, appName, "ics"),
		},
		Workers:  1,
		LogLevel: "info",
	}
}

// DefaultPath is where the YAML file is looked up when --config is not given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled files still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	c.Source = strings.ToLower(strings.TrimSpace(c.Source))
	if c.Source == "" {
		c.Source = d.Source
	}
	if c.CalendarID == "" {
		c.CalendarID = d.CalendarID
	}
	if c.CredentialsFile == "" {
		c.CredentialsFile = d.CredentialsFile
	}
	if c.TokenFile == "" {
		c.TokenFile = d.TokenFile
	}
	if c.ICS.CacheDir == "" {
		c.ICS.CacheDir = d.ICS.CacheDir
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.EventTitlesToSkip == nil {
		c.EventTitlesToSkip = []string{}
	}
	if c.Timezone == "" {
		c.Timezone = localZoneName()
	}
}

// Validate reports every problem at once. Each one wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.NumDaysToSync < 0 {
		invalid("num_days_to_sync must not be negative, got %d", c.NumDaysToSync)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		invalid("timezone %q: %v", c.Timezone, err)
	}

	switch c.Source {
	case SourceEWS:
		if c.EWS.EmailAddress == "" {
			invalid("EWS_EMAIL_ADDRESS is required")
		}
		if c.EWS.Password == "" {
			invalid("EWS_PASSWORD is required")
		}
		if c.EWS.Server == "" {
			invalid("EWS_SERVER is required")
		}
	case SourceICS:
		if c.ICS.URL == "" {
			invalid("ics url is required when source is %q", SourceICS)
		}
	default:
		invalid("unknown source %q (want %q or %q)", c.Source, SourceEWS, SourceICS)
	}

	if c.Workers < 1 {
		invalid("workers must be at least 1, got %d", c.Workers)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		invalid("unknown log level %q", c.LogLevel)
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			invalid("schedule %q: %v", c.Schedule, err)
		}
	}

	return errors.Join(errs...)
}

// Location loads the configured zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalid, c.Timezone, err)
	}
	return loc, nil
}

// Window returns the sync range for now: today 00:00:00 through 23:59:59 on
// the day NumDaysToSync days later, in loc.
func (c *Config) Window(now time.Time, loc *time.Location) (time.Time, time.Time) {
	n := now.In(loc)
	start := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
	last := start.AddDate(0, 0, c.NumDaysToSync)
	end := time.Date(last.Year(), last.Month(), last.Day(), 23, 59, 59, 0, loc)
	return start, end
}

// LogFields describes the effective configuration without secrets.
func (c *Config) LogFields() []any {
	return []any{
		"source", c.Source,
		"num_days_to_sync", c.NumDaysToSync,
		"timezone", c.Timezone,
		"calendar_id", c.CalendarID,
		"title_prefix", c.EventTitlePrefix,
		"skip_count", len(c.EventTitlesToSkip),
		"workers", c.Workers,
		"dry_run", c.DryRun,
		"schedule", c.Schedule,
	}
}

// Load builds the configuration from, lowest precedence first: defaults, the
// YAML file at path (skipped when path is empty), the dotenv file at envFile
// (skipped when missing) and the process environment. Command-line flags are
// applied by the caller, which then calls Validate.
//
// A non-existent path is created with default contents and 0600 perms.
func Load(path, envFile string) (*Config, error) {
	return load(path, envFile, os.LookupEnv)
}

func load(path, envFile string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// First run: create default config file.
			if err := Save(path, cfg); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
			}
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		default:
			dotenv = m
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := lookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	cfg.Normalize()
	return cfg, nil
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if v, ok := lookup("EX2GCAL_NUM_DAYS_TO_SYNC"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: EX2GCAL_NUM_DAYS_TO_SYNC=%q is not an integer", ErrInvalid, v)
		}
		c.NumDaysToSync = n
	}
	if v, ok := lookup("EX2GCAL_WORKERS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: EX2GCAL_WORKERS=%q is not an integer", ErrInvalid, v)
		}
		c.Workers = n
	}
	if v, ok := lookup("EX2GCAL_DRY_RUN"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: EX2GCAL_DRY_RUN=%q is not a boolean", ErrInvalid, v)
		}
		c.DryRun = b
	}
	if v, ok := lookup("EX2GCAL_EVENT_TITLES_TO_SKIP"); ok {
		c.EventTitlesToSkip = SplitList(v)
	}

	if v, ok := lookup("TZ"); ok && v != "" {
		c.Timezone = strings.TrimPrefix(v, ":")
	}
	str("EX2GCAL_TIMEZONE", &c.Timezone)
	str("EX2GCAL_EVENT_TITLE_PREFIX", &c.EventTitlePrefix)
	str("EX2GCAL_SOURCE", &c.Source)
	str("EWS_EMAIL_ADDRESS", &c.EWS.EmailAddress)
	str("EWS_PASSWORD", &c.EWS.Password)
	str("EWS_SERVER", &c.EWS.Server)
	str("EX2GCAL_ICS_URL", &c.ICS.URL)
	str("EX2GCAL_ICS_CACHE_DIR", &c.ICS.CacheDir)
	str("EX2GCAL_CALENDAR_ID", &c.CalendarID)
	str("EX2GCAL_CREDENTIALS_FILE", &c.CredentialsFile)
	str("EX2GCAL_TOKEN_FILE", &c.TokenFile)
	str("EX2GCAL_LOG_LEVEL", &c.LogLevel)
	str("EX2GCAL_SCHEDULE", &c.Schedule)
	return nil
}

// SplitList splits a comma-separated list. Elements are kept verbatim; an
// empty string yields an empty list.
func SplitList(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

// localtimePath is the host's zone link on Unix systems.
const localtimePath = "/etc/localtime"

func localZoneName() string {
	return zoneName(time.Local, localtimePath)
}

// zoneName returns the IANA name of loc. The zone Go loads from
// /etc/localtime is called "Local", so its name is read from the link
// target instead (".../zoneinfo/Europe/Berlin"). UTC is the last resort.
func zoneName(loc *time.Location, link string) string {
	if name := loc.String(); name != "" && name != "Local" {
		return name
	}

	target, err := os.Readlink(link)
	if err != nil {
		return "UTC"
	}
	target = filepath.ToSlash(target)
	i := strings.LastIndex(target, "zoneinfo/")
	if i < 0 {
		return "UTC"
	}
	name := target[i+len("zoneinfo/"):]
	name = strings.TrimPrefix(strings.TrimPrefix(name, "posix/"), "right/")
	if _, err := time.LoadLocation(name); err != nil {
		return "UTC"
	}
	return name
}

// Save writes cfg as YAML to path, replacing any existing file atomically.
// The file may hold the EWS password, so it is created 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	// CreateTemp opens the file 0600.
	tmp, err := os.CreateTemp(dir, ".ex2gcal-config-*.tmp")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
