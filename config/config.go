package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var ErrNoSource = errors.New("one of --mbox or --imap-host is required")

// Config captures every option shared by the commands. Values come from
// the defaults, then an optional TOML file, then explicitly set flags.
type Config struct {
	MboxPath           string   `toml:"mbox"`
	IMAPHost           string   `toml:"imap_host"`
	IMAPPort           int      `toml:"imap_port"`
	IMAPUser           string   `toml:"imap_user"`
	IMAPPass           string   `toml:"imap_pass"`
	UseTLS             bool     `toml:"use_tls"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
	Mailbox            string   `toml:"mailbox"`
	Limit              int      `toml:"limit"`
	StateDir           string   `toml:"state_dir"`
	DB                 string   `toml:"db"`
	DryRun             bool     `toml:"dry_run"`
	Quiet              bool     `toml:"quiet"`
	LogLevel           string   `toml:"log_level"`
	LogDir             string   `toml:"log_dir"`
	Workers            int      `toml:"workers"`
	PreviewLength      int      `toml:"preview_length"`
	LooseMojibake      bool     `toml:"loose_mojibake"`
	IncludeHeader      []string `toml:"include_header"`
	IncludeBody        []string `toml:"include_body"`
	ExcludeHeader      []string `toml:"exclude_header"`
	ExcludeBody        []string `toml:"exclude_body"`
}

// Default returns the configuration used when neither a file nor flags
// override a value.
func Default() (Config, error) {
	stateDir, err := defaultStateDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		IMAPPort:      993,
		UseTLS:        true,
		Mailbox:       "INBOX",
		StateDir:      stateDir,
		LogLevel:      "info",
		Workers:       4,
		PreviewLength: 200,
	}, nil
}

// RegisterPersistentFlags attaches the flags every subcommand understands.
func RegisterPersistentFlags(cmd *cobra.Command) error {
	def, err := Default()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a TOML config file")
	flags.String("log-level", def.LogLevel, "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (logs to stdout and file when set)")
	flags.Int("preview-length", def.PreviewLength, "Maximum preview length in characters")
	flags.Bool("loose-mojibake", false, "Also drop a bare â left over from broken UTF-8")
	return nil
}

// RegisterSourceFlags attaches the message source, filter and pipeline flags.
func RegisterSourceFlags(cmd *cobra.Command) error {
	def, err := Default()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("mbox", "", "Path to the .mbox file to read")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", def.IMAPPort, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", def.UseTLS, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", def.Mailbox, "IMAP mailbox to read")
	flags.Int("limit", 0, "Read only the newest N IMAP messages (0 reads all)")
	flags.String("state-dir", def.StateDir, "Directory for incremental state files")
	flags.Bool("dry-run", false, "Decode and report without writing state or the database")
	flags.Bool("quiet", false, "Do not print a line per decoded message")
	flags.Int("workers", def.Workers, "Number of decode workers")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to decoded bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to decoded bodies (mutually exclusive with include flags)")
	RegisterDBFlag(cmd)
	return nil
}

// RegisterDBFlag attaches --db. A postgres:// URL selects Postgres, anything
// else is a SQLite file path.
func RegisterDBFlag(cmd *cobra.Command) {
	cmd.Flags().String("db", "", "Database DSN: postgres://... or a SQLite file path")
}

// LoadConfig builds the Config for cmd and validates the shared options.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}

	flags := cmd.Flags()
	if path, _ := flags.GetString("config"); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyFlags(flags, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}

	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFile overlays the TOML file at path onto cfg. Unknown keys are an
// error so typos do not go unnoticed.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyFlags(flags *pflag.FlagSet, cfg *Config) error {
	strs := map[string]*string{
		"mbox":      &cfg.MboxPath,
		"imap-host": &cfg.IMAPHost,
		"imap-user": &cfg.IMAPUser,
		"imap-pass": &cfg.IMAPPass,
		"mailbox":   &cfg.Mailbox,
		"state-dir": &cfg.StateDir,
		"db":        &cfg.DB,
		"log-level": &cfg.LogLevel,
		"log-dir":   &cfg.LogDir,
	}
	ints := map[string]*int{
		"imap-port":      &cfg.IMAPPort,
		"limit":          &cfg.Limit,
		"workers":        &cfg.Workers,
		"preview-length": &cfg.PreviewLength,
	}
	bools := map[string]*bool{
		"use-tls":              &cfg.UseTLS,
		"insecure-skip-verify": &cfg.InsecureSkipVerify,
		"dry-run":              &cfg.DryRun,
		"quiet":                &cfg.Quiet,
		"loose-mojibake":       &cfg.LooseMojibake,
	}
	arrays := map[string]*[]string{
		"include-header": &cfg.IncludeHeader,
		"include-body":   &cfg.IncludeBody,
		"exclude-header": &cfg.ExcludeHeader,
		"exclude-body":   &cfg.ExcludeBody,
	}

	for name, dst := range strs {
		if !changed(flags, name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	for name, dst := range ints {
		if !changed(flags, name) {
			continue
		}
		v, err := flags.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	for name, dst := range bools {
		if !changed(flags, name) {
			continue
		}
		v, err := flags.GetBool(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	for name, dst := range arrays {
		if !changed(flags, name) {
			continue
		}
		v, err := flags.GetStringArray(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}

func changed(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}

// Validate checks the options every command depends on.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", c.LogLevel)
	}
	if c.PreviewLength < 0 {
		return fmt.Errorf("--preview-length must not be negative")
	}
	if c.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}
	includeActive := len(c.IncludeHeader) > 0 || len(c.IncludeBody) > 0
	excludeActive := len(c.ExcludeHeader) > 0 || len(c.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}
	return nil
}

// ValidateSource checks that exactly one message source is configured and
// that an IMAP source is complete.
func (c Config) ValidateSource() error {
	hasMbox := strings.TrimSpace(c.MboxPath) != ""
	hasIMAP := strings.TrimSpace(c.IMAPHost) != ""
	switch {
	case !hasMbox && !hasIMAP:
		return ErrNoSource
	case hasMbox && hasIMAP:
		return fmt.Errorf("--mbox and --imap-host are mutually exclusive")
	case hasMbox:
		return nil
	}

	if c.IMAPUser == "" {
		return fmt.Errorf("--imap-user is required")
	}
	if c.IMAPPass == "" {
		return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
	}
	if c.IMAPPort <= 0 || c.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if c.Limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mailtext", "state"), nil
}
