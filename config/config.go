package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/mailharvest/extract"
	"github.com/dhcgn/mailharvest/filter"
)

const (
	SourceMbox = "mbox"
	SourceIMAP = "imap"
)

// Config captures all options required to open a mail source and run the
// extraction.
type Config struct {
	ConfigFile         string
	Source             string
	MailDir            string
	Account            string
	OutputDir          string
	Keywords           [][]string
	ExcludeFolders     []string
	Verbose            bool
	DryRun             bool
	StateDir           string
	LogLevel           string
	LogDir             string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
}

// RegisterFlags attaches all CLI flags to the provided command. The flags
// are persistent so subcommands can open the same source.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional YAML config file; flags override its values")
	flags.String("source", SourceMbox, "Mail source: mbox (local mail client directory) or imap")
	flags.String("mail-dir", "", "Local mail directory with one subdirectory per account")
	flags.String("account", "", "Address of the account to extract from")
	flags.String("output", "attachments", "Base directory for extracted attachments")
	flags.StringArray("match", nil, "Comma-separated keywords that must all occur in the subject; repeat for alternatives")
	flags.StringArray("exclude-folders", extract.DefaultExcludeFolders, "Top-level folders to skip")
	flags.BoolP("verbose", "v", false, "Print every folder, matched message and attachment")
	flags.Bool("dry-run", false, "Scan and report without writing any files")
	flags.String("state-dir", defaultStateDir, "Directory for the extraction ledger")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then the keyring)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")

	return nil
}

// LoadConfig merges the parsed Cobra flags with the optional config file
// and validates the result. Flags that were set explicitly win.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	configFile, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", configFile, err)
		}
	}

	keywords, err := loadKeywords(flags, v)
	if err != nil {
		return Config{}, err
	}
	excludeFolders, err := loadExcludeFolders(flags, v)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ConfigFile:         configFile,
		Source:             strings.ToLower(strings.TrimSpace(v.GetString("source"))),
		MailDir:            v.GetString("mail-dir"),
		Account:            strings.TrimSpace(v.GetString("account")),
		OutputDir:          v.GetString("output"),
		Keywords:           keywords,
		ExcludeFolders:     excludeFolders,
		Verbose:            v.GetBool("verbose"),
		DryRun:             v.GetBool("dry-run"),
		StateDir:           v.GetString("state-dir"),
		LogLevel:           strings.ToLower(v.GetString("log-level")),
		LogDir:             v.GetString("log-dir"),
		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
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
	if cfg.OutputDir != "" {
		cfg.OutputDir = filepath.Clean(cfg.OutputDir)
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadKeywords reads --match groups, or the "keywords" list of lists from
// the config file when the flag was not given.
func loadKeywords(flags *pflag.FlagSet, v *viper.Viper) ([][]string, error) {
	if flags.Changed("match") {
		specs, err := flags.GetStringArray("match")
		if err != nil {
			return nil, err
		}
		groups := make([][]string, 0, len(specs))
		for _, spec := range specs {
			groups = append(groups, filter.ParseGroup(spec))
		}
		return groups, nil
	}

	var groups [][]string
	if v.InConfig("keywords") {
		if err := v.UnmarshalKey("keywords", &groups); err != nil {
			return nil, fmt.Errorf("parsing keywords: %w", err)
		}
	}
	return groups, nil
}

func loadExcludeFolders(flags *pflag.FlagSet, v *viper.Viper) ([]string, error) {
	if !flags.Changed("exclude-folders") && v.InConfig("exclude-folders") {
		var folders []string
		if err := v.UnmarshalKey("exclude-folders", &folders); err != nil {
			return nil, fmt.Errorf("parsing exclude-folders: %w", err)
		}
		return folders, nil
	}
	return flags.GetStringArray("exclude-folders")
}

func validateConfig(cfg Config) error {
	switch cfg.Source {
	case SourceMbox:
		if cfg.MailDir == "" {
			return fmt.Errorf("--mail-dir is required for the mbox source")
		}
	case SourceIMAP:
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required for the imap source")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required for the imap source")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("invalid --source: %q", cfg.Source)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// ValidateExtract checks the options only the extraction itself needs.
func ValidateExtract(cfg Config) error {
	var errs []error
	if cfg.Account == "" {
		errs = append(errs, fmt.Errorf("--account is required"))
	}
	if cfg.OutputDir == "" {
		errs = append(errs, fmt.Errorf("--output is required"))
	}
	return errors.Join(errs...)
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mailharvest", "state"), nil
}
