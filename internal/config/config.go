// Package config provides configuration management for shelfarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shelfarr/shelfarr/internal/models"
)

// Organization modes for downloaded files.
const (
	OrganizationNone     = "none"
	OrganizationRename   = "rename"
	OrganizationOrganize = "organize"
)

// Default configuration values.
const (
	defaultDestination       = "/books"
	defaultTemplateRename    = "{Author} - {Title} ({Year})"
	defaultTemplateOrganize  = "{Author}/{Title} ({Year})"
	defaultAudiobookRename   = "{Author} - {Title}"
	defaultAudiobookOrganize = "{Author}/{Title}"
	defaultRPCTimeout        = 30 * time.Second
	defaultJanitorSchedule   = "0 */6 * * *"
	defaultJanitorRetention  = 24 * time.Hour
)

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Storage StorageConfig `mapstructure:"storage"`
	Library LibraryConfig `mapstructure:"library"`
	NZBGet  NZBGetConfig  `mapstructure:"nzbget"`
	Janitor JanitorConfig `mapstructure:"janitor"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text, console
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StorageConfig holds process-owned filesystem locations.
type StorageConfig struct {
	// TmpDir is the managed workspace root. Every pipeline invocation
	// creates its workspace strictly underneath it.
	TmpDir string `mapstructure:"tmp_dir"`
}

// MediaConfig holds naming and transfer rules for one media class.
type MediaConfig struct {
	Organization     string   `mapstructure:"organization"` // none, rename, organize
	TemplateRename   string   `mapstructure:"template_rename"`
	TemplateOrganize string   `mapstructure:"template_organize"`
	SupportedFormats []string `mapstructure:"supported_formats"`
	HardlinkTorrents bool     `mapstructure:"hardlink_torrents"`
}

// Template returns the naming template for the configured organization
// mode, or "" when organization is disabled.
func (m MediaConfig) Template() string {
	switch m.Organization {
	case OrganizationRename:
		return m.TemplateRename
	case OrganizationOrganize:
		return m.TemplateOrganize
	default:
		return ""
	}
}

// LibraryConfig holds library destinations and routing.
type LibraryConfig struct {
	// Destination is where books land; AudiobookDestination falls back to
	// Destination when empty.
	Destination          string `mapstructure:"destination"`
	AudiobookDestination string `mapstructure:"audiobook_destination"`

	Books      MediaConfig `mapstructure:"books"`
	Audiobooks MediaConfig `mapstructure:"audiobooks"`

	// ContentTypeRouting enables per-content-type destination overrides
	// for non-audiobook direct downloads.
	ContentTypeRouting bool              `mapstructure:"content_type_routing"`
	ContentTypeDirs    map[string]string `mapstructure:"content_type_dirs"`

	// CustomScript, when set, is invoked after each successful import with
	// the final destination path as its argument.
	CustomScript string `mapstructure:"custom_script"`
}

// NZBGetConfig holds the NZBGet JSON-RPC client configuration.
type NZBGetConfig struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Category string        `mapstructure:"category"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// JanitorConfig holds the workspace janitor configuration.
type JanitorConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Schedule  string        `mapstructure:"schedule"` // cron expression
	Retention time.Duration `mapstructure:"retention"`
}

// SetDefaults registers default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")

	v.SetDefault("storage.tmp_dir", "/tmp/shelfarr")

	v.SetDefault("library.destination", defaultDestination)
	v.SetDefault("library.audiobook_destination", "")

	v.SetDefault("library.books.organization", OrganizationRename)
	v.SetDefault("library.books.template_rename", defaultTemplateRename)
	v.SetDefault("library.books.template_organize", defaultTemplateOrganize)
	v.SetDefault("library.books.supported_formats",
		[]string{"epub", "mobi", "azw3", "fb2", "djvu", "cbz", "cbr"})
	v.SetDefault("library.books.hardlink_torrents", false)

	v.SetDefault("library.audiobooks.organization", OrganizationRename)
	v.SetDefault("library.audiobooks.template_rename", defaultAudiobookRename)
	v.SetDefault("library.audiobooks.template_organize", defaultAudiobookOrganize)
	v.SetDefault("library.audiobooks.supported_formats", []string{"m4b", "mp3"})
	v.SetDefault("library.audiobooks.hardlink_torrents", true)

	v.SetDefault("library.content_type_routing", false)
	v.SetDefault("library.content_type_dirs", map[string]string{})
	v.SetDefault("library.custom_script", "")

	v.SetDefault("nzbget.url", "")
	v.SetDefault("nzbget.username", "nzbget")
	v.SetDefault("nzbget.password", "")
	v.SetDefault("nzbget.category", "Books")
	v.SetDefault("nzbget.timeout", defaultRPCTimeout)

	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.schedule", defaultJanitorSchedule)
	v.SetDefault("janitor.retention", defaultJanitorRetention)
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with SHELFARR_, using underscores for nesting.
// Example: SHELFARR_LIBRARY_DESTINATION=/books.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/shelfarr")
		v.AddConfigPath("$HOME/.shelfarr")
	}

	v.SetEnvPrefix("SHELFARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Storage.TmpDir == "" {
		return errors.New("storage.tmp_dir must not be empty")
	}
	if !filepath.IsAbs(c.Storage.TmpDir) {
		return fmt.Errorf("storage.tmp_dir must be absolute: %s", c.Storage.TmpDir)
	}
	if c.Library.Destination == "" {
		return errors.New("library.destination must not be empty")
	}

	for _, m := range []struct {
		name string
		cfg  MediaConfig
	}{
		{"library.books", c.Library.Books},
		{"library.audiobooks", c.Library.Audiobooks},
	} {
		switch m.cfg.Organization {
		case OrganizationNone, OrganizationRename, OrganizationOrganize:
		default:
			return fmt.Errorf("%s.organization must be one of none, rename, organize: %q",
				m.name, m.cfg.Organization)
		}
		if len(m.cfg.SupportedFormats) == 0 {
			return fmt.Errorf("%s.supported_formats must not be empty", m.name)
		}
	}

	if c.Janitor.Retention < 0 {
		return errors.New("janitor.retention must not be negative")
	}

	return nil
}

// MediaFor returns the media rules applying to the given content type.
func (c *LibraryConfig) MediaFor(ct models.ContentType) MediaConfig {
	if ct.Audiobook() {
		return c.Audiobooks
	}
	return c.Books
}

// DestinationFor returns the base library destination for the content type,
// before content-type routing overrides.
func (c *LibraryConfig) DestinationFor(ct models.ContentType) string {
	if ct.Audiobook() && c.AudiobookDestination != "" {
		return c.AudiobookDestination
	}
	return c.Destination
}

// ContentTypeDir returns the routing override directory for a content type,
// or "" when routing is disabled or no override is configured.
func (c *LibraryConfig) ContentTypeDir(ct models.ContentType) string {
	if !c.ContentTypeRouting {
		return ""
	}
	return c.ContentTypeDirs[strings.ToLower(string(ct))]
}

// SupportedFormatSet returns the supported extensions for the content type
// as a lowercase set without dots.
func (c *LibraryConfig) SupportedFormatSet(ct models.ContentType) map[string]bool {
	formats := c.MediaFor(ct).SupportedFormats
	set := make(map[string]bool, len(formats))
	for _, f := range formats {
		set[strings.ToLower(strings.TrimPrefix(f, "."))] = true
	}
	return set
}
