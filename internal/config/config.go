// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Site     SiteConfig     `mapstructure:"site" yaml:"site"`
	Crawl    CrawlConfig    `mapstructure:"crawl" yaml:"crawl"`
	Quota    QuotaConfig    `mapstructure:"quota" yaml:"quota"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Creds    CredsConfig    `mapstructure:"credentials" yaml:"credentials"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the Chrome instance.
type BrowserConfig struct {
	// Mode is "headless", "windowed", or "auto" (headless unless a
	// display is available).
	Mode              string        `mapstructure:"mode" yaml:"mode"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
}

// SiteConfig carries everything specific to the target site's markup.
// The crawl core never hardcodes a selector; it only reads these.
type SiteConfig struct {
	LibraryURL         string   `mapstructure:"library_url" yaml:"library_url"`
	ProxyHomeURL       string   `mapstructure:"proxy_home_url" yaml:"proxy_home_url"`
	AdvancedSearchURL  string   `mapstructure:"advanced_search_url" yaml:"advanced_search_url"`
	SeatLimitMarkers   []string `mapstructure:"seat_limit_markers" yaml:"seat_limit_markers"`
	ProxyAuthMarkers   []string `mapstructure:"proxy_auth_markers" yaml:"proxy_auth_markers"`
	Locators           Locators `mapstructure:"locators" yaml:"locators"`
}

// Locators maps logical protocol steps to site selectors. PageButton
// contains one %d verb for the page index; PublicationOption contains
// one %s verb for the journal title.
type Locators struct {
	LoginLink         string `mapstructure:"login_link" yaml:"login_link"`
	UsernameField     string `mapstructure:"username_field" yaml:"username_field"`
	PasswordField     string `mapstructure:"password_field" yaml:"password_field"`
	LoginSubmit       string `mapstructure:"login_submit" yaml:"login_submit"`
	LoginSuccess      string `mapstructure:"login_success" yaml:"login_success"`
	DatabaseLink      string `mapstructure:"database_link" yaml:"database_link"`
	StartYearField    string `mapstructure:"start_year_field" yaml:"start_year_field"`
	EndYearField      string `mapstructure:"end_year_field" yaml:"end_year_field"`
	SearchSubmit      string `mapstructure:"search_submit" yaml:"search_submit"`
	PublicationFacet  string `mapstructure:"publication_facet" yaml:"publication_facet"`
	PublicationSearch string `mapstructure:"publication_search" yaml:"publication_search"`
	PublicationOption string `mapstructure:"publication_option" yaml:"publication_option"`
	ItemsPerPage      string `mapstructure:"items_per_page" yaml:"items_per_page"`
	ResultsList       string `mapstructure:"results_list" yaml:"results_list"`
	SelectAll         string `mapstructure:"select_all" yaml:"select_all"`
	DownloadButton    string `mapstructure:"download_button" yaml:"download_button"`
	PDFOption         string `mapstructure:"pdf_option" yaml:"pdf_option"`
	DownloadConfirm   string `mapstructure:"download_confirm" yaml:"download_confirm"`
	PageButton        string `mapstructure:"page_button" yaml:"page_button"`
	NextButton        string `mapstructure:"next_button" yaml:"next_button"`
}

// CrawlConfig tunes the batch run itself.
type CrawlConfig struct {
	Years           []int         `mapstructure:"years" yaml:"years"`
	BasePath        string        `mapstructure:"base_path" yaml:"base_path"`
	Journal         string        `mapstructure:"journal" yaml:"journal"`
	ItemsPerPage    int           `mapstructure:"items_per_page" yaml:"items_per_page"`
	StartPage       int           `mapstructure:"start_page" yaml:"start_page"`
	MaxPageVisits   int           `mapstructure:"max_page_visits" yaml:"max_page_visits"`
	LocateTimeout   time.Duration `mapstructure:"locate_timeout" yaml:"locate_timeout"`
	MinPageDelay    time.Duration `mapstructure:"min_page_delay" yaml:"min_page_delay"`
	MaxPageDelay    time.Duration `mapstructure:"max_page_delay" yaml:"max_page_delay"`
	InterTargetWait time.Duration `mapstructure:"inter_target_wait" yaml:"inter_target_wait"`
}

// QuotaConfig bounds the seat-limit recovery loop.
type QuotaConfig struct {
	MaxAttempts uint          `mapstructure:"max_attempts" yaml:"max_attempts"`
	Wait        time.Duration `mapstructure:"wait" yaml:"wait"`
}

// DownloadConfig tunes batch-completion detection on the destination
// directory.
type DownloadConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	QuietPeriod       time.Duration `mapstructure:"quiet_period" yaml:"quiet_period"`
	HardTimeout       time.Duration `mapstructure:"hard_timeout" yaml:"hard_timeout"`
	MinViableFraction float64       `mapstructure:"min_viable_fraction" yaml:"min_viable_fraction"`
	ValidatePDFs      bool          `mapstructure:"validate_pdfs" yaml:"validate_pdfs"`
}

// CredsConfig points at credential sources. Username/password given on
// the command line are carried here too and take precedence over both.
type CredsConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	UseKeyring bool   `mapstructure:"use_keyring" yaml:"use_keyring"`
	Username   string `mapstructure:"-" yaml:"-"`
	Password   string `mapstructure:"-" yaml:"-"`
}

// SetDefaults initializes default values for all configuration
// parameters. The site defaults reproduce the markup of the one site
// this tool was written against; overriding them requires no code change.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "paperpull")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.mode", "auto")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.post_load_wait", "2s")

	// -- Site --
	v.SetDefault("site.library_url", "https://lib.kookmin.ac.kr/")
	v.SetDefault("site.proxy_home_url", "https://ieeexplore-ieee-org-ssl.proxy.kookmin.ac.kr/Xplore/home.jsp")
	v.SetDefault("site.advanced_search_url", "https://ieeexplore-ieee-org-ssl.proxy.kookmin.ac.kr/search/advanced")
	v.SetDefault("site.seat_limit_markers", []string{
		"seat limit", "maximum number of users", "too many users", "access denied",
	})
	v.SetDefault("site.proxy_auth_markers", []string{"Access provided by", "Kookmin University"})

	v.SetDefault("site.locators.login_link", `a[href*='login']`)
	v.SetDefault("site.locators.username_field", `input[name='user_id'], input[id='user_id'], input[type='text']`)
	v.SetDefault("site.locators.password_field", `input[type='password']`)
	v.SetDefault("site.locators.login_submit", `button[type='submit'], input[type='submit']`)
	v.SetDefault("site.locators.login_success", `a[href*='logout']`)
	v.SetDefault("site.locators.database_link", `a[href*='database']`)
	v.SetDefault("site.locators.start_year_field", `input[placeholder*='Start Year'], input[name*='startYear']`)
	v.SetDefault("site.locators.end_year_field", `input[placeholder*='End Year'], input[name*='endYear']`)
	v.SetDefault("site.locators.search_submit", `button[type='submit'], button.submit-button`)
	v.SetDefault("site.locators.publication_facet", `xpl-facet-publication-title, div.facet-publication`)
	v.SetDefault("site.locators.publication_search", `xpl-facet-publication-title input[type='text']`)
	v.SetDefault("site.locators.publication_option", `//label[contains(normalize-space(), '%s')]`)
	v.SetDefault("site.locators.items_per_page", `select[aria-label*='results per page']`)
	v.SetDefault("site.locators.results_list", `xpl-results-list`)
	v.SetDefault("site.locators.select_all", `input[aria-label*='Select all']`)
	v.SetDefault("site.locators.download_button", `//button[contains(text(), 'Download')]`)
	v.SetDefault("site.locators.pdf_option", `//label[contains(text(), 'PDF')]`)
	v.SetDefault("site.locators.download_confirm", `//button[contains(text(), 'Download')]`)
	v.SetDefault("site.locators.page_button", `button[aria-label='Page %d of search results']`)
	v.SetDefault("site.locators.next_button", `button[aria-label='Next page of search results']`)

	// -- Crawl --
	v.SetDefault("crawl.years", []int{2023, 2024, 2025})
	v.SetDefault("crawl.base_path", "")
	v.SetDefault("crawl.journal", "IEEE Transactions on Geoscience and Remote Sensing")
	v.SetDefault("crawl.items_per_page", 10)
	v.SetDefault("crawl.start_page", 1)
	v.SetDefault("crawl.max_page_visits", 100)
	v.SetDefault("crawl.locate_timeout", "10s")
	v.SetDefault("crawl.min_page_delay", "3s")
	v.SetDefault("crawl.max_page_delay", "8s")
	v.SetDefault("crawl.inter_target_wait", "30s")

	// -- Quota --
	v.SetDefault("quota.max_attempts", 5)
	v.SetDefault("quota.wait", "5m")

	// -- Download --
	v.SetDefault("download.poll_interval", "5s")
	v.SetDefault("download.quiet_period", "30s")
	v.SetDefault("download.hard_timeout", "5m")
	v.SetDefault("download.min_viable_fraction", 0.5)
	v.SetDefault("download.validate_pdfs", true)

	// -- Credentials --
	v.SetDefault("credentials.file", "credentials.json")
	v.SetDefault("credentials.use_keyring", false)
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := NewConfigFromViper(v)
	if err != nil {
		// Defaults must always validate.
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Browser.Mode {
	case "auto", "headless", "windowed":
	default:
		return fmt.Errorf("browser.mode must be auto, headless, or windowed (got %q)", c.Browser.Mode)
	}
	if c.Crawl.ItemsPerPage <= 0 {
		return fmt.Errorf("crawl.items_per_page must be a positive integer")
	}
	if c.Crawl.StartPage <= 0 {
		return fmt.Errorf("crawl.start_page must be a positive integer")
	}
	if c.Crawl.MaxPageVisits <= 0 {
		return fmt.Errorf("crawl.max_page_visits must be a positive integer")
	}
	if c.Crawl.MinPageDelay > c.Crawl.MaxPageDelay {
		return fmt.Errorf("crawl.min_page_delay must not exceed crawl.max_page_delay")
	}
	if c.Quota.MaxAttempts == 0 {
		return fmt.Errorf("quota.max_attempts must be at least 1")
	}
	if c.Download.MinViableFraction <= 0 || c.Download.MinViableFraction > 1.0 {
		return fmt.Errorf("download.min_viable_fraction must be in (0, 1]")
	}
	if c.Download.QuietPeriod <= 0 || c.Download.HardTimeout <= 0 {
		return fmt.Errorf("download.quiet_period and download.hard_timeout must be positive")
	}
	if c.Download.HardTimeout < c.Download.QuietPeriod {
		return fmt.Errorf("download.hard_timeout must be at least download.quiet_period")
	}
	return nil
}
