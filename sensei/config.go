//nolint:lll // struct tags can't be split
package sensei

import (
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"reflect"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "SENSEI_ENV_PREFIX"
	DefaultEnvPrefix       = "SENSEI"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "data/terms.db"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	TermSourceLocal  = "local"
	TermSourceRemote = "remote"

	DefaultTermSource         = TermSourceLocal
	DefaultTermConnectorURL   = "http://localhost:3000/v1/generate-term"
	DefaultTermRequestTimeout = 60 * time.Second
	DefaultTermHistoryWindow  = 30 * 24 * time.Hour
	DefaultTermHistoryLimit   = 50
	DefaultTermPlatform       = "discord"

	DefaultOpenAIBaseURL              = "https://generativelanguage.googleapis.com/v1beta/openai"
	DefaultOpenAIModel                = "gemini-1.5-flash"
	DefaultOpenAIMaxRequestsPerSecond = 1.0
	DefaultOpenAILogLevel             = slog.LevelInfo

	DefaultDiscordPrefix         = "!"
	DefaultDiscordLogLevel       = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordCustomStatus   = "!term tech"
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordErrorMessage   = "⚠️ Sorry, I had trouble generating a unique term. Please try again."
	DefaultDiscordGatewayIntent  = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent |
		discordgo.IntentsGuildMembers

	DefaultWelcomeEnabled = true
	DefaultWelcomeSendDM  = false

	DefaultScheduleEnabled  = false
	DefaultScheduleSpec     = "0 9 * * *"
	DefaultScheduleCategory = "tech"
	DefaultScheduleTimezone = "UTC"

	DefaultEngineListen    = "127.0.0.1:8000"
	DefaultConnectorListen = "127.0.0.1:3000"
	DefaultEngineURL       = "http://127.0.0.1:8000/v1/generate-term"
	DefaultHTTPLogLevel    = slog.LevelInfo
	DefaultTLSMinVersion   = tls.VersionTLS12

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 90 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	defaultListenNetwork         = "tcp"
	DefaultCORSAllowCredentials  = false
	DefaultCORSMaxAge            = 12 * time.Hour
)

var (
	DefaultWelcomeChannelNames = []string{"welcome", "general", "lobby", "main"}
	DefaultWelcomeRules        = []string{
		"📝 Be respectful to all members",
		"🚫 No spam, harassment, or offensive content",
		"💬 Keep conversations in appropriate channels",
		"🎯 Stay on topic in each channel",
		"🔇 No excessive use of caps or mentions",
		"🤝 Help maintain a friendly community environment",
	}

	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot or engine may take to connect
	// and initialize before startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for in-flight requests to
	// finish. After this elapses, connections are force closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables gin debug mode and pprof endpoints, and disables
	// gin's recovery middleware
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	Terms *TermsConfig `yaml:"terms" mapstructure:"terms" json:"terms"`

	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	Schedule *ScheduleConfig `yaml:"schedule" mapstructure:"schedule" json:"schedule"`

	// Engine configures the HTTP server hosting the term service
	Engine *HTTPServerConfig `yaml:"engine" mapstructure:"engine" json:"engine"`

	// Connector configures the relay between the bot and the engine
	Connector *ConnectorConfig `yaml:"connector" mapstructure:"connector" json:"connector"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// TermsConfig controls where terms come from, and how much history is
// used to steer the generator away from repeats.
type TermsConfig struct {
	// Source is 'local' to generate terms in-process, or 'remote' to
	// request them from a connector
	Source string `yaml:"source" mapstructure:"source" json:"source" binding:"oneof=local remote"`

	// ConnectorURL is the full URL of the connector's generate-term endpoint
	ConnectorURL string `yaml:"connector_url" mapstructure:"connector_url" json:"connector_url" binding:"required_if=Source remote"`

	// RequestTimeout bounds a single request to the connector
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=0"`

	// HistoryWindow is how far back issued terms are excluded
	HistoryWindow time.Duration `yaml:"history_window" mapstructure:"history_window" json:"history_window" binding:"min=0"`

	// HistoryLimit caps the number of excluded terms
	HistoryLimit int `yaml:"history_limit" mapstructure:"history_limit" json:"history_limit" binding:"min=0"`

	// Platform is reported to the engine when requesting remotely
	Platform string `yaml:"platform" mapstructure:"platform" json:"platform"`
}

// OpenAIConfig configures the OpenAI-compatible chat completion endpoint
// used to generate terms.
type OpenAIConfig struct {
	// API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// BaseURL of the API. Defaults to Gemini's OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// Model name
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	// MaxRequestsPerSecond limits completion requests. 0=unlimited
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// Prefix that marks a message as a command
	Prefix string `yaml:"prefix" mapstructure:"prefix" json:"prefix" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is shown on the bot's profile
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// If NotificationChannelID is set, StartupMessage is sent to it
	// whenever the bot connects to the gateway.
	StartupMessage        string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// ErrorMessage is shown to users whenever a term can't be acquired
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	Welcome WelcomeConfig `yaml:"welcome" mapstructure:"welcome" json:"welcome"`

	httpClient *http.Client
}

// WelcomeConfig configures the messages sent when a member joins a guild.
type WelcomeConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// ChannelNames are matched, in order, as substrings of guild text
	// channel names to pick the channel welcome messages are sent to
	ChannelNames []string `yaml:"channel_names" mapstructure:"channel_names" json:"channel_names"`

	// Rules are listed in the rules embed
	Rules []string `yaml:"rules" mapstructure:"rules" json:"rules"`

	// SendDM additionally sends the new member a direct message
	SendDM bool `yaml:"send_dm" mapstructure:"send_dm" json:"send_dm"`
}

// ScheduleConfig configures the daily term post.
type ScheduleConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Spec is a standard 5-field cron expression
	Spec string `yaml:"spec" mapstructure:"spec" json:"spec" binding:"required_if=Enabled true"`

	// Category must be one of the supported term categories
	Category string `yaml:"category" mapstructure:"category" json:"category" binding:"required_if=Enabled true"`

	// Timezone the cron spec is evaluated in (ex: "UTC", "America/New_York")
	Timezone string `yaml:"timezone" mapstructure:"timezone" json:"timezone"`

	// ChannelIDs receive the scheduled term
	ChannelIDs []string `yaml:"channel_ids" mapstructure:"channel_ids" json:"channel_ids" binding:"required_if=Enabled true"`
}

// HTTPServerConfig configures one of the HTTP services (engine or connector).
type HTTPServerConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:8000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS. Plain HTTP is served if no cert is set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// ConnectorConfig configures the forwarding connector.
type ConnectorConfig struct {
	HTTPServerConfig `yaml:",inline" mapstructure:",squash"`

	// EngineURL is the full URL requests are forwarded to
	EngineURL string `yaml:"engine_url" mapstructure:"engine_url" json:"engine_url" binding:"required,url"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultCORSAllowCredentials,
	}
}

func defaultHTTPServerConfig(listen string) *HTTPServerConfig {
	lvl := &slog.LevelVar{}
	lvl.Set(DefaultHTTPLogLevel)
	return &HTTPServerConfig{
		Listen:            listen,
		ListenNetwork:     defaultListenNetwork,
		SSL:               SSLConfig{TLSMinVersion: DefaultTLSMinVersion},
		LogLevel:          lvl,
		CORS:              DefaultCORSConfig(),
		ReadTimeout:       DefaultReadTimeout,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Terms: &TermsConfig{
			Source:         DefaultTermSource,
			ConnectorURL:   DefaultTermConnectorURL,
			RequestTimeout: DefaultTermRequestTimeout,
			HistoryWindow:  DefaultTermHistoryWindow,
			HistoryLimit:   DefaultTermHistoryLimit,
			Platform:       DefaultTermPlatform,
		},
		OpenAI: &OpenAIConfig{
			BaseURL:              DefaultOpenAIBaseURL,
			Model:                DefaultOpenAIModel,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			LogLevel:             openaiLogLevel,
		},
		Discord: &DiscordConfig{
			Prefix:            DefaultDiscordPrefix,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			CustomStatus:      DefaultDiscordCustomStatus,
			StartupMessage:    DefaultDiscordStartupMessage,
			ErrorMessage:      DefaultDiscordErrorMessage,
			Welcome: WelcomeConfig{
				Enabled:      DefaultWelcomeEnabled,
				ChannelNames: append([]string(nil), DefaultWelcomeChannelNames...),
				Rules:        append([]string(nil), DefaultWelcomeRules...),
				SendDM:       DefaultWelcomeSendDM,
			},
		},
		Schedule: &ScheduleConfig{
			Enabled:  DefaultScheduleEnabled,
			Spec:     DefaultScheduleSpec,
			Category: DefaultScheduleCategory,
			Timezone: DefaultScheduleTimezone,
		},
		Engine: defaultHTTPServerConfig(DefaultEngineListen),
		Connector: &ConnectorConfig{
			HTTPServerConfig: *defaultHTTPServerConfig(DefaultConnectorListen),
			EngineURL:        DefaultEngineURL,
		},
	}
}

// validateSection validates one config section by name, so that sections
// a command doesn't use can't fail validation.
func validateSection(name string, section any) error {
	if reflect.ValueOf(section).IsNil() {
		return fmt.Errorf("%s: config section missing", name)
	}
	if err := structValidator.Struct(section); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (c *Config) validateStore() error {
	return structValidator.StructPartial(c, "Database", "DatabaseType")
}

// ValidateEngine validates the settings used by the engine service
func (c *Config) ValidateEngine() error {
	return errors.Join(
		c.validateStore(),
		validateSection("terms", c.Terms),
		validateSection("openai", c.OpenAI),
		validateSection("engine", c.Engine),
	)
}

// ValidateConnector validates the settings used by the connector service
func (c *Config) ValidateConnector() error {
	return validateSection("connector", c.Connector)
}

// ValidateBot validates the settings used by the discord bot. The
// database and generator are only checked when terms are generated
// locally.
func (c *Config) ValidateBot() error {
	errs := []error{
		validateSection("discord", c.Discord),
		validateSection("terms", c.Terms),
		validateSection("schedule", c.Schedule),
	}
	if c.Terms != nil && c.Terms.Source != TermSourceRemote {
		errs = append(errs, c.validateStore(), validateSection("openai", c.OpenAI))
	}
	return errors.Join(errs...)
}
