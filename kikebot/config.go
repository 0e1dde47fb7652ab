//nolint:lll // struct tags can't be split
package kikebot

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix = "KIKEBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "KB"

	DefaultHistoryFile      = "conversation_history.json"
	DefaultSystemPromptFile = "system_prompt.txt"
	DefaultPersona          = "aim"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultOpenAIModel                = "gpt-3.5-turbo"
	DefaultOpenAIMaxRequestsPerSecond = 1.0
	DefaultOpenAILogLevel             = slog.LevelInfo
	DefaultG4FBaseURL                 = "http://127.0.0.1:1337/v1"

	DefaultDiscordLogLevel      = slog.LevelInfo
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordCustomStatus  = "Con respeto ah"
	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent
	DefaultTypingInterval       = 8 * time.Second

	DefaultAPIListen                = "127.0.0.1:5000"
	DefaultAPILogLevel              = slog.LevelInfo
	DefaultAPICORSAllowCredentials  = false
	DefaultAPITLSMinVersion         = tls.VersionTLS12
	DefaultReadTimeout              = 5 * time.Second
	DefaultReadHeaderTimeout        = 5 * time.Second
	DefaultWriteTimeout             = 10 * time.Second
	DefaultIdleTimeout              = 30 * time.Second
	defaultListenNetwork            = "tcp"
	discordMaxMessageLength         = 2000
	DefaultAPIRepliesLimit          = 50
	ProviderTypeOpenAI              = "openai"
	ProviderTypeGemini              = "gemini"
	DefaultGeminiModel              = "gemini-2.0-flash"
	DefaultDiscordReplyAllNotice    = "> **WARN: reply-all mode is on. Use `/replyall` again to switch back to slash commands.**"
	DefaultDiscordPersonaSwitchText = "Switched to persona **%s**"
	DefaultDiscordResetText         = "> **INFO: conversation history cleared.**"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPut,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// HistoryFile is where the conversation transcript is persisted
	HistoryFile string `yaml:"history_file" mapstructure:"history_file" json:"history_file" binding:"required"`

	// SystemPromptFile holds the starting prompt, read once at startup
	SystemPromptFile string `yaml:"system_prompt_file" mapstructure:"system_prompt_file" json:"system_prompt_file"`

	// PersonasFile is an optional YAML file of `name: prompt` pairs, added
	// to (or overriding) the built-in personas
	PersonasFile string `yaml:"personas_file" mapstructure:"personas_file" json:"personas_file"`

	// DefaultPersona is the persona the bot starts with, and returns to
	// after a reset
	DefaultPersona string `yaml:"default_persona" mapstructure:"default_persona" json:"default_persona" binding:"required"`

	// Database connection string. Leave empty to disable the reply log.
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	Queue *QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue"`

	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long connecting to discord and registering
	// commands may take
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=0s"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=0s"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// QueueConfig configures the capacity of the reply queue.
type QueueConfig struct {
	// Maximum queue size. When full, the oldest job is dropped. 0=unlimited
	Size int `yaml:"size" mapstructure:"size" json:"size" binding:"min=0"`

	// Jobs older than this are discarded when popped. 0=unlimited
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age" binding:"min=0s"`
}

// OpenAIConfig configures the language model backend.
type OpenAIConfig struct {
	// Enabled selects the paid OpenAI API. When false, requests go through
	// the Providers fallback chain instead.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required_if=Enabled true"`

	// BaseURL overrides the OpenAI API endpoint
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	// Model used for every chat completion (unless a provider overrides it)
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// RequestTimeout caps a single generation call. 0=no timeout
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=0s"`

	// MaxRequestsPerSecond limits outbound generation calls
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	// Providers is the ordered fallback list used when Enabled is false
	Providers []ProviderConfig `yaml:"providers" mapstructure:"providers" json:"providers" binding:"required_if=Enabled false,dive"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ProviderConfig describes one entry in the fallback chain.
type ProviderConfig struct {
	Name string `yaml:"name" mapstructure:"name" json:"name" binding:"required"`

	// Type is either 'openai' (any OpenAI-compatible endpoint) or 'gemini'
	Type string `yaml:"type" mapstructure:"type" json:"type" binding:"oneof=openai gemini"`

	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Model overrides [OpenAIConfig.Model] for this provider
	Model string `yaml:"model" mapstructure:"model" json:"model"`
}

func (p ProviderConfig) LogValue() slog.Value {
	return structToSlogValue(p)
}

// DefaultProviders returns the fallback chain used when none is configured:
// a local gpt4free API server, which itself rotates through free providers.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			Name:    "g4f",
			Type:    ProviderTypeOpenAI,
			BaseURL: DefaultG4FBaseURL,
		},
	}
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID, used when registering slash commands. If
	// empty, the ID of the connected bot user is used.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// ChannelID is where the starting prompt reply is sent on connect and
	// after a persona switch
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id"`

	// ReplyingAll starts the bot in reply-all mode
	ReplyingAll bool `yaml:"replying_all" mapstructure:"replying_all" json:"replying_all"`

	// ReplyingAllChannelID is the channel watched in reply-all mode
	ReplyingAllChannelID string `yaml:"replying_all_channel_id" mapstructure:"replying_all_channel_id" json:"replying_all_channel_id" binding:"required_if=ReplyingAll true"`

	// Private makes slash command replies ephemeral by default
	Private bool `yaml:"private" mapstructure:"private" json:"private"`

	// ErrorMessage, if set, is sent back when a reply fails. When empty,
	// failed replies are only logged.
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// TypingInterval is how often the typing indicator is refreshed while
	// a reply is generated
	TypingInterval time.Duration `yaml:"typing_interval" mapstructure:"typing_interval" json:"typing_interval" binding:"min=1s"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`
}

func (c DiscordConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Bearer token required on every /api request
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required_if=Enabled true"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

func (c APIConfig) LogValue() slog.Value {
	return structToSlogValue(c)
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
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		HistoryFile:           DefaultHistoryFile,
		SystemPromptFile:      DefaultSystemPromptFile,
		DefaultPersona:        DefaultPersona,
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Queue:                 &QueueConfig{},
		OpenAI: &OpenAIConfig{
			Model:                DefaultOpenAIModel,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			Providers:            DefaultProviders(),
			LogLevel:             openaiLogLevel,
		},
		Discord: &DiscordConfig{
			CustomStatus:      DefaultDiscordCustomStatus,
			TypingInterval:    DefaultTypingInterval,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}

// ValidateConfig runs struct validation against the `binding` tags of
// the given config.
func ValidateConfig(cfg *Config) error {
	return structValidator.Struct(cfg)
}
