package cmd

import (
	"bytes"
	"fmt"
	"github.com/bastianbatory/KikeMorandeBot/kikebot"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolateEnv clears the environment for the duration of the test, and
// resets the command's config state before and after it.
func isolateEnv(t testing.TB) {
	t.Helper()

	originalEnv := os.Environ()
	resetState := func() {
		viper.Reset()
		cfg = kikebot.DefaultConfig()
		configFile = ""
		yamlFile = ""
		showPrompts = false
	}
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
			resetState()
		},
	)
	os.Clearenv()
	resetState()
}

// execute runs the root command with args, returning its output
func execute(t testing.TB, args ...string) string {
	t.Helper()

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	isolateEnv(t)

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

KB_HISTORY_FILE=/home/foo/conversation_history.json
KB_SYSTEM_PROMPT_FILE=/home/foo/system_prompt.txt
KB_PERSONAS_FILE=/home/foo/personas.yaml
KB_DEFAULT_PERSONA=critic
KB_DATABASE=/home/foo/kikebot.sqlite3
KB_DATABASE_TYPE=sqlite
KB_DATABASE_LOG_LEVEL=WARN
KB_DATABASE_SLOW_THRESHOLD=300ms
KB_LOG_LEVEL=DEBUG
KB_STARTUP_TIMEOUT=20s
KB_SHUTDOWN_TIMEOUT=60s

# Reply queue

KB_QUEUE_SIZE=10
KB_QUEUE_MAX_AGE=3m

# Language model

KB_OPENAI_ENABLED=true
KB_OPENAI_TOKEN=sk-test
KB_OPENAI_MODEL=gpt-4o-mini
KB_OPENAI_REQUEST_TIMEOUT=45s
KB_OPENAI_MAX_REQUESTS_PER_SECOND=0.5
KB_OPENAI_LOG_LEVEL=ERROR

# Discord bot config

KB_DISCORD_TOKEN=your-discord-bot-token
KB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
KB_DISCORD_GUILD_ID=
KB_DISCORD_CHANNEL_ID=111
KB_DISCORD_REPLYING_ALL=true
KB_DISCORD_REPLYING_ALL_CHANNEL_ID=222
KB_DISCORD_PRIVATE=true
KB_DISCORD_ERROR_MESSAGE="> **ERROR: something went wrong, try again later.**"
KB_DISCORD_CUSTOM_STATUS="Al aire"
KB_DISCORD_TYPING_INTERVAL=5s
KB_DISCORD_LOG_LEVEL=WARN
KB_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
KB_DISCORD_GATEWAY_INTENTS=3243773

# API server

KB_API_ENABLED=true
KB_API_LISTEN=127.0.0.1:5050
KB_API_TOKEN=your-api-token
KB_API_SSL_CERT=/etc/ssl/cert.pem
KB_API_SSL_KEY=/etc/ssl/key.pem
KB_API_SSL_TLS_MIN_VERSION=771
KB_API_LOG_LEVEL=DEBUG
KB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
KB_API_CORS_ALLOW_METHODS=GET PUT DELETE
KB_API_CORS_ALLOW_CREDENTIALS=true
KB_API_CORS_MAX_AGE=1h
KB_API_READ_TIMEOUT=6s
KB_API_WRITE_TIMEOUT=11s
`

	err := os.WriteFile(envFile, []byte(envContent), 0o644)
	require.NoError(t, err)

	_ = execute(t, fmt.Sprintf("--config=%s", envFile), "version")

	assert.Equal(t, "/home/foo/conversation_history.json", viper.GetString("history_file"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("database_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("openai.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, 300*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "/home/foo/conversation_history.json", cfg.HistoryFile)
	assert.Equal(t, "/home/foo/system_prompt.txt", cfg.SystemPromptFile)
	assert.Equal(t, "/home/foo/personas.yaml", cfg.PersonasFile)
	assert.Equal(t, "critic", cfg.DefaultPersona)
	assert.Equal(t, "/home/foo/kikebot.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelWarn, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 300*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 20*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, 10, cfg.Queue.Size)
	assert.Equal(t, 3*time.Minute, cfg.Queue.MaxAge)

	assert.True(t, cfg.OpenAI.Enabled)
	assert.Equal(t, "sk-test", cfg.OpenAI.Token)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	assert.Equal(t, 45*time.Second, cfg.OpenAI.RequestTimeout)
	assert.Equal(t, 0.5, cfg.OpenAI.MaxRequestsPerSecond)
	assert.Equal(t, slog.LevelError, cfg.OpenAI.LogLevel.Level())
	assert.Equal(t, kikebot.DefaultProviders(), cfg.OpenAI.Providers)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assert.Equal(t, "111", cfg.Discord.ChannelID)
	assert.True(t, cfg.Discord.ReplyingAll)
	assert.Equal(t, "222", cfg.Discord.ReplyingAllChannelID)
	assert.True(t, cfg.Discord.Private)
	assert.Equal(
		t,
		"> **ERROR: something went wrong, try again later.**",
		cfg.Discord.ErrorMessage,
	)
	assert.Equal(t, "Al aire", cfg.Discord.CustomStatus)
	assert.Equal(t, 5*time.Second, cfg.Discord.TypingInterval)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5050", cfg.API.Listen)
	assert.Equal(t, "your-api-token", cfg.API.Token)
	assert.Equal(t, "/etc/ssl/cert.pem", cfg.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", cfg.API.SSL.Key)
	assert.Equal(t, uint16(771), cfg.API.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "PUT", "DELETE"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, kikebot.DefaultCORSAllowHeaders, cfg.API.CORS.AllowHeaders)
	assert.True(t, cfg.API.CORS.AllowCredentials)
	assert.Equal(t, time.Hour, cfg.API.CORS.MaxAge)
	assert.Equal(t, 6*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, kikebot.DefaultReadHeaderTimeout, cfg.API.ReadHeaderTimeout)
	assert.Equal(t, 11*time.Second, cfg.API.WriteTimeout)

	// Unmarshal again into a fresh config, the way the root command does
	config := kikebot.DefaultConfig()
	err = viper.Unmarshal(
		config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)
	assert.Equal(t, cfg.Discord.Token, config.Discord.Token)
	assert.Equal(t, cfg.OpenAI.Model, config.OpenAI.Model)
	assert.NoError(t, kikebot.ValidateConfig(config))
}

func TestLegacyEnvVars(t *testing.T) {
	isolateEnv(t)

	t.Setenv("DISCORD_BOT_TOKEN", "legacy-discord-token")
	t.Setenv("DISCORD_CHANNEL_ID", "333")
	t.Setenv("REPLYING_ALL", "True")
	t.Setenv("REPLYING_ALL_DISCORD_CHANNEL_ID", "444")
	t.Setenv("OPENAI_ENABLED", "False")
	t.Setenv("OPENAI_KEY", "legacy-openai-key")
	t.Setenv("MODEL", "gpt-4")

	_ = execute(t, "version")

	assert.Equal(t, "legacy-discord-token", cfg.Discord.Token)
	assert.Equal(t, "333", cfg.Discord.ChannelID)
	assert.True(t, cfg.Discord.ReplyingAll)
	assert.Equal(t, "444", cfg.Discord.ReplyingAllChannelID)
	assert.False(t, cfg.OpenAI.Enabled)
	assert.Equal(t, "legacy-openai-key", cfg.OpenAI.Token)
	assert.Equal(t, "gpt-4", cfg.OpenAI.Model)
}

func TestPrefixedEnvVarsOverrideLegacy(t *testing.T) {
	isolateEnv(t)

	t.Setenv("DISCORD_BOT_TOKEN", "legacy-discord-token")
	t.Setenv("KB_DISCORD_TOKEN", "prefixed-discord-token")

	_ = execute(t, "version")

	assert.Equal(t, "prefixed-discord-token", cfg.Discord.Token)
}

func TestCustomEnvPrefix(t *testing.T) {
	isolateEnv(t)

	t.Setenv(kikebot.EnvvarSetEnvPrefix, "KIKE")
	t.Setenv("KIKE_DEFAULT_PERSONA", "formal")
	t.Setenv("KIKE_DISCORD_TOKEN", "custom-prefix-token")
	t.Setenv("KB_DEFAULT_PERSONA", "critic")

	_ = execute(t, "version")

	assert.Equal(t, "formal", cfg.DefaultPersona)
	assert.Equal(t, "custom-prefix-token", cfg.Discord.Token)
}

func TestLoadConfigFromYAMLFile(t *testing.T) {
	isolateEnv(t)

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
history_file: /var/lib/kikebot/history.json
default_persona: standard
openai:
  model: gpt-4o
  request_timeout: 90s
  providers:
    - name: local
      type: openai
      base_url: http://127.0.0.1:1337/v1
    - name: gemini
      type: gemini
      token: gemini-key
      model: gemini-2.0-flash-lite
discord:
  token: yaml-discord-token
  typing_interval: 3s
queue:
  size: 5
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))
	t.Setenv("KB_OPENAI_MODEL", "gpt-4o-mini")

	_ = execute(t, fmt.Sprintf("--config-file=%s", configPath), "version")

	assert.Equal(t, "/var/lib/kikebot/history.json", cfg.HistoryFile)
	assert.Equal(t, "standard", cfg.DefaultPersona)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model, "env should override the file")
	assert.Equal(t, 90*time.Second, cfg.OpenAI.RequestTimeout)
	assert.Equal(
		t,
		[]kikebot.ProviderConfig{
			{
				Name:    "local",
				Type:    kikebot.ProviderTypeOpenAI,
				BaseURL: "http://127.0.0.1:1337/v1",
			},
			{
				Name:  "gemini",
				Type:  kikebot.ProviderTypeGemini,
				Token: "gemini-key",
				Model: "gemini-2.0-flash-lite",
			},
		},
		cfg.OpenAI.Providers,
	)
	assert.Equal(t, "yaml-discord-token", cfg.Discord.Token)
	assert.Equal(t, 3*time.Second, cfg.Discord.TypingInterval)
	assert.Equal(t, 5, cfg.Queue.Size)
	assert.NoError(t, kikebot.ValidateConfig(cfg))
}

func TestLevelToStringHookFunc(t *testing.T) {
	t.Parallel()

	type levels struct {
		Level *slog.LevelVar `mapstructure:"level"`
	}

	var v levels
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			DecodeHook: LevelToStringHookFunc(),
			Result:     &v,
		},
	)
	require.NoError(t, err)
	require.NoError(t, decoder.Decode(map[string]any{"level": "warn"}))
	assert.Equal(t, slog.LevelWarn, v.Level.Level())

	decoder, err = mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			DecodeHook: LevelToStringHookFunc(),
			Result:     &v,
		},
	)
	require.NoError(t, err)
	assert.Error(t, decoder.Decode(map[string]any{"level": "loud"}))
}
