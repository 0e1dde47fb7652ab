package cmd

import (
	"context"
	"fmt"
	"github.com/bastianbatory/KikeMorandeBot/kikebot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = kikebot.DefaultConfig()
	configFile string
	yamlFile   string
)

// legacyEnvVars are the unprefixed variable names read by earlier
// releases of the bot, still accepted as fallbacks
var legacyEnvVars = map[string][]string{
	"discord.token":                   {"DISCORD_BOT_TOKEN"},
	"discord.channel_id":              {"DISCORD_CHANNEL_ID"},
	"discord.replying_all":            {"REPLYING_ALL"},
	"discord.replying_all_channel_id": {"REPLYING_ALL_DISCORD_CHANNEL_ID"},
	"openai.enabled":                  {"OPENAI_ENABLED"},
	"openai.token":                    {"OPENAI_KEY"},
	"openai.model":                    {"MODEL"},
}

// logLevelKeys are converted from strings to *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"openai.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "kikebot [flags]",
	Short: "A Discord bot that chats through a language model",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func envPrefix() string {
	if prefix := os.Getenv(kikebot.EnvvarSetEnvPrefix); prefix != "" {
		return prefix
	}
	return kikebot.DefaultEnvPrefix
}

func setDefaults() {
	viper.SetDefault("history_file", kikebot.DefaultHistoryFile)
	viper.SetDefault("system_prompt_file", kikebot.DefaultSystemPromptFile)
	viper.SetDefault("personas_file", "")
	viper.SetDefault("default_persona", kikebot.DefaultPersona)

	viper.SetDefault("database", "")
	viper.SetDefault("database_type", kikebot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		kikebot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		kikebot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", kikebot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", kikebot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", kikebot.DefaultShutdownTimeout)

	viper.SetDefault("queue.size", 0)
	viper.SetDefault("queue.max_age", 0)

	// OpenAI config
	viper.SetDefault("openai.enabled", false)
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.model", kikebot.DefaultOpenAIModel)
	viper.SetDefault("openai.request_timeout", 0)
	viper.SetDefault(
		"openai.max_requests_per_second",
		kikebot.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.log_level", kikebot.DefaultOpenAILogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.channel_id", "")
	viper.SetDefault("discord.replying_all", false)
	viper.SetDefault("discord.replying_all_channel_id", "")
	viper.SetDefault("discord.private", false)
	viper.SetDefault("discord.error_message", "")
	viper.SetDefault("discord.custom_status", kikebot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.typing_interval", kikebot.DefaultTypingInterval)
	viper.SetDefault(
		"discord.log_level",
		kikebot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		kikebot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		kikebot.DefaultDiscordGatewayIntent,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", kikebot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.log_level", kikebot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", kikebot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		kikebot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", kikebot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", kikebot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", kikebot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", kikebot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", kikebot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", kikebot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", kikebot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		kikebot.DefaultAPICORSAllowCredentials,
	)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Fprintln(os.Stderr, "loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load env file %s: %v", configFile, err)
		}
	}

	setDefaults()

	if yamlFile != "" {
		viper.SetConfigFile(yamlFile)
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("error reading config file %s: %v", yamlFile, err)
		}
	}

	prefix := envPrefix()
	viper.SetEnvPrefix(prefix)
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for key, aliases := range legacyEnvVars {
		names := append(
			[]string{strings.ToUpper(prefix + "_" + replacer.Replace(key))},
			aliases...,
		)
		if err := viper.BindEnv(append([]string{key}, names...)...); err != nil {
			log.Fatalf("error binding %s: %v", key, err)
		}
	}

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load (defaults to .env)",
	)
	rootCmd.PersistentFlags().StringVar(
		&yamlFile,
		"config-file",
		"",
		"YAML config file to use",
	)
}
