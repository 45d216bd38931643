package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/senseibot/sensei/sensei"
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

// rulesSeparator splits welcome rules set as a single string, since
// rules contain spaces
const rulesSeparator = ";"

var (
	cfg        = sensei.DefaultConfig()
	configFile string
)

// logLevelKeys are converted from strings to *slog.LevelVar before
// unmarshalling
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"openai.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"engine.log_level",
	"connector.log_level",
}

// stringSliceKeys are split on whitespace when set from the environment
var stringSliceKeys = []string{
	"discord.welcome.channel_names",
	"schedule.channel_ids",
	"engine.cors.allow_origins",
	"engine.cors.allow_methods",
	"engine.cors.allow_headers",
	"engine.cors.expose_headers",
	"connector.cors.allow_origins",
	"connector.cors.allow_methods",
	"connector.cors.allow_headers",
	"connector.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "sensei [flags]",
	Short: "Term of the day discord bot, with its engine and connector services",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// decoded into a new config, since decoding a shorter slice
		// into an existing one keeps its trailing elements
		config := &sensei.Config{}
		err := viper.Unmarshal(
			config,
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
		cfg = config
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (ex: "INFO") into
// *slog.LevelVar fields
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

// Execute runs the root command with a context that's canceled on
// SIGINT, SIGTERM or SIGHUP.
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
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setHTTPServerDefaults(prefix string, listen string) {
	viper.SetDefault(prefix+".listen", listen)
	viper.SetDefault(prefix+".listen_network", "tcp")
	viper.SetDefault(prefix+".log_level", sensei.DefaultHTTPLogLevel.String())
	viper.SetDefault(prefix+".read_timeout", sensei.DefaultReadTimeout)
	viper.SetDefault(prefix+".read_header_timeout", sensei.DefaultReadHeaderTimeout)
	viper.SetDefault(prefix+".write_timeout", sensei.DefaultWriteTimeout)
	viper.SetDefault(prefix+".idle_timeout", sensei.DefaultIdleTimeout)

	viper.SetDefault(prefix+".ssl.cert", "")
	viper.SetDefault(prefix+".ssl.key", "")
	viper.SetDefault(prefix+".ssl.tls_min_version", sensei.DefaultTLSMinVersion)

	viper.SetDefault(prefix+".cors.allow_origins", []string{})
	viper.SetDefault(prefix+".cors.allow_methods", sensei.DefaultCORSAllowMethods)
	viper.SetDefault(prefix+".cors.allow_headers", sensei.DefaultCORSAllowHeaders)
	viper.SetDefault(prefix+".cors.expose_headers", sensei.DefaultCORSExposeHeaders)
	viper.SetDefault(prefix+".cors.allow_credentials", sensei.DefaultCORSAllowCredentials)
	viper.SetDefault(prefix+".cors.max_age", sensei.DefaultCORSMaxAge)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", sensei.DefaultDatabase)
	viper.SetDefault("database_type", sensei.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", sensei.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", sensei.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)
	viper.SetDefault("log_level", sensei.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", sensei.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", sensei.DefaultShutdownTimeout)

	// Terms
	viper.SetDefault("terms.source", sensei.DefaultTermSource)
	viper.SetDefault("terms.connector_url", sensei.DefaultTermConnectorURL)
	viper.SetDefault("terms.request_timeout", sensei.DefaultTermRequestTimeout)
	viper.SetDefault("terms.history_window", sensei.DefaultTermHistoryWindow)
	viper.SetDefault("terms.history_limit", sensei.DefaultTermHistoryLimit)
	viper.SetDefault("terms.platform", sensei.DefaultTermPlatform)

	// OpenAI-compatible generator
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", sensei.DefaultOpenAIBaseURL)
	viper.SetDefault("openai.model", sensei.DefaultOpenAIModel)
	viper.SetDefault("openai.max_requests_per_second", sensei.DefaultOpenAIMaxRequestsPerSecond)
	viper.SetDefault("openai.log_level", sensei.DefaultOpenAILogLevel.String())

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.prefix", sensei.DefaultDiscordPrefix)
	viper.SetDefault("discord.log_level", sensei.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", sensei.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", sensei.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.custom_status", sensei.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.startup_message", sensei.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.error_message", sensei.DefaultDiscordErrorMessage)

	viper.SetDefault("discord.welcome.enabled", sensei.DefaultWelcomeEnabled)
	viper.SetDefault("discord.welcome.channel_names", sensei.DefaultWelcomeChannelNames)
	viper.SetDefault("discord.welcome.rules", sensei.DefaultWelcomeRules)
	viper.SetDefault("discord.welcome.send_dm", sensei.DefaultWelcomeSendDM)

	// Term of the day
	viper.SetDefault("schedule.enabled", sensei.DefaultScheduleEnabled)
	viper.SetDefault("schedule.spec", sensei.DefaultScheduleSpec)
	viper.SetDefault("schedule.category", sensei.DefaultScheduleCategory)
	viper.SetDefault("schedule.timezone", sensei.DefaultScheduleTimezone)
	viper.SetDefault("schedule.channel_ids", []string{})

	// Engine and connector services
	setHTTPServerDefaults("engine", sensei.DefaultEngineListen)
	setHTTPServerDefaults("connector", sensei.DefaultConnectorListen)
	viper.SetDefault("connector.engine_url", sensei.DefaultEngineURL)

	envPrefix := os.Getenv(sensei.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = sensei.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}
	viper.Set("discord.welcome.rules", splitRules(viper.Get("discord.welcome.rules")))

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

// splitRules returns rules as-is if they're already a slice, otherwise
// splits them on rulesSeparator
func splitRules(v any) []string {
	s, ok := v.(string)
	if !ok {
		return viper.GetStringSlice("discord.welcome.rules")
	}
	var rules []string
	for _, rule := range strings.Split(s, rulesSeparator) {
		if rule = strings.TrimSpace(rule); rule != "" {
			rules = append(rules, rule)
		}
	}
	return rules
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from (default: .env)",
	)
}
