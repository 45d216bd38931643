package sensei

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// Set at build time with:
	// -ldflags "-X github.com/senseibot/sensei/sensei.Version=$$(git describe --tags)"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot is the discord front end. It dispatches prefix commands to a
// [TermSource], welcomes new members and optionally posts a scheduled
// term of the day.
type Bot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	discord   *Discord
	source    TermSource
	scheduler *TermScheduler

	// closeSource closes the database, when terms are generated locally
	closeSource func() error

	// signalReady has a value sent on it once the discord session is
	// open and handlers are registered
	signalReady chan struct{}
}

// New returns a Bot for config. Nothing is connected or opened until
// Run is called.
func New(config *Config) (*Bot, error) {
	var errs []error

	if config.Discord == nil {
		return nil, errors.New("discord config required")
	}
	if config.Terms == nil {
		errs = append(errs, errors.New("terms config required"))
	} else if config.Terms.Source != TermSourceLocal && config.Terms.Source != TermSourceRemote {
		errs = append(
			errs,
			fmt.Errorf("invalid term source %q (must be 'local' or 'remote')", config.Terms.Source),
		)
	}
	if config.LogLevel == nil {
		config.LogLevel = &slog.LevelVar{}
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}
	b.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	var discordLevel slog.Leveler = DefaultDiscordLogLevel
	if config.Discord.LogLevel != nil {
		discordLevel = config.Discord.LogLevel
	}
	var discordgoLevel slog.Leveler = DefaultDiscordgoLogLevel
	if config.Discord.DiscordGoLogLevel != nil {
		discordgoLevel = config.Discord.DiscordGoLogLevel
	}
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, discordgoLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	config.Discord.httpClient = config.HTTPClient
	b.discord = newDiscord(config.Discord, nil, newComponentLogger("discord", discordLevel))

	return b, errors.Join(errs...)
}

// Ready returns a channel that receives a value once the bot is running
func (b *Bot) Ready() <-chan struct{} {
	return b.signalReady
}

// Run connects to discord and handles commands until ctx is done, then
// shuts down, giving in-flight commands up to the configured shutdown
// timeout to finish.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.config.ValidateBot(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := b.logger.With(loggerNameKey, "bot")
	logger.InfoContext(ctx, "starting bot", "config", b.config)

	runtimeWG := &sync.WaitGroup{}

	// handlers get a context that outlives ctx, so a shutdown lets
	// in-flight commands finish. It's canceled if shutdown times out.
	handlerCtx, handlerCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer handlerCancel()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- b.initRun(startCtx, handlerCtx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		_ = b.shutdown(ctx, runtimeWG, handlerCancel)
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			_ = b.shutdown(ctx, runtimeWG, handlerCancel)
			return err
		}
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()
	return b.shutdown(ctx, runtimeWG, handlerCancel)
}

// initRun opens the term source, registers commands, connects to discord
// and starts the scheduler.
func (b *Bot) initRun(
	startCtx context.Context,
	handlerCtx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	if b.source == nil {
		source, closer, err := OpenTermSource(startCtx, b.config, b.logger)
		if err != nil {
			return err
		}
		b.source = source
		b.closeSource = closer
	}

	registry, err := NewCommandRegistry(
		b.config.Discord.Prefix,
		NewTermCommand(
			b.source,
			b.config.Discord.Prefix,
			b.config.Discord.ErrorMessage,
			b.discord.logger,
		),
	)
	if err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	b.discord.commands = registry

	if b.discord.session == nil {
		session, e := b.discord.newSession()
		if e != nil {
			return e
		}
		b.discord.session = session
	}

	b.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: b.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)
	b.discord.addHandlers(
		WithLogger(handlerCtx, b.discord.logger),
		func(f func()) {
			runtimeWG.Add(1)
			go func() {
				defer runtimeWG.Done()
				f()
			}()
		},
	)

	b.logger.InfoContext(startCtx, "connecting to discord")
	if err = b.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if b.config.Schedule != nil && b.config.Schedule.Enabled {
		scheduler, e := NewTermScheduler(b.config.Schedule, b.source, b.discord.session, b.logger)
		if e != nil {
			return fmt.Errorf("error creating scheduler: %w", e)
		}
		if e = scheduler.Start(handlerCtx); e != nil {
			return e
		}
		b.scheduler = scheduler
	}
	return nil
}

// OpenTermSource returns an [EngineClient] for remote sources, otherwise
// a [TermService] backed by the configured database and generator. The
// returned func closes anything that was opened, and is never nil.
func OpenTermSource(ctx context.Context, config *Config, logger *slog.Logger) (
	TermSource,
	func() error,
	error,
) {
	noop := func() error { return nil }
	if config.Terms.Source == TermSourceRemote {
		client, err := NewEngineClient(config.Terms, config.HTTPClient, logger)
		return client, noop, err
	}

	store, db, err := openTermStore(ctx, config, logger)
	closer := func() error { return closeDB(db) }
	if err != nil {
		_ = closer()
		return nil, noop, fmt.Errorf("error opening term log: %w", err)
	}
	generator, err := NewOpenAIGenerator(config.OpenAI, config.HTTPClient)
	if err != nil {
		_ = closer()
		return nil, noop, err
	}
	service := NewTermService(
		store,
		generator,
		config.Terms.HistoryWindow,
		config.Terms.HistoryLimit,
		logger,
	)
	return service, closer, nil
}

// shutdown stops the scheduler, closes the discord session and waits for
// in-flight handlers. If they don't finish within the shutdown timeout,
// their context is canceled and an error is returned.
func (b *Bot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	handlerCancel context.CancelFunc,
) error {
	shutdownStart := time.Now()
	logger := b.logger.With(loggerNameKey, "shutdown")
	logger.InfoContext(ctx, "shutting down")

	closeCtx, closeCancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	if b.scheduler != nil {
		b.scheduler.Stop(closeCtx)
	}

	if b.discord.session != nil {
		logger.InfoContext(ctx, "closing discord session")
		if err := b.discord.session.Close(); err != nil {
			logger.WarnContext(ctx, "error closing discord session", tint.Err(err))
		}
		b.discord.removeHandlers()
	}

	handlersDone := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(handlersDone)
	}()

	var err error
	select {
	case <-handlersDone:
		logger.InfoContext(
			ctx,
			"shutdown complete",
			"shutdown_duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		logger.WarnContext(ctx, "handlers did not stop in time, canceling")
		handlerCancel()
		err = errors.New("handlers did not stop in time")
	}

	if b.closeSource != nil {
		if closeErr := b.closeSource(); closeErr != nil {
			logger.ErrorContext(ctx, "error closing term source", tint.Err(closeErr))
		}
	}
	return err
}
