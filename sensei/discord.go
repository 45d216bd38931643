package sensei

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Discord manages the gateway session, dispatches prefix commands and
// welcomes new guild members.
//
// Fields:
//   - session: The Discord session handler.
//   - config: Configuration for Discord integration.
//   - logger: Logger for Discord-related events.
//   - commands: Registered prefix commands.
//   - metricConnects: Counter for Discord connection events.
//   - metricDisconnects: Counter for Discord disconnection events.
//   - metricCommands: Counter for dispatched commands.
//   - connected: Atomic boolean indicating if the Discord connection is active.
//   - discordgoRemoveHandlerFuncs: Slice of functions to remove Discord event handlers.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	commands                    *CommandRegistry
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricCommands              atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, commands *CommandRegistry, logger *slog.Logger) *Discord {
	return &Discord{
		config:                      config,
		commands:                    commands,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates a new discordgo session with the configured token,
// log level and HTTP client.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = true
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// addHandlers registers gateway event handlers. Message and member
// handlers are run via spawn, so the caller can track in-flight work.
func (d *Discord) addHandlers(ctx context.Context, spawn func(func())) {
	if len(d.discordgoRemoveHandlerFuncs) > 0 {
		d.removeHandlers()
	}
	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				spawn(func() { d.handleMessage(ctx, m) })
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				if !d.config.Welcome.Enabled {
					return
				}
				spawn(func() { d.welcomeMember(ctx, m.Member) })
			},
		),
	}
}

func (d *Discord) removeHandlers() {
	for _, h := range d.discordgoRemoveHandlerFuncs {
		h()
	}
	d.discordgoRemoveHandlerFuncs = []func(){}
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", userID, "username", username),
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected", sessionLogAttrs(s)...)

		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("unable to set custom status", tint.Err(err))
			}
		}

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, err := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); err != nil {
				d.logger.Error("unable to send startup message", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", sessionLogAttrs(s)...)
	}
}

func sessionLogAttrs(s *discordgo.Session) []any {
	var sessionID, userID, username string
	if s != nil && s.State != nil {
		sessionID = s.State.SessionID
		if s.State.User != nil {
			userID = s.State.User.ID
			username = s.State.User.Username
		}
	}
	return []any{
		"session_id", sessionID,
		slog.Group("user", "id", userID, "username", username),
	}
}

// handleMessage dispatches prefixed messages to registered commands, and
// replies with the command's response. Messages from bots, and messages
// without the prefix, are ignored.
func (d *Discord) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	name, args, ok := ParseCommand(d.config.Prefix, m.Content)
	if !ok {
		return
	}

	logger := d.logger.With(
		slog.Group(
			"command",
			"name", name,
			"args", args,
			"message_id", m.ID,
			"channel_id", m.ChannelID,
			"guild_id", m.GuildID,
			"user_id", m.Author.ID,
		),
	)
	ctx = WithLogger(ctx, logger)

	cmd, found := d.commands.Get(name)
	if !found {
		logger.InfoContext(ctx, "unknown command")
		d.reply(ctx, m.Message, CommandResponse{
			Embeds: []*discordgo.MessageEmbed{unknownCommandEmbed(d.config.Prefix, name)},
		})
		return
	}

	d.metricCommands.Add(1)
	req := CommandRequest{
		Name: name,
		Args: args,
		Requester: Requester{
			UserID:    m.Author.ID,
			Tag:       userTag(m.Author),
			AvatarURL: m.Author.AvatarURL(""),
			GuildID:   m.GuildID,
			ChannelID: m.ChannelID,
		},
		Typing: func() {
			if err := d.session.ChannelTyping(m.ChannelID); err != nil {
				logger.DebugContext(ctx, "unable to send typing indicator", tint.Err(err))
			}
		},
	}

	start := time.Now()
	resp := d.executeCommand(ctx, cmd, req)
	d.reply(ctx, m.Message, resp)
	logger.InfoContext(
		ctx,
		fmt.Sprintf("command '%s' executed by %s", name, req.Requester.Tag),
		"duration", time.Since(start),
	)
}

// executeCommand runs cmd, converting a panic into an error response
func (*Discord) executeCommand(
	ctx context.Context,
	cmd Command,
	req CommandRequest,
) (resp CommandResponse) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			resp = CommandResponse{
				Embeds: []*discordgo.MessageEmbed{commandErrorEmbed()},
			}
		}
	}()
	return cmd.Execute(ctx, req)
}

// reply sends resp to the message's channel, referencing the message
func (d *Discord) reply(ctx context.Context, m *discordgo.Message, resp CommandResponse) {
	if resp.Empty() {
		return
	}
	logger := contextLoggerOr(ctx, d.logger)
	_, err := d.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content:   resp.Content,
			Embeds:    resp.Embeds,
			Reference: m.Reference(),
			AllowedMentions: &discordgo.MessageAllowedMentions{
				RepliedUser: true,
			},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "unable to send reply", tint.Err(err))
	}
}

// userTag returns the user's username, with a discriminator if the
// account still has one
func userTag(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	if u.Discriminator == "" || u.Discriminator == "0" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}

// DiscordSessionHandler is the subset of discordgo.Session used by the
// bot. It exists so the session can be replaced in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler, returning a
	// function that removes it
	AddHandler(handler any) func()

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// BotUserID returns the ID of the connected bot user, or an empty
	// string if not yet connected
	BotUserID() string

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds and/or a
	// message reference
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows the typing indicator in the given channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// UserChannelCreate returns the DM channel for the given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// Guild returns the given guild, from state if available
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)

	// GuildChannels returns the given guild's channels, from state if available
	GuildChannels(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Channel, error)

	// UserChannelPermissions returns the permissions the user has in the
	// given channel
	UserChannelPermissions(
		userID string,
		channelID string,
		options ...discordgo.RequestOption,
	) (int64, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) BotUserID() string {
	if d.session.State == nil || d.session.State.User == nil {
		return ""
	}
	return d.session.State.User.ID
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content", data.Content,
			"embeds", len(data.Embeds),
		)
	} else {
		d.logger.Debug(
			"sent message",
			"channel_id", channelID,
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	if d.session.State != nil {
		if g, err := d.session.State.Guild(guildID); err == nil {
			return g, nil
		}
	}
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) GuildChannels(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	if d.session.State != nil {
		if g, err := d.session.State.Guild(guildID); err == nil && len(g.Channels) > 0 {
			return g.Channels, nil
		}
	}
	return d.session.GuildChannels(guildID, options...)
}

func (d DiscordSession) UserChannelPermissions(
	userID string,
	channelID string,
	options ...discordgo.RequestOption,
) (int64, error) {
	return d.session.UserChannelPermissions(userID, channelID, options...)
}
