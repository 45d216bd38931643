package sensei

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

type panicCommand struct{}

func (panicCommand) Name() string { return "explode" }

func (panicCommand) Description() string { return "panics" }

func (panicCommand) Execute(context.Context, CommandRequest) CommandResponse {
	panic("kaboom")
}

func newTestDiscord(t testing.TB, source TermSource) (*Discord, *mockDiscordSession) {
	t.Helper()
	config := DefaultConfig().Discord
	config.Token = "token"
	registry, err := NewCommandRegistry(
		config.Prefix,
		NewTermCommand(source, config.Prefix, config.ErrorMessage, testLogger(t)),
		panicCommand{},
	)
	require.NoError(t, err)

	d := newDiscord(config, registry, testLogger(t))
	session := newMockDiscordSession(t)
	d.session = session
	return d, session
}

func newMessage(content string, author *discordgo.User) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "m1",
			ChannelID: "c1",
			GuildID:   "g1",
			Content:   content,
			Author:    author,
		},
	}
}

func TestDiscord_HandleMessage_Term(t *testing.T) {
	source := &stubTermSource{
		result: TermResult{TermName: "Churn Rate", TermDefinition: "Rate customers leave."},
	}
	d, session := newTestDiscord(t, source)

	d.handleMessage(
		context.Background(),
		newMessage("!term marketing", &discordgo.User{ID: "u1", Username: "ada", Discriminator: "0"}),
	)

	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "c1", sent[0].ChannelID)
	require.Len(t, sent[0].Data.Embeds, 1)
	assert.Equal(t, "📘 Churn Rate", sent[0].Data.Embeds[0].Title)
	assert.Equal(t, "Requested by ada", sent[0].Data.Embeds[0].Footer.Text)
	require.NotNil(t, sent[0].Data.Reference)
	assert.Equal(t, "m1", sent[0].Data.Reference.MessageID)

	requests := source.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "marketing", requests[0].Category)
	assert.Equal(t, "u1", requests[0].RequesterID)
	assert.Equal(t, "g1", requests[0].OriginID)
	assert.Equal(t, int64(1), d.metricCommands.Load())
}

func TestDiscord_HandleMessage_Ignored(t *testing.T) {
	source := &stubTermSource{}
	d, session := newTestDiscord(t, source)
	ctx := context.Background()

	d.handleMessage(ctx, newMessage("!term tech", &discordgo.User{ID: "b1", Bot: true}))
	d.handleMessage(ctx, newMessage("hello there", &discordgo.User{ID: "u1"}))
	d.handleMessage(ctx, newMessage("!term tech", nil))
	d.handleMessage(ctx, nil)

	assert.Empty(t, session.Sent())
	assert.Empty(t, source.Requests())
}

func TestDiscord_HandleMessage_UnknownCommand(t *testing.T) {
	d, session := newTestDiscord(t, &stubTermSource{})

	d.handleMessage(context.Background(), newMessage("!define tech", &discordgo.User{ID: "u1"}))

	sent := session.Sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Data.Embeds, 1)
	embed := sent[0].Data.Embeds[0]
	assert.Equal(t, "❌ Unknown Command", embed.Title)
	assert.Equal(
		t,
		"Command `define` not found. Use `!help` to see available commands.",
		embed.Description,
	)
	assert.Zero(t, d.metricCommands.Load())
}

func TestDiscord_HandleMessage_Panic(t *testing.T) {
	d, session := newTestDiscord(t, &stubTermSource{})

	assert.NotPanics(
		t, func() {
			d.handleMessage(context.Background(), newMessage("!explode", &discordgo.User{ID: "u1"}))
		},
	)

	sent := session.Sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Data.Embeds, 1)
	assert.Equal(t, "⚠️ Command Error", sent[0].Data.Embeds[0].Title)
	assert.Equal(t, "There was an error executing this command.", sent[0].Data.Embeds[0].Description)
}

func TestDiscord_HandleMessage_UsageReply(t *testing.T) {
	source := &stubTermSource{}
	d, session := newTestDiscord(t, source)

	d.handleMessage(context.Background(), newMessage("!term", &discordgo.User{ID: "u1"}))

	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "Please provide a category")
	assert.Empty(t, source.Requests())
}

func TestDiscord_AddHandlers(t *testing.T) {
	d, session := newTestDiscord(t, &stubTermSource{})

	var spawned sync.WaitGroup
	d.addHandlers(
		context.Background(), func(f func()) {
			spawned.Add(1)
			go func() {
				defer spawned.Done()
				f()
			}()
		},
	)
	assert.Len(t, session.handlers, 5)
	assert.Len(t, d.discordgoRemoveHandlerFuncs, 5)

	var onMessage func(*discordgo.Session, *discordgo.MessageCreate)
	for _, h := range session.handlers {
		if f, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			onMessage = f
		}
	}
	require.NotNil(t, onMessage)
	onMessage(nil, newMessage("!help", &discordgo.User{ID: "u1"}))
	spawned.Wait()

	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "📖 Commands", sent[0].Data.Embeds[0].Title)

	d.removeHandlers()
	assert.Empty(t, d.discordgoRemoveHandlerFuncs)
}

func TestDiscord_HandlerConnect(t *testing.T) {
	d, session := newTestDiscord(t, &stubTermSource{})
	d.config.NotificationChannelID = "notify"

	d.handlerConnect()(nil, &discordgo.Connect{})

	assert.True(t, d.connected.Load())
	assert.Equal(t, DefaultDiscordCustomStatus, session.status)
	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "notify", sent[0].ChannelID)
	assert.Equal(t, DefaultDiscordStartupMessage, sent[0].Content)

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestUserTag(t *testing.T) {
	assert.Equal(t, "ada", userTag(&discordgo.User{Username: "ada", Discriminator: "0"}))
	assert.Equal(t, "ada#1234", userTag(&discordgo.User{Username: "ada", Discriminator: "1234"}))
	assert.Equal(t, "", userTag(nil))
}
