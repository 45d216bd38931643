package sensei

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func textChannel(id, name string, position int) *discordgo.Channel {
	return &discordgo.Channel{
		ID:       id,
		Name:     name,
		Position: position,
		Type:     discordgo.ChannelTypeGuildText,
	}
}

func TestFindWelcomeChannel(t *testing.T) {
	channels := []*discordgo.Channel{
		textChannel("rules", "rules", 0),
		textChannel("chat", "general-chat", 2),
		{ID: "voice", Name: "welcome-voice", Type: discordgo.ChannelTypeGuildVoice, Position: 1},
		textChannel("lobby", "Lobby", 3),
		textChannel("welcome", "👋-welcome", 4),
	}
	names := DefaultWelcomeChannelNames

	t.Run(
		"name priority beats position", func(t *testing.T) {
			ch := findWelcomeChannel(channels, names, nil)
			require.NotNil(t, ch)
			assert.Equal(t, "welcome", ch.ID)
		},
	)
	t.Run(
		"later names", func(t *testing.T) {
			ch := findWelcomeChannel(channels[:4], names, nil)
			require.NotNil(t, ch)
			assert.Equal(t, "chat", ch.ID)
		},
	)
	t.Run(
		"case insensitive", func(t *testing.T) {
			ch := findWelcomeChannel(channels, []string{"LOBBY"}, nil)
			require.NotNil(t, ch)
			assert.Equal(t, "lobby", ch.ID)
		},
	)
	t.Run(
		"fallback to first sendable", func(t *testing.T) {
			ch := findWelcomeChannel(
				channels,
				[]string{"nope"},
				func(ch *discordgo.Channel) bool { return ch.ID != "rules" },
			)
			require.NotNil(t, ch)
			assert.Equal(t, "chat", ch.ID)
		},
	)
	t.Run(
		"nothing suitable", func(t *testing.T) {
			ch := findWelcomeChannel(
				channels,
				[]string{"nope"},
				func(*discordgo.Channel) bool { return false },
			)
			assert.Nil(t, ch)
			assert.Nil(t, findWelcomeChannel(nil, names, nil))
		},
	)
}

func newWelcomeTest(t *testing.T) (*Discord, *mockDiscordSession, *discordgo.Member) {
	t.Helper()
	d, session := newTestDiscord(t, &stubTermSource{})
	session.guild = &discordgo.Guild{ID: "g1", Name: "Sensei HQ", MemberCount: 42}
	session.channels = []*discordgo.Channel{
		textChannel("c-rules", "rules", 0),
		textChannel("c-general", "general", 1),
	}
	member := &discordgo.Member{
		GuildID: "g1",
		User:    &discordgo.User{ID: "u1", Username: "ada", Discriminator: "0"},
	}
	return d, session, member
}

func TestDiscord_WelcomeMember(t *testing.T) {
	d, session, member := newWelcomeTest(t)

	d.welcomeMember(context.Background(), member)

	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "c-general", sent[0].ChannelID)
	assert.Equal(t, "<@u1> has joined the server! 🎉", sent[0].Content)
	require.Len(t, sent[0].Data.Embeds, 2)

	welcome := sent[0].Data.Embeds[0]
	assert.Equal(t, "🎉 Welcome to Sensei HQ!", welcome.Title)
	require.Len(t, welcome.Fields, 2)
	assert.Contains(t, welcome.Fields[1].Value, "**Total Members:** 42")

	rules := sent[0].Data.Embeds[1]
	assert.Equal(t, "📋 Server Rules", rules.Title)
	assert.Contains(t, rules.Fields[0].Value, "1. "+DefaultWelcomeRules[0])
}

func TestDiscord_WelcomeMember_DM(t *testing.T) {
	d, session, member := newWelcomeTest(t)
	d.config.Welcome.SendDM = true

	d.welcomeMember(context.Background(), member)

	sent := session.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "dm-u1", sent[1].ChannelID)
	assert.Equal(t, "Welcome to Sensei HQ! 🎉", sent[1].Data.Embeds[0].Title)
}

func TestDiscord_WelcomeMember_PermissionFallback(t *testing.T) {
	d, session, member := newWelcomeTest(t)
	session.channels = []*discordgo.Channel{
		textChannel("c-readonly", "announcements", 0),
		textChannel("c-chat", "chat", 1),
	}
	session.permissions["c-chat"] = discordgo.PermissionSendMessages

	d.welcomeMember(context.Background(), member)

	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "c-chat", sent[0].ChannelID)
}

func TestDiscord_WelcomeMember_Skipped(t *testing.T) {
	d, session, member := newWelcomeTest(t)

	member.User.Bot = true
	d.welcomeMember(context.Background(), member)
	assert.Empty(t, session.Sent())

	member.User.Bot = false
	member.GuildID = "unknown"
	d.welcomeMember(context.Background(), member)
	assert.Empty(t, session.Sent())

	member.GuildID = "g1"
	session.channels = nil
	d.welcomeMember(context.Background(), member)
	assert.Empty(t, session.Sent())
}
