package sensei

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	embedColorWelcome   = 0x00ff00
	embedColorRules     = 0x3498db
	embedColorWelcomeDM = 0x9b59b6
)

// findWelcomeChannel returns the first guild text channel whose name
// contains one of names (checked in order), or else the first text
// channel canSend allows. Channels are considered in position order.
// Returns nil if there's no suitable channel.
func findWelcomeChannel(
	channels []*discordgo.Channel,
	names []string,
	canSend func(*discordgo.Channel) bool,
) *discordgo.Channel {
	textChannels := make([]*discordgo.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch != nil && ch.Type == discordgo.ChannelTypeGuildText {
			textChannels = append(textChannels, ch)
		}
	}
	sort.SliceStable(
		textChannels, func(i, j int) bool {
			return textChannels[i].Position < textChannels[j].Position
		},
	)

	for _, name := range names {
		name = strings.ToLower(name)
		if name == "" {
			continue
		}
		for _, ch := range textChannels {
			if strings.Contains(strings.ToLower(ch.Name), name) {
				return ch
			}
		}
	}

	if canSend == nil {
		return nil
	}
	for _, ch := range textChannels {
		if canSend(ch) {
			return ch
		}
	}
	return nil
}

func guildMemberCount(g *discordgo.Guild) int {
	if g.MemberCount > 0 {
		return g.MemberCount
	}
	return g.ApproximateMemberCount
}

func welcomeEmbed(member *discordgo.Member, guild *discordgo.Guild, ts time.Time) *discordgo.MessageEmbed {
	memberCount := guildMemberCount(guild)
	return &discordgo.MessageEmbed{
		Color:       embedColorWelcome,
		Title:       fmt.Sprintf("🎉 Welcome to %s!", guild.Name),
		Description: fmt.Sprintf("Hello %s, we're excited to have you here!", member.User.Mention()),
		Thumbnail:   &discordgo.MessageEmbedThumbnail{URL: member.User.AvatarURL("")},
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "👤 Member Info",
				Value: fmt.Sprintf(
					"**Username:** %s\n**Tag:** %s\n**ID:** %s",
					member.User.Username,
					userTag(member.User),
					member.User.ID,
				),
				Inline: true,
			},
			{
				Name: "📊 Server Stats",
				Value: fmt.Sprintf(
					"**Total Members:** %d\n**You are member #%d**",
					memberCount,
					memberCount,
				),
				Inline: true,
			},
		},
		Timestamp: ts.UTC().Format(time.RFC3339),
		Footer: &discordgo.MessageEmbedFooter{
			Text:    fmt.Sprintf("Welcome to %s", guild.Name),
			IconURL: guild.IconURL(""),
		},
	}
}

func rulesEmbed(guild *discordgo.Guild, rules []string, ts time.Time) *discordgo.MessageEmbed {
	lines := make([]string, len(rules))
	for i, rule := range rules {
		lines[i] = fmt.Sprintf("%d. %s", i+1, rule)
	}
	return &discordgo.MessageEmbed{
		Color:       embedColorRules,
		Title:       "📋 Server Rules",
		Description: "Please read and follow these rules to keep our community friendly and welcoming:",
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "📜 Rules",
				Value: strings.Join(lines, "\n"),
			},
			{
				Name:  "⚠️ Important",
				Value: "Violation of these rules may result in warnings, mutes, or bans depending on severity.",
			},
		},
		Timestamp: ts.UTC().Format(time.RFC3339),
		Footer: &discordgo.MessageEmbedFooter{
			Text:    fmt.Sprintf("%s Rules", guild.Name),
			IconURL: guild.IconURL(""),
		},
	}
}

func welcomeDMEmbed(member *discordgo.Member, guild *discordgo.Guild, ts time.Time) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Color:       embedColorWelcomeDM,
		Title:       fmt.Sprintf("Welcome to %s! 🎉", guild.Name),
		Description: fmt.Sprintf("Hi %s! Thanks for joining our server.", member.User.Username),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "💡 Getting Started",
				Value: "Feel free to introduce yourself and explore the different channels!",
			},
			{
				Name:  "📋 Rules",
				Value: "Please make sure to read the server rules in the welcome channel.",
			},
		},
		Thumbnail: &discordgo.MessageEmbedThumbnail{URL: guild.IconURL("")},
		Timestamp: ts.UTC().Format(time.RFC3339),
	}
}

// welcomeMember posts welcome and rules embeds for a new member, and
// optionally DMs them. Failures are logged and otherwise ignored.
func (d *Discord) welcomeMember(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil || member.User.Bot {
		return
	}
	logger := d.logger.With(
		"guild_id", member.GuildID,
		slog.Group("member", "id", member.User.ID, "username", member.User.Username),
	)
	now := time.Now()

	guild, err := d.session.Guild(member.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "unable to get guild", tint.Err(err))
		return
	}
	channels, err := d.session.GuildChannels(member.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "unable to get guild channels", tint.Err(err))
		return
	}

	botUserID := d.session.BotUserID()
	channel := findWelcomeChannel(
		channels,
		d.config.Welcome.ChannelNames,
		func(ch *discordgo.Channel) bool {
			if botUserID == "" {
				return false
			}
			perms, permErr := d.session.UserChannelPermissions(botUserID, ch.ID)
			return permErr == nil && perms&discordgo.PermissionSendMessages != 0
		},
	)
	if channel == nil {
		logger.WarnContext(ctx, "no suitable welcome channel found", "guild_name", guild.Name)
	} else {
		_, err = d.session.ChannelMessageSendComplex(
			channel.ID,
			&discordgo.MessageSend{
				Content: fmt.Sprintf("%s has joined the server! 🎉", member.User.Mention()),
				Embeds: []*discordgo.MessageEmbed{
					welcomeEmbed(member, guild, now),
					rulesEmbed(guild, d.config.Welcome.Rules, now),
				},
			},
		)
		if err != nil {
			logger.ErrorContext(ctx, "error sending welcome message", tint.Err(err))
		} else {
			logger.InfoContext(ctx, "welcomed member", "channel_id", channel.ID)
		}
	}

	if d.config.Welcome.SendDM {
		d.sendWelcomeDM(ctx, member, guild, now)
	}
}

func (d *Discord) sendWelcomeDM(
	ctx context.Context,
	member *discordgo.Member,
	guild *discordgo.Guild,
	ts time.Time,
) {
	logger := d.logger.With("user_id", member.User.ID)
	dm, err := d.session.UserChannelCreate(member.User.ID)
	if err != nil {
		logger.WarnContext(ctx, "could not open DM channel", tint.Err(err))
		return
	}
	_, err = d.session.ChannelMessageSendComplex(
		dm.ID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{welcomeDMEmbed(member, guild, ts)},
		},
	)
	if err != nil {
		logger.WarnContext(ctx, "could not send welcome DM", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "sent welcome DM")
}
