package sensei

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	embedColorTerm = 0x1abc9c

	termUsageMessage = "❌ Please provide a category. Example: `%sterm tech`, " +
		"`%sterm finance`, `%sterm business`."
	termInvalidCategoryMessage = "❌ Invalid category. Try one of: %s"
)

// TermCommand handles `term <category>`: it validates the category,
// acquires a term from its [TermSource] and renders it as an embed.
type TermCommand struct {
	source       TermSource
	prefix       string
	errorMessage string
	platform     string
	logger       *slog.Logger

	// now is used for embed timestamps
	now func() time.Time
}

// NewTermCommand returns a TermCommand. errorMessage is shown to users
// whenever a term can't be acquired, regardless of the cause.
func NewTermCommand(
	source TermSource,
	prefix string,
	errorMessage string,
	logger *slog.Logger,
) *TermCommand {
	if errorMessage == "" {
		errorMessage = DefaultDiscordErrorMessage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TermCommand{
		source:       source,
		prefix:       prefix,
		errorMessage: errorMessage,
		platform:     DefaultTermPlatform,
		logger:       logger.With(loggerNameKey, "term_command"),
		now:          time.Now,
	}
}

func (*TermCommand) Name() string {
	return commandNameTerm
}

func (*TermCommand) Description() string {
	return fmt.Sprintf(
		"Get a trending term of the day. Categories: %s",
		strings.Join(Categories, ", "),
	)
}

func (c *TermCommand) Execute(ctx context.Context, req CommandRequest) CommandResponse {
	logger := contextLoggerOr(ctx, c.logger)

	category, err := ParseCategory(req.Args)
	switch {
	case errors.Is(err, ErrMissingCategory):
		return CommandResponse{
			Content: fmt.Sprintf(termUsageMessage, c.prefix, c.prefix, c.prefix),
		}
	case errors.Is(err, ErrInvalidCategory):
		logger.InfoContext(ctx, "invalid category requested", "category", category)
		return CommandResponse{
			Content: fmt.Sprintf(termInvalidCategoryMessage, strings.Join(Categories, ", ")),
		}
	}

	if req.Typing != nil {
		go req.Typing()
	}

	result, err := c.source.AcquireTerm(
		ctx,
		TermRequest{
			Category:    category,
			Platform:    c.platform,
			RequesterID: req.Requester.UserID,
			OriginID:    req.Requester.GuildID,
		},
	)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"unable to acquire term",
			tint.Err(err),
			"error_kind", errorKind(err),
			"category", category,
		)
		return CommandResponse{Content: c.errorMessage}
	}

	return CommandResponse{
		Embeds: []*discordgo.MessageEmbed{
			termEmbed(result, req.Requester, c.now()),
		},
	}
}

// termEmbed renders result, attributed to requester. A zero Requester
// (ex: a scheduled post) omits the footer.
func termEmbed(result TermResult, requester Requester, ts time.Time) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "📘 " + result.TermName,
		Description: result.TermDefinition,
		Color:       embedColorTerm,
		Timestamp:   ts.UTC().Format(time.RFC3339),
	}
	if requester.Tag != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text:    "Requested by " + requester.Tag,
			IconURL: requester.AvatarURL,
		}
	}
	return embed
}
