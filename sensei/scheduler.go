package sensei

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"log/slog"
	"time"
)

const (
	scheduledTermPlatform    = "schedule"
	scheduledTermRequesterID = "term-scheduler"
)

// channelMessageSender is satisfied by [DiscordSessionHandler]
type channelMessageSender interface {
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// TermScheduler posts a term of the day to a set of channels on a
// cron schedule.
type TermScheduler struct {
	cron    *cron.Cron
	config  *ScheduleConfig
	source  TermSource
	sender  channelMessageSender
	logger  *slog.Logger
	entryID cron.EntryID
	now     func() time.Time
}

// NewTermScheduler validates config and returns a scheduler that hasn't
// been started yet.
func NewTermScheduler(
	config *ScheduleConfig,
	source TermSource,
	sender channelMessageSender,
	logger *slog.Logger,
) (*TermScheduler, error) {
	if config == nil {
		return nil, errors.New("schedule config required")
	}
	if !IsCategory(config.Category) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, config.Category)
	}
	if len(config.ChannelIDs) == 0 {
		return nil, errors.New("at least one schedule channel ID is required")
	}

	loc := time.UTC
	if config.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(config.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule timezone: %w", err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &TermScheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		config: config,
		source: source,
		sender: sender,
		logger: logger.With(loggerNameKey, "term_scheduler"),
		now:    time.Now,
	}
	return s, nil
}

// Start schedules the term post and starts the cron runner. Jobs run
// with ctx, and stop being scheduled once Stop is called.
func (s *TermScheduler) Start(ctx context.Context) error {
	id, err := s.cron.AddFunc(
		s.config.Spec, func() {
			s.logger.InfoContext(ctx, "posting scheduled term")
			if e := s.PostTerm(ctx); e != nil {
				s.logger.ErrorContext(ctx, "scheduled term failed", tint.Err(e))
			}
		},
	)
	if err != nil {
		return fmt.Errorf("invalid schedule spec %q: %w", s.config.Spec, err)
	}
	s.entryID = id
	s.cron.Start()
	s.logger.InfoContext(
		ctx,
		"scheduler started",
		"spec", s.config.Spec,
		"category", s.config.Category,
		"next", s.cron.Entry(id).Next,
	)
	return nil
}

// Stop stops scheduling new jobs, and waits for running jobs to finish
// or ctx to be done.
func (s *TermScheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.InfoContext(ctx, "scheduler stopped")
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "timed out waiting for scheduled jobs")
	}
}

// PostTerm acquires a term for the configured category, and sends it to
// each configured channel. Channel send errors are joined.
func (s *TermScheduler) PostTerm(ctx context.Context) error {
	result, err := s.source.AcquireTerm(
		ctx,
		TermRequest{
			Category:    s.config.Category,
			Platform:    scheduledTermPlatform,
			RequesterID: scheduledTermRequesterID,
		},
	)
	if err != nil {
		return fmt.Errorf("error acquiring term (%s): %w", errorKind(err), err)
	}

	embed := termEmbed(result, Requester{}, s.now())
	embed.Title = "📅 Term of the Day: " + result.TermName

	var errs []error
	for _, channelID := range s.config.ChannelIDs {
		if _, e := s.sender.ChannelMessageSendComplex(
			channelID,
			&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
		); e != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channelID, e))
		}
	}
	return errors.Join(errs...)
}
