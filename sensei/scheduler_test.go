package sensei

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestNewTermScheduler_Invalid(t *testing.T) {
	source := &stubTermSource{}
	session := newMockDiscordSession(t)

	_, err := NewTermScheduler(nil, source, session, nil)
	assert.Error(t, err)

	_, err = NewTermScheduler(
		&ScheduleConfig{Spec: "0 9 * * *", Category: "cooking", ChannelIDs: []string{"c1"}},
		source, session, nil,
	)
	assert.ErrorIs(t, err, ErrInvalidCategory)

	_, err = NewTermScheduler(
		&ScheduleConfig{Spec: "0 9 * * *", Category: "tech"},
		source, session, nil,
	)
	assert.ErrorContains(t, err, "channel ID")

	_, err = NewTermScheduler(
		&ScheduleConfig{Spec: "0 9 * * *", Category: "tech", Timezone: "Mars/Olympus", ChannelIDs: []string{"c1"}},
		source, session, nil,
	)
	assert.ErrorContains(t, err, "timezone")
}

func TestTermScheduler_PostTerm(t *testing.T) {
	source := &stubTermSource{
		result: TermResult{TermName: "Quantum Entanglement", TermDefinition: "Linked particle states."},
	}
	session := newMockDiscordSession(t)
	scheduler, err := NewTermScheduler(
		&ScheduleConfig{
			Spec:       "0 9 * * *",
			Category:   "science",
			Timezone:   "America/New_York",
			ChannelIDs: []string{"c1", "c2"},
		},
		source,
		session,
		testLogger(t),
	)
	require.NoError(t, err)
	scheduler.now = func() time.Time { return time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC) }

	require.NoError(t, scheduler.PostTerm(context.Background()))

	sent := session.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "c1", sent[0].ChannelID)
	assert.Equal(t, "c2", sent[1].ChannelID)
	embed := sent[0].Data.Embeds[0]
	assert.Equal(t, "📅 Term of the Day: Quantum Entanglement", embed.Title)
	assert.Equal(t, "Linked particle states.", embed.Description)
	assert.Equal(t, "2024-05-01T13:00:00Z", embed.Timestamp)
	assert.Nil(t, embed.Footer)

	requests := source.Requests()
	require.Len(t, requests, 1)
	assert.Equal(
		t,
		TermRequest{Category: "science", Platform: "schedule", RequesterID: "term-scheduler"},
		requests[0],
	)
}

func TestTermScheduler_PostTerm_Errors(t *testing.T) {
	config := &ScheduleConfig{Spec: "@daily", Category: "ai", ChannelIDs: []string{"c1"}}

	session := newMockDiscordSession(t)
	scheduler, err := NewTermScheduler(config, &stubTermSource{err: ErrGeneratorUnavailable}, session, nil)
	require.NoError(t, err)
	err = scheduler.PostTerm(context.Background())
	assert.ErrorIs(t, err, ErrGeneratorUnavailable)
	assert.Empty(t, session.Sent())

	session.sendErr = errors.New("missing access")
	scheduler, err = NewTermScheduler(
		config,
		&stubTermSource{result: TermResult{TermName: "LLM", TermDefinition: "A large language model."}},
		session,
		nil,
	)
	require.NoError(t, err)
	err = scheduler.PostTerm(context.Background())
	assert.ErrorContains(t, err, "channel c1: missing access")
}

func TestTermScheduler_StartStop(t *testing.T) {
	session := newMockDiscordSession(t)
	scheduler, err := NewTermScheduler(
		&ScheduleConfig{Spec: "not a spec", Category: "ai", ChannelIDs: []string{"c1"}},
		&stubTermSource{},
		session,
		testLogger(t),
	)
	require.NoError(t, err)
	assert.ErrorContains(t, scheduler.Start(context.Background()), "invalid schedule spec")

	scheduler, err = NewTermScheduler(
		&ScheduleConfig{Spec: "0 9 * * *", Category: "ai", ChannelIDs: []string{"c1"}},
		&stubTermSource{},
		session,
		testLogger(t),
	)
	require.NoError(t, err)
	require.NoError(t, scheduler.Start(context.Background()))
	assert.False(t, scheduler.cron.Entry(scheduler.entryID).Next.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	scheduler.Stop(ctx)
	assert.Empty(t, session.Sent())
}
