package sensei

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// Categories are the term categories users may request, in the order
// they're listed to users.
var Categories = []string{
	"tech",
	"technology",
	"business",
	"finance",
	"marketing",
	"startup",
	"ai",
	"science",
	"cryptocurrency",
}

const (
	termPromptFormat = "Give me one important and trending %s term of the day with " +
		"its definition. Format it as \"Term: Definition\". The definition " +
		"should be concise (under 60 words)."
	termPromptExclusionFormat = " Do not use any of the following terms: %s."
)

// TermRequest is a request for a new term. Category must already have
// been validated with [ParseCategory].
type TermRequest struct {
	Category string `json:"category"`

	// Platform the request originated from (ex: "discord")
	Platform string `json:"platform,omitempty"`

	// RequesterID identifies the requesting user
	RequesterID string `json:"userId,omitempty"`

	// OriginID identifies where the request came from (ex: a guild ID).
	OriginID string `json:"guildId,omitempty"`
}

func (r TermRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnTermCategory, r.Category),
		slog.String("platform", r.Platform),
		slog.String("requester_id", r.RequesterID),
		slog.String("origin_id", r.OriginID),
	)
}

// TermResult is a parsed term and its definition. Both fields are
// always non-empty.
type TermResult struct {
	TermName       string `json:"termName"`
	TermDefinition string `json:"termDefinition"`
}

// TermSource is anything that can produce a new term for a category.
// [TermService] generates terms itself, [EngineClient] asks a remote engine.
type TermSource interface {
	AcquireTerm(ctx context.Context, req TermRequest) (TermResult, error)
}

// IsCategory returns true if s is one of [Categories]
func IsCategory(s string) bool {
	return slices.Contains(Categories, s)
}

// ParseCategory returns the lower-cased first argument if it's a
// supported category. It returns [ErrMissingCategory] if args is empty,
// or [ErrInvalidCategory] if the category isn't supported.
func ParseCategory(args []string) (string, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", ErrMissingCategory
	}
	category := strings.ToLower(strings.TrimSpace(args[0]))
	if !IsCategory(category) {
		return category, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	return category, nil
}

// BuildPrompt returns the generation prompt for category. If recent is
// non-empty, the prompt asks the generator not to repeat any of them.
func BuildPrompt(category string, recent []string) string {
	prompt := fmt.Sprintf(termPromptFormat, category)
	if len(recent) > 0 {
		prompt += fmt.Sprintf(termPromptExclusionFormat, strings.Join(recent, ", "))
	}
	return prompt
}

// ParseTermResponse parses generator output in the form "Term: Definition".
// Only the first colon separates the term from its definition. Both sides
// are trimmed, and must be non-empty.
func ParseTermResponse(raw string) (TermResult, error) {
	name, definition, found := strings.Cut(raw, ":")
	if !found {
		return TermResult{}, fmt.Errorf(
			"%w: no separator in %q",
			ErrMalformedGeneratorOutput,
			truncate(raw, 100),
		)
	}
	result := TermResult{
		TermName:       strings.TrimSpace(name),
		TermDefinition: strings.TrimSpace(definition),
	}
	if result.TermName == "" || result.TermDefinition == "" {
		return TermResult{}, fmt.Errorf(
			"%w: empty term or definition in %q",
			ErrMalformedGeneratorOutput,
			truncate(raw, 100),
		)
	}
	return result, nil
}

// TermService acquires new terms from a [TermGenerator], steering it away
// from terms recently issued for the same category, and logs each
// issued term to a [TermStore].
type TermService struct {
	store     TermStore
	generator TermGenerator
	logger    *slog.Logger

	// window and limit bound the recent terms listed in the prompt
	window time.Duration
	limit  int

	// now is used for the window cutoff and issue timestamps
	now func() time.Time

	metricTermsIssued        atomic.Int64
	metricGeneratorFailures  atomic.Int64
	metricMalformedResponses atomic.Int64
	metricHistoryReadErrors  atomic.Int64
	metricPersistenceErrors  atomic.Int64
}

// NewTermService returns a TermService using the given store and
// generator. window and limit bound the exclusion list (zero values
// use [DefaultTermHistoryWindow] and [DefaultTermHistoryLimit]).
func NewTermService(
	store TermStore,
	generator TermGenerator,
	window time.Duration,
	limit int,
	logger *slog.Logger,
) *TermService {
	if window <= 0 {
		window = DefaultTermHistoryWindow
	}
	if limit <= 0 {
		limit = DefaultTermHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TermService{
		store:     store,
		generator: generator,
		logger:    logger.With(loggerNameKey, "term_service"),
		window:    window,
		limit:     limit,
		now:       time.Now,
	}
}

// RecentTerms returns the terms that would currently be excluded for
// category, newest first.
func (s *TermService) RecentTerms(ctx context.Context, category string) ([]string, error) {
	since := s.now().Add(-s.window)
	return s.store.RecentTerms(ctx, category, since, s.limit)
}

// AcquireTerm generates a new term for req.Category.
//
// If recent terms can't be read, the term is generated without any
// exclusions. If the new term can't be logged, it's still returned.
// Both cases are logged at WARN, and only degrade future deduplication.
func (s *TermService) AcquireTerm(ctx context.Context, req TermRequest) (TermResult, error) {
	logger := contextLoggerOr(ctx, s.logger).With("term_request", req)

	recent, err := s.RecentTerms(ctx, req.Category)
	if err != nil {
		s.metricHistoryReadErrors.Add(1)
		logger.WarnContext(
			ctx,
			"unable to read recent terms, generating without exclusions",
			tint.Err(err),
		)
		recent = nil
	}

	prompt := BuildPrompt(req.Category, recent)
	logger.DebugContext(ctx, "generating term", "prompt", prompt, "excluded", len(recent))

	raw, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		s.metricGeneratorFailures.Add(1)
		return TermResult{}, err
	}

	result, err := ParseTermResponse(raw)
	if err != nil {
		s.metricMalformedResponses.Add(1)
		return TermResult{}, err
	}

	if slices.Contains(recent, result.TermName) {
		logger.InfoContext(
			ctx,
			"generator repeated an excluded term",
			"term", result.TermName,
		)
	}

	record := &TermRecord{
		Term:      result.TermName,
		Category:  req.Category,
		Timestamp: s.now().UnixMilli(),
	}
	if err = s.store.AppendTerm(ctx, record); err != nil {
		s.metricPersistenceErrors.Add(1)
		logger.WarnContext(
			ctx,
			"unable to log issued term",
			tint.Err(err),
			"term", result.TermName,
		)
	}
	s.metricTermsIssued.Add(1)
	logger.InfoContext(ctx, "issued term", "term", result.TermName)

	return result, nil
}

// TermServiceStats are counters reported by [TermService.Stats]
type TermServiceStats struct {
	TermsIssued        int64 `json:"terms_issued"`
	GeneratorFailures  int64 `json:"generator_failures"`
	MalformedResponses int64 `json:"malformed_responses"`
	HistoryReadErrors  int64 `json:"history_read_errors"`
	PersistenceErrors  int64 `json:"persistence_errors"`
}

func (s *TermService) Stats() TermServiceStats {
	return TermServiceStats{
		TermsIssued:        s.metricTermsIssued.Load(),
		GeneratorFailures:  s.metricGeneratorFailures.Load(),
		MalformedResponses: s.metricMalformedResponses.Load(),
		HistoryReadErrors:  s.metricHistoryReadErrors.Load(),
		PersistenceErrors:  s.metricPersistenceErrors.Load(),
	}
}
