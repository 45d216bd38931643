package sensei

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
)

const (
	engineName = "engine"

	pathGenerateTerm = "/v1/generate-term"
	pathRecentTerms  = "/v1/recent-terms"
	pathStats        = "/v1/stats"

	detailGeneratorUnavailable = "AI service is not available."
	detailMalformedOutput      = "AI response format error."
	detailGenerateFailed       = "Failed to generate term."
	detailHistoryFailed        = "Failed to read recent terms."
)

// generateTermRequest is the engine's request body. It mirrors
// [TermRequest]'s JSON encoding.
type generateTermRequest struct {
	Category string `json:"category" binding:"required"`
	UserID   string `json:"userId" binding:"required"`
	GuildID  string `json:"guildId"`
	Platform string `json:"platform"`
}

type recentTermsResponse struct {
	Category string   `json:"category"`
	Window   string   `json:"window"`
	Limit    int      `json:"limit"`
	Terms    []string `json:"terms"`
}

type validationErrorDetail struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// Engine serves a [TermService] over HTTP.
type Engine struct {
	config  *Config
	service *TermService
	server  *httpServer
	logger  *slog.Logger

	// db is closed when Run returns, if set
	db *gorm.DB
}

// NewEngine returns an Engine serving service with the settings in
// config.Engine.
func NewEngine(config *Config, service *TermService) (*Engine, error) {
	if service == nil {
		return nil, errors.New("term service required")
	}
	server, err := newHTTPServer(engineName, config.Engine, config.Development)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		config:  config,
		service: service,
		server:  server,
		logger:  server.logger,
	}

	server.router.POST(pathGenerateTerm, e.generateTerm)
	server.router.GET(pathRecentTerms, e.recentTerms)
	server.router.GET(pathStats, e.stats)
	return e, nil
}

// Handler returns the engine's HTTP handler
func (e *Engine) Handler() http.Handler {
	return e.server.router
}

// Run serves until ctx is done. ready, if non-nil, is closed once the
// engine is listening.
func (e *Engine) Run(ctx context.Context, ready chan<- struct{}) error {
	defer func() {
		if err := closeDB(e.db); err != nil {
			e.logger.Error("error closing database", tint.Err(err))
		}
	}()
	return e.server.Serve(ctx, e.config.ShutdownTimeout, ready)
}

// RunEngine validates config, opens the term log and generator, and
// runs an [Engine] until ctx is done.
func RunEngine(ctx context.Context, config *Config, ready chan<- struct{}) error {
	if err := config.ValidateEngine(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newComponentLogger(engineName, config.Engine.LogLevel)
	logger.InfoContext(ctx, "starting engine", "config", config)

	startCtx, cancel := context.WithTimeout(ctx, config.StartupTimeout)
	defer cancel()

	store, db, err := openTermStore(startCtx, config, logger)
	if err != nil {
		_ = closeDB(db)
		return fmt.Errorf("error opening term log: %w", err)
	}
	generator, err := NewOpenAIGenerator(config.OpenAI, config.HTTPClient)
	if err != nil {
		_ = closeDB(db)
		return err
	}
	service := NewTermService(
		store,
		generator,
		config.Terms.HistoryWindow,
		config.Terms.HistoryLimit,
		logger,
	)

	engine, err := NewEngine(config, service)
	if err != nil {
		_ = closeDB(db)
		return err
	}
	engine.db = db
	return engine.Run(ctx, ready)
}

func (e *Engine) generateTerm(c *gin.Context) {
	logger := ginContextLogger(c, e.logger)

	var body generateTermRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		logger.Warn("invalid request body", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusUnprocessableEntity,
			httpError{Detail: bindingErrorDetail(err)},
		)
		return
	}

	category, err := ParseCategory([]string{body.Category})
	if err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Detail: invalidCategoryDetail()},
		)
		return
	}

	req := TermRequest{
		Category:    category,
		Platform:    body.Platform,
		RequesterID: body.UserID,
		OriginID:    body.GuildID,
	}
	result, err := e.service.AcquireTerm(requestContext(c, e.logger), req)
	if err != nil {
		_ = c.Error(err)
		status, detail := engineErrorStatus(err)
		c.AbortWithStatusJSON(status, httpError{Detail: detail})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (e *Engine) recentTerms(c *gin.Context) {
	category, err := ParseCategory([]string{c.Query(columnTermCategory)})
	if err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Detail: invalidCategoryDetail()},
		)
		return
	}

	terms, err := e.service.RecentTerms(requestContext(c, e.logger), category)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Detail: detailHistoryFailed},
		)
		return
	}
	if terms == nil {
		terms = []string{}
	}
	c.JSON(
		http.StatusOK, recentTermsResponse{
			Category: category,
			Window:   e.service.window.String(),
			Limit:    e.service.limit,
			Terms:    terms,
		},
	)
}

func (e *Engine) stats(c *gin.Context) {
	c.JSON(http.StatusOK, e.service.Stats())
}

// engineErrorStatus maps a [TermService.AcquireTerm] error to a response
// status and detail
func engineErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMalformedGeneratorOutput):
		return http.StatusInternalServerError, detailMalformedOutput
	case errors.Is(err, ErrGeneratorUnavailable):
		return http.StatusServiceUnavailable, detailGeneratorUnavailable
	default:
		return http.StatusInternalServerError, detailGenerateFailed
	}
}

func invalidCategoryDetail() string {
	return "Invalid category. Supported categories: " + strings.Join(Categories, ", ")
}

// bindingErrorDetail returns a list of field errors for validation
// failures, or the error string for anything else (ex: invalid JSON).
func bindingErrorDetail(err error) any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	details := make([]validationErrorDetail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(
			details, validationErrorDetail{
				Loc:  []string{"body", fe.Field()},
				Msg:  fmt.Sprintf("field failed '%s' validation", fe.Tag()),
				Type: fe.Tag(),
			},
		)
	}
	return details
}

// jsonFieldName reports fields by their JSON name in validation errors
func jsonFieldName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return field.Name
	default:
		return name
	}
}

//nolint:gochecknoinits // gin's validator is only reachable globally
func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(jsonFieldName)
	}
}
