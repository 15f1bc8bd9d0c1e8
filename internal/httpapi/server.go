// Package httpapi exposes the pipeline over HTTP: read-only inspection
// endpoints plus token-guarded triggers for running phases on demand.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/tape/internal/db"
	"horse.fit/tape/internal/globaltime"
	"horse.fit/tape/internal/ingest"
	"horse.fit/tape/internal/orch"
	"horse.fit/tape/internal/resolve"
)

const maxPayloadBytes = 1 << 20

// Options configures the HTTP server.
type Options struct {
	Host              string
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	DefaultBatchLimit int
	MaxBatchLimit     int
}

// Server serves the tape API.
type Server struct {
	pool          *db.Pool
	orchestrator  *orch.Orchestrator
	ingestService *ingest.Service
	logger        zerolog.Logger
	triggerSecret string
	opts          Options
}

func NewServer(
	pool *db.Pool,
	orchestrator *orch.Orchestrator,
	ingestService *ingest.Service,
	logger zerolog.Logger,
	triggerSecret string,
	opts Options,
) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 11 * time.Minute
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	defaultBatchLimit := opts.DefaultBatchLimit
	if defaultBatchLimit <= 0 {
		defaultBatchLimit = 50
	}
	maxBatchLimit := opts.MaxBatchLimit
	if maxBatchLimit <= 0 {
		maxBatchLimit = 200
	}

	return &Server{
		pool:          pool,
		orchestrator:  orchestrator,
		ingestService: ingestService,
		logger:        logger,
		triggerSecret: triggerSecret,
		opts: Options{
			Host:              host,
			Port:              port,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			ShutdownTimeout:   shutdownTimeout,
			DefaultBatchLimit: defaultBatchLimit,
			MaxBatchLimit:     maxBatchLimit,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/runs", s.handleRuns)
	api.GET("/threads", s.handleThreads)

	api.POST("/items", s.handleSubmitItem, s.requireTriggerToken)
	api.POST("/phases/all", s.handleRunSequence, s.requireTriggerToken)
	api.POST("/phases/:phase", s.handleRunPhase, s.requireTriggerToken)

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("tape api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("tape api server stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	return success(c, map[string]any{
		"service": "tape",
		"time":    globaltime.UTC(),
	})
}

type statsResponse struct {
	ItemsByStatus   map[string]int64 `json:"items_by_status"`
	QueueDepth      int64            `json:"queue_depth"`
	OpenThreads     int64            `json:"open_threads"`
	ClosedThreads   int64            `json:"closed_threads"`
	RunningRuns     int64            `json:"running_runs"`
	LastRunFinished *time.Time       `json:"last_run_finished,omitempty"`
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.queryStats(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("query stats failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

func (s *Server) queryStats(ctx context.Context) (*statsResponse, error) {
	stats := &statsResponse{ItemsByStatus: map[string]int64{}}

	rows, err := s.pool.Query(ctx, `
SELECT status, COUNT(*)::BIGINT
FROM wire.items
GROUP BY status
ORDER BY status
`)
	if err != nil {
		return nil, fmt.Errorf("query item status counts: %w", err)
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan item status count: %w", err)
		}
		stats.ItemsByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item status counts: %w", err)
	}

	const summaryQuery = `
SELECT
	(SELECT COUNT(*) FROM wire.resolve_queue) AS queue_depth,
	(SELECT COUNT(*) FROM wire.threads WHERE status = 'open') AS open_threads,
	(SELECT COUNT(*) FROM wire.threads WHERE status = 'closed') AS closed_threads,
	(SELECT COUNT(*) FROM wire.pipeline_runs WHERE status = 'running') AS running_runs,
	(SELECT MAX(finished_at) FROM wire.pipeline_runs) AS last_run_finished
`
	if err := s.pool.QueryRow(ctx, summaryQuery).Scan(
		&stats.QueueDepth,
		&stats.OpenThreads,
		&stats.ClosedThreads,
		&stats.RunningRuns,
		&stats.LastRunFinished,
	); err != nil {
		return nil, fmt.Errorf("query summary stats: %w", err)
	}

	return stats, nil
}

type runListItem struct {
	RunUUID        string     `json:"run_uuid"`
	RunType        string     `json:"run_type"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsCreated   int        `json:"items_created"`
	ErrorCount     int        `json:"error_count"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
}

func (s *Server) handleRuns(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), 25, 1, 200)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	runType := strings.TrimSpace(strings.ToLower(c.QueryParam("type")))
	if runType != "" && !db.RunType(runType).Valid() {
		return failValidation(c, map[string]string{"type": "unknown run type"})
	}

	const q = `
SELECT
	run_uuid::text,
	run_type,
	status,
	started_at,
	finished_at,
	items_processed,
	items_created,
	error_count,
	error_message
FROM wire.pipeline_runs
WHERE ($1 = '' OR run_type = $1)
ORDER BY started_at DESC
LIMIT $2
`
	rows, err := s.pool.Query(c.Request().Context(), q, runType, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("query runs failed")
		return internalError(c, "Failed to load runs")
	}
	defer rows.Close()

	items := make([]runListItem, 0, limit)
	for rows.Next() {
		var row runListItem
		if err := rows.Scan(
			&row.RunUUID,
			&row.RunType,
			&row.Status,
			&row.StartedAt,
			&row.FinishedAt,
			&row.ItemsProcessed,
			&row.ItemsCreated,
			&row.ErrorCount,
			&row.ErrorMessage,
		); err != nil {
			s.logger.Error().Err(err).Msg("scan run row failed")
			return internalError(c, "Failed to load runs")
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error().Err(err).Msg("iterate run rows failed")
		return internalError(c, "Failed to load runs")
	}

	return success(c, map[string]any{
		"items": items,
		"limit": limit,
	})
}

type threadListItem struct {
	ThreadUUID    string    `json:"thread_uuid"`
	Title         string    `json:"title"`
	Status        string    `json:"status"`
	MemberCount   int       `json:"member_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

func (s *Server) handleThreads(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), 25, 1, 200)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	status := strings.TrimSpace(strings.ToLower(c.QueryParam("status")))
	if status != "" && status != db.ThreadOpen && status != db.ThreadClosed {
		return failValidation(c, map[string]string{"status": "must be open or closed"})
	}

	const q = `
SELECT
	thread_uuid::text,
	title,
	status,
	member_count,
	created_at,
	last_updated_at
FROM wire.threads
WHERE ($1 = '' OR status = $1)
ORDER BY last_updated_at DESC
LIMIT $2
`
	rows, err := s.pool.Query(c.Request().Context(), q, status, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("query threads failed")
		return internalError(c, "Failed to load threads")
	}
	defer rows.Close()

	items := make([]threadListItem, 0, limit)
	for rows.Next() {
		var row threadListItem
		if err := rows.Scan(
			&row.ThreadUUID,
			&row.Title,
			&row.Status,
			&row.MemberCount,
			&row.CreatedAt,
			&row.LastUpdatedAt,
		); err != nil {
			s.logger.Error().Err(err).Msg("scan thread row failed")
			return internalError(c, "Failed to load threads")
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error().Err(err).Msg("iterate thread rows failed")
		return internalError(c, "Failed to load threads")
	}

	return success(c, map[string]any{
		"items": items,
		"limit": limit,
	})
}

func (s *Server) handleSubmitItem(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPayloadBytes))
	if err != nil {
		return failValidation(c, map[string]string{"body": "could not read request body"})
	}

	itemID, err := s.ingestService.IngestPayload(c.Request().Context(), json.RawMessage(body))
	if err != nil {
		return failValidation(c, map[string]string{"payload": err.Error()})
	}
	if itemID == 0 {
		return success(c, map[string]any{
			"created": false,
		})
	}
	return successWithStatus(c, http.StatusCreated, map[string]any{
		"created": true,
		"item_id": itemID,
	})
}

type phaseResponse struct {
	Phase      string         `json:"phase"`
	Status     string         `json:"status"`
	RunUUID    string         `json:"run_uuid,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Counters   map[string]any `json:"counters"`
	Error      string         `json:"error,omitempty"`
}

func (s *Server) handleRunPhase(c echo.Context) error {
	phase := db.RunType(strings.TrimSpace(strings.ToLower(c.Param("phase"))))
	if !phase.Valid() {
		return failValidation(c, map[string]string{"phase": "unknown phase"})
	}

	limit, err := parsePositiveInt(c.QueryParam("limit"), s.opts.DefaultBatchLimit, 1, s.opts.MaxBatchLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	ctx, fields, err := resolveDelayContext(c)
	if err != nil {
		return failValidation(c, fields)
	}

	report, runErr := s.orchestrator.RunPhase(ctx, phase, limit)
	response := phaseReportResponse(report)
	if runErr != nil {
		// The run record is already finalized as failed; surface the
		// failure but keep the per-phase details.
		response.Error = runErr.Error()
		return c.JSON(http.StatusInternalServerError, jsendResponse{
			Status:  "error",
			Message: fmt.Sprintf("phase %s failed", phase),
			Code:    http.StatusInternalServerError,
			Data:    response,
		})
	}
	return success(c, response)
}

func (s *Server) handleRunSequence(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), s.opts.DefaultBatchLimit, 1, s.opts.MaxBatchLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	ctx, fields, err := resolveDelayContext(c)
	if err != nil {
		return failValidation(c, fields)
	}

	reports, seqErr := s.orchestrator.RunSequence(ctx, limit)
	responses := make([]phaseResponse, 0, len(reports))
	for _, report := range reports {
		responses = append(responses, phaseReportResponse(report))
	}

	if seqErr != nil {
		return c.JSON(http.StatusInternalServerError, jsendResponse{
			Status:  "error",
			Message: seqErr.Error(),
			Code:    http.StatusInternalServerError,
			Data: map[string]any{
				"phases": responses,
				"halted": true,
			},
		})
	}

	return success(c, map[string]any{
		"phases": responses,
		"halted": false,
	})
}

// resolveDelayContext scopes the optional min_delay and query_delay rate
// limiting parameters to this one invocation. On a parse failure it returns
// the validation field map for the response.
func resolveDelayContext(c echo.Context) (context.Context, map[string]string, error) {
	ctx := c.Request().Context()

	for _, knob := range []struct {
		param string
		wrap  func(context.Context, time.Duration) context.Context
	}{
		{"min_delay", resolve.WithPerItemDelay},
		{"query_delay", resolve.WithPerQueryDelay},
	} {
		delay, ok, err := parseDelayParam(c.QueryParam(knob.param))
		if err != nil {
			return nil, map[string]string{knob.param: err.Error()}, err
		}
		if ok {
			ctx = knob.wrap(ctx, delay)
		}
	}
	return ctx, nil, nil
}

func parseDelayParam(raw string) (time.Duration, bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, false, nil
	}
	delay, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, false, fmt.Errorf("must be a duration such as 2s")
	}
	if delay < 0 {
		return 0, false, fmt.Errorf("must not be negative")
	}
	return delay, true, nil
}

func phaseReportResponse(report orch.PhaseReport) phaseResponse {
	response := phaseResponse{
		Phase:      string(report.Type),
		Status:     string(report.Status),
		RunUUID:    report.RunUUID,
		DurationMS: report.Duration.Milliseconds(),
		Counters: map[string]any{
			"items_processed": report.Stats.ItemsProcessed,
			"items_created":   report.Stats.ItemsCreated,
			"error_count":     report.Stats.ErrorCount,
		},
	}
	for key, value := range report.Stats.Metadata {
		response.Counters[key] = value
	}
	if report.Err != nil {
		response.Error = report.Err.Error()
	}
	return response
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}
