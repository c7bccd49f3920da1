// Package httpapi wires the admin HTTP surface to the title lifecycle
// service. Mutating endpoints stream NDJSON progress lines back to the
// caller; reads answer with plain JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/patchd/api"
	"pkt.systems/patchd/internal/clock"
	"pkt.systems/patchd/internal/correlation"
	"pkt.systems/patchd/internal/lifecycle"
	"pkt.systems/patchd/internal/progress"
	"pkt.systems/patchd/internal/svcfields"
	"pkt.systems/patchd/internal/titles"
	"pkt.systems/patchd/internal/uuidv7"
	"pkt.systems/patchd/internal/version"
)

const headerCorrelationID = "X-Correlation-Id"
const contentTypeNDJSON = "application/x-ndjson"

// DefaultMaxBodyBytes bounds request bodies when the server does not
// configure a limit.
const DefaultMaxBodyBytes = 1 << 20

// Config assembles a Handler.
type Config struct {
	Service *titles.Service
	Logger  pslog.Logger
	Clock   clock.Clock
	// Alerter is handed to the per-operation reporters so escalations reach
	// the operator-notification sink.
	Alerter progress.Alerter
	// HTTPTracingEnabled wraps every route in an otelhttp handler and opens
	// a span per request.
	HTTPTracingEnabled bool
	// MaxBodyBytes caps request body size; zero falls back to
	// DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// Handler wires HTTP endpoints to lifecycle operations.
type Handler struct {
	svc                *titles.Service
	logger             pslog.Logger
	clock              clock.Clock
	alerter            progress.Alerter
	tracer             trace.Tracer
	httpTracingEnabled bool
	maxBodyBytes       int64
}

// NewHandler constructs a Handler according to cfg.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{
		svc:                cfg.Service,
		logger:             logger,
		clock:              clk,
		alerter:            cfg.Alerter,
		tracer:             otel.Tracer("pkt.systems/patchd/internal/httpapi"),
		httpTracingEnabled: cfg.HTTPTracingEnabled,
		maxBodyBytes:       maxBody,
	}
}

// Register wires the routes under /v1 and the health endpoint.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/titles", h.wrap("titles.list", h.handleListTitles))
	mux.Handle("POST /v1/titles", h.wrap("titles.create", h.handleCreateTitle))
	mux.Handle("GET /v1/titles/{title}", h.wrap("titles.get", h.handleGetTitle))
	mux.Handle("POST /v1/titles/{title}", h.wrap("titles.update", h.handleUpdateTitle))
	mux.Handle("DELETE /v1/titles/{title}", h.wrap("titles.delete", h.handleDeleteTitle))
	mux.Handle("POST /v1/titles/{title}/versions", h.wrap("versions.add", h.handleAddVersion))
	mux.Handle("DELETE /v1/titles/{title}/versions/{version}", h.wrap("versions.delete", h.handleDeleteVersion))
	mux.Handle("POST /v1/titles/{title}/versions/{version}/release", h.wrap("versions.release", h.handleReleaseVersion))
	mux.Handle("POST /v1/titles/{title}/versions/{version}/package", h.wrap("versions.reupload", h.handleReuploadPackage))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "patchd.http." + operation
	txSpanName := "patchd.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()

		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("patchd.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("patchd.operation", operation),
				attribute.String("patchd.route", r.URL.Path),
			)
			defer span.End()
		}

		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			ctx = correlation.Set(ctx, corr)
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}
		corr := correlation.ID(ctx)
		if instrument && corr != "" {
			span.SetAttributes(attribute.String("patchd.correlation_id", corr))
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"cid", corr,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		w.Header().Set(headerCorrelationID, corr)

		if err := fn(w, r); err != nil {
			if instrument {
				span.RecordError(err)
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

// convertServiceError maps lifecycle-service sentinels onto HTTP envelopes.
func convertServiceError(err error) error {
	var terr *lifecycle.TransitionError
	switch {
	case errors.Is(err, titles.ErrTitleNotFound),
		errors.Is(err, titles.ErrVersionNotFound):
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: err.Error()}
	case errors.Is(err, titles.ErrTitleExists):
		return httpError{Status: http.StatusConflict, Code: "title_exists", Detail: err.Error()}
	case errors.Is(err, titles.ErrVersionExists):
		return httpError{Status: http.StatusConflict, Code: "version_exists", Detail: err.Error()}
	case errors.Is(err, titles.ErrTitleNotEmpty):
		return httpError{Status: http.StatusConflict, Code: "title_not_empty", Detail: err.Error()}
	case errors.Is(err, titles.ErrNoPackage):
		return httpError{Status: http.StatusConflict, Code: "no_package", Detail: err.Error()}
	case errors.Is(err, titles.ErrInvalidRequest):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_request", Detail: err.Error()}
	case errors.As(err, &terr):
		return httpError{Status: http.StatusConflict, Code: "illegal_transition", Detail: err.Error()}
	}
	return err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode: httpErr.Code,
			Detail:    httpErr.Detail,
		})
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal error",
	})
}

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func (h *Handler) decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(io.LimitReader(body, h.maxBodyBytes))
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: "unexpected trailing JSON value"}
	}
	return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: "unexpected trailing JSON value"}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: version.String()})
	return nil
}
