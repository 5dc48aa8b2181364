// Package protocol is the shared dispatch layer: every front end
// translates its native message into a UnifiedRequest, and all three see
// identical semantics for the same method and params.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	dtkerrors "dtk/internal/errors"
)

// Source identifies the front end a request arrived through.
type Source string

const (
	SourceCLI  Source = "cli"
	SourceHTTP Source = "http"
	SourceRPC  Source = "rpc"
)

// CodeMethodNotFound is the JSON-RPC code for an unknown method.
const CodeMethodNotFound = -32601

// CodeInvalidParams is the JSON-RPC code for undecodable params.
const CodeInvalidParams = -32602

// UnifiedRequest is the protocol-independent request shape.
type UnifiedRequest struct {
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
	TraceID  string          `json:"traceId,omitempty"`
	Source   Source          `json:"source"`
	Deadline time.Time       `json:"deadline,omitempty"`
}

// UnifiedResponse is the protocol-independent response shape. Exactly
// one of Body and Err is meaningful, discriminated by Status.
type UnifiedResponse struct {
	Status   string           `json:"status"` // "ok" or "error"
	Body     any              `json:"body,omitempty"`
	Err      *dtkerrors.Error `json:"error,omitempty"`
	TraceID  string           `json:"traceId"`
	Duration time.Duration    `json:"duration"`
}

// Handler serves one method.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Service routes UnifiedRequests to handlers with tracing, deadline
// enforcement, and panic containment.
type Service struct {
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewService creates an empty method registry.
func NewService(logger *slog.Logger) *Service {
	return &Service{handlers: make(map[string]Handler), logger: logger}
}

// Register installs a handler. Later registrations replace earlier ones.
func (s *Service) Register(method string, h Handler) {
	s.handlers[method] = h
}

// Alias maps one method name onto another's handler at dispatch time.
func (s *Service) Alias(alias, method string) {
	s.handlers[alias] = func(ctx context.Context, params json.RawMessage) (any, error) {
		h, ok := s.handlers[method]
		if !ok {
			return nil, dtkerrors.Newf(dtkerrors.Internal, "alias %s points at missing method %s", alias, method)
		}
		return h(ctx, params)
	}
}

// Methods lists the registered method names.
func (s *Service) Methods() []string {
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	return out
}

// Dispatch runs one request. It synthesizes a trace id when the caller
// did not send one, refuses already-expired deadlines without invoking
// the handler, and converts handler panics into Internal errors.
func (s *Service) Dispatch(ctx context.Context, req UnifiedRequest) UnifiedResponse {
	start := time.Now()

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	fail := func(err *dtkerrors.Error) UnifiedResponse {
		s.logger.Warn("request failed",
			"method", req.Method, "source", string(req.Source),
			"trace", traceID, "kind", string(err.Kind), "error", err.Message)
		return UnifiedResponse{
			Status: "error", Err: err, TraceID: traceID, Duration: time.Since(start),
		}
	}

	if !req.Deadline.IsZero() {
		if !time.Now().Before(req.Deadline) {
			return fail(dtkerrors.New(dtkerrors.Timeout, "deadline already passed"))
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	h, ok := s.handlers[req.Method]
	if !ok {
		return fail(dtkerrors.Newf(dtkerrors.NotFound, "method not found: %s", req.Method).
			WithRPCCode(CodeMethodNotFound))
	}

	body, err := s.invoke(ctx, h, req.Params)
	if err != nil {
		e := dtkerrors.AsError(err)
		if e == nil {
			e = dtkerrors.Wrap(dtkerrors.Internal, "handler failed", err)
		}
		return fail(e)
	}

	s.logger.Debug("request served",
		"method", req.Method, "source", string(req.Source),
		"trace", traceID, "duration", time.Since(start))
	return UnifiedResponse{
		Status: "ok", Body: body, TraceID: traceID, Duration: time.Since(start),
	}
}

func (s *Service) invoke(ctx context.Context, h Handler, params json.RawMessage) (body any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = dtkerrors.Newf(dtkerrors.Internal, "handler panicked: %v", r)
		}
	}()
	return h(ctx, params)
}

// DecodeParams unmarshals handler params, mapping failures to the
// JSON-RPC invalid-params code.
func DecodeParams(params json.RawMessage, into any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return dtkerrors.Wrap(dtkerrors.BadRequest,
			fmt.Sprintf("params do not decode into %T", into), err).
			WithRPCCode(CodeInvalidParams)
	}
	return nil
}
