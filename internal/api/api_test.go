package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dtkerrors "dtk/internal/errors"
	"dtk/internal/protocol"
)

func testAPI(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := protocol.NewService(logger)
	svc.Register("ping", func(context.Context, json.RawMessage) (any, error) {
		return "pong", nil
	})
	svc.Register("absent", func(context.Context, json.RawMessage) (any, error) {
		return nil, dtkerrors.New(dtkerrors.NotFound, "no such thing")
	})
	svc.Register("busy", func(context.Context, json.RawMessage) (any, error) {
		return nil, dtkerrors.New(dtkerrors.Conflict, "session already advancing")
	})
	return NewServer("127.0.0.1:0", svc, logger)
}

func postRPC(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestRPCOk(t *testing.T) {
	w := postRPC(t, testAPI(t), `{"method":"ping"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	var resp protocol.UnifiedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Body != "pong" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.TraceID == "" {
		t.Fatal("expected trace id")
	}
}

func TestRPCErrorStatusMapping(t *testing.T) {
	srv := testAPI(t)
	cases := []struct {
		method string
		status int
	}{
		{"absent", http.StatusNotFound},
		{"busy", http.StatusConflict},
		{"never-registered", http.StatusNotFound},
	}
	for _, c := range cases {
		w := postRPC(t, srv, `{"method":"`+c.method+`"}`)
		if w.Code != c.status {
			t.Errorf("%s: status = %d, want %d", c.method, w.Code, c.status)
		}
	}
}

func TestRPCBadBody(t *testing.T) {
	srv := testAPI(t)
	for _, body := range []string{"{not json", `{"params":{}}`} {
		w := postRPC(t, srv, body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, w.Code)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		kind dtkerrors.Kind
		want int
	}{
		{dtkerrors.NotFound, 404},
		{dtkerrors.BadRequest, 400},
		{dtkerrors.ValidationFailed, 400},
		{dtkerrors.Unauthorized, 401},
		{dtkerrors.Timeout, 408},
		{dtkerrors.Conflict, 409},
		{dtkerrors.ResourceExhausted, 429},
		{dtkerrors.Internal, 500},
		{dtkerrors.Io, 500},
		{dtkerrors.Serialization, 500},
	}
	for _, c := range cases {
		if got := StatusFor(dtkerrors.New(c.kind, "x")); got != c.want {
			t.Errorf("StatusFor(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestRequestIDPropagation(t *testing.T) {
	srv := testAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"method":"ping"}`))
	req.Header.Set("X-Request-ID", "trace-me")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "trace-me" {
		t.Fatalf("header = %q", got)
	}
	var resp protocol.UnifiedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TraceID != "trace-me" {
		t.Fatalf("trace id = %q", resp.TraceID)
	}
}

func TestHealthAndMethods(t *testing.T) {
	srv := testAPI(t)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/methods", nil))
	var got struct {
		Methods []string `json:"methods"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Methods) != 3 {
		t.Fatalf("methods = %v", got.Methods)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := testAPI(t)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/rpc", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}
