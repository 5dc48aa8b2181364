package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	dtkerrors "dtk/internal/errors"
	"dtk/internal/protocol"
)

func testServer(in string) (*Server, *bytes.Buffer) {
	svc := protocol.NewService(slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Register("ping", func(context.Context, json.RawMessage) (any, error) {
		return "pong", nil
	})
	svc.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, dtkerrors.New(dtkerrors.ResourceExhausted, "over budget")
	})
	svc.Register("missing-template", func(context.Context, json.RawMessage) (any, error) {
		return nil, dtkerrors.New(dtkerrors.NotFound, "no such template").WithRPCCode(-32001)
	})
	var out bytes.Buffer
	return NewServer(strings.NewReader(in), &out, svc, slog.New(slog.NewTextHandler(io.Discard, nil))), &out
}

func responses(t *testing.T, out *bytes.Buffer) []Message {
	t.Helper()
	var msgs []Message
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad response line %q: %v", line, err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func TestServeResult(t *testing.T) {
	srv, out := testServer(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	if err := srv.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := responses(t, out)
	if len(msgs) != 1 || msgs[0].Error != nil {
		t.Fatalf("msgs = %+v", msgs)
	}
	if msgs[0].Result != "pong" || msgs[0].Id != float64(1) {
		t.Fatalf("msg = %+v", msgs[0])
	}
}

func TestParseErrorKeepsServing(t *testing.T) {
	srv, out := testServer("{not json\n" + `{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n")
	if err := srv.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := responses(t, out)
	if len(msgs) != 2 {
		t.Fatalf("got %d responses", len(msgs))
	}
	if msgs[0].Error == nil || msgs[0].Error.Code != ParseError {
		t.Fatalf("first = %+v", msgs[0])
	}
	if msgs[1].Result != "pong" {
		t.Fatalf("second = %+v", msgs[1])
	}
}

func TestMissingMethodIsInvalidRequest(t *testing.T) {
	srv, out := testServer(`{"jsonrpc":"2.0","id":3}` + "\n")
	if err := srv.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := responses(t, out)
	if msgs[0].Error == nil || msgs[0].Error.Code != InvalidRequest {
		t.Fatalf("msg = %+v", msgs[0])
	}
}

func TestUnknownMethodCode(t *testing.T) {
	srv, out := testServer(`{"jsonrpc":"2.0","id":4,"method":"nope"}` + "\n")
	if err := srv.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := responses(t, out)
	if msgs[0].Error == nil || msgs[0].Error.Code != MethodNotFound {
		t.Fatalf("msg = %+v", msgs[0])
	}
}

func TestErrorCarriesKindAsData(t *testing.T) {
	srv, out := testServer(`{"jsonrpc":"2.0","id":5,"method":"fail"}` + "\n")
	if err := srv.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := responses(t, out)
	if msgs[0].Error == nil || msgs[0].Error.Code != ServerError {
		t.Fatalf("msg = %+v", msgs[0])
	}
	data, ok := msgs[0].Error.Data.(map[string]any)
	if !ok || data["kind"] != string(dtkerrors.ResourceExhausted) {
		t.Fatalf("data = %#v", msgs[0].Error.Data)
	}
}

func TestExplicitCodeOverridesKindMapping(t *testing.T) {
	srv, out := testServer(`{"jsonrpc":"2.0","id":6,"method":"missing-template"}` + "\n")
	if err := srv.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := responses(t, out)
	if msgs[0].Error == nil || msgs[0].Error.Code != -32001 {
		t.Fatalf("msg = %+v", msgs[0])
	}
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  *dtkerrors.Error
		want int
	}{
		{dtkerrors.New(dtkerrors.NotFound, "x"), MethodNotFound},
		{dtkerrors.NewValidation("f", "bad"), InvalidParams},
		{dtkerrors.New(dtkerrors.BadRequest, "x"), InvalidParams},
		{dtkerrors.New(dtkerrors.Internal, "x"), InternalError},
		{dtkerrors.New(dtkerrors.Conflict, "x"), ServerError},
		{dtkerrors.New(dtkerrors.NotFound, "x").WithRPCCode(-32002), -32002},
	}
	for _, c := range cases {
		if got := CodeFor(c.err); got != c.want {
			t.Errorf("CodeFor(%s) = %d, want %d", c.err.Kind, got, c.want)
		}
	}
}
