// Package rpc serves the protocol layer over line-delimited JSON-RPC
// 2.0 on a byte stream, normally the process's stdin/stdout.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	dtkerrors "dtk/internal/errors"
	"dtk/internal/protocol"
)

// MaxMessageSize caps a single message at 1MB. This accommodates large
// analysis reports and scaffold results.
const MaxMessageSize = 1024 * 1024

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	ServerError    = -32000
)

// Message is a JSON-RPC 2.0 message.
type Message struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func newResultMessage(id any, result any) *Message {
	return &Message{Jsonrpc: "2.0", Id: id, Result: result}
}

func newErrorMessage(id any, code int, message string, data any) *Message {
	return &Message{Jsonrpc: "2.0", Id: id, Error: &Error{Code: code, Message: message, Data: data}}
}

// CodeFor maps an error to its wire code. An explicit per-error code
// wins; otherwise the code follows the error kind.
func CodeFor(e *dtkerrors.Error) int {
	if e.RPCCode != 0 {
		return e.RPCCode
	}
	switch e.Kind {
	case dtkerrors.NotFound:
		return MethodNotFound
	case dtkerrors.ValidationFailed, dtkerrors.BadRequest:
		return InvalidParams
	case dtkerrors.Internal:
		return InternalError
	default:
		return ServerError
	}
}

// Server reads requests from in and writes responses to out, one JSON
// message per line.
type Server struct {
	in      io.Reader
	out     io.Writer
	scanner *bufio.Scanner
	service *protocol.Service
	logger  *slog.Logger
}

func NewServer(in io.Reader, out io.Writer, service *protocol.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{in: in, out: out, service: service, logger: logger.With("component", "rpc")}
}

// Run serves until in reaches EOF, the context is canceled, or the
// stream fails. Malformed lines get a ParseError response and the loop
// continues.
func (s *Server) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := s.readMessage()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if werr := s.writeMessage(newErrorMessage(nil, ParseError, err.Error(), nil)); werr != nil {
				return werr
			}
			continue
		}
		if msg.Method == "" {
			if werr := s.writeMessage(newErrorMessage(msg.Id, InvalidRequest, "missing method", nil)); werr != nil {
				return werr
			}
			continue
		}
		if err := s.writeMessage(s.handle(ctx, msg)); err != nil {
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, msg *Message) *Message {
	resp := s.service.Dispatch(ctx, protocol.UnifiedRequest{
		Method: msg.Method,
		Params: msg.Params,
		Source: protocol.SourceRPC,
	})
	if resp.Status != "ok" {
		return newErrorMessage(msg.Id, CodeFor(resp.Err), resp.Err.Message, resp.Err)
	}
	return newResultMessage(msg.Id, resp.Body)
}

func (s *Server) readMessage() (*Message, error) {
	if s.scanner == nil {
		s.scanner = bufio.NewScanner(s.in)
		s.scanner.Buffer(make([]byte, MaxMessageSize), MaxMessageSize)
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading request stream: %w", err)
		}
		return nil, io.EOF
	}
	line := s.scanner.Bytes()
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("parsing JSON-RPC message: %w", err)
	}
	return &msg, nil
}

func (s *Server) writeMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling JSON-RPC message: %w", err)
	}
	if _, err := fmt.Fprintf(s.out, "%s\n", data); err != nil {
		return fmt.Errorf("writing response stream: %w", err)
	}
	return nil
}
