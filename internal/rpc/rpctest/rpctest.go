// Package rpctest runs an in-memory gRPC server speaking the JSON codec, for
// tests of code that depends on the rpc clients.
package rpctest

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"go.olrik.dev/wharf/internal/rpc"
)

// UnaryFunc answers a unary call
type UnaryFunc func(ctx context.Context, req json.RawMessage) (any, error)

// StreamFunc serves a server-streaming call; returning ends the stream
type StreamFunc func(ctx context.Context, req json.RawMessage, send func(any) error) error

// Call is a request received by the server
type Call struct {
	Method        string
	Request       json.RawMessage
	Authorization string
}

type Server struct {
	mu      sync.Mutex
	unary   map[string]UnaryFunc
	streams map[string]StreamFunc
	calls   []Call

	lis *bufconn.Listener
	srv *grpc.Server
}

// New starts a server that is stopped when the test ends
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		unary:   make(map[string]UnaryFunc),
		streams: make(map[string]StreamFunc),
		lis:     bufconn.Listen(1 << 20),
	}
	s.srv = grpc.NewServer(
		grpc.ForceServerCodec(rpc.JSONCodec{}),
		grpc.UnknownServiceHandler(s.handle),
	)
	go s.srv.Serve(s.lis)
	t.Cleanup(s.srv.Stop)
	return s
}

// Handle registers a unary handler for the full method name
func (s *Server) Handle(method string, fn UnaryFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unary[method] = fn
}

// HandleStream registers a streaming handler for the full method name
func (s *Server) HandleStream(method string, fn StreamFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[method] = fn
}

// Calls returns the requests received so far
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the requests received for methods ending in suffix
func (s *Server) CallsTo(suffix string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if strings.HasSuffix(c.Method, suffix) {
			out = append(out, c)
		}
	}
	return out
}

// Dial connects an rpc.Conn to the server
func (s *Server) Dial(t testing.TB, opts ...rpc.DialOption) *rpc.Conn {
	t.Helper()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return s.lis.DialContext(ctx)
	}
	opts = append(opts, rpc.WithGRPCOptions(grpc.WithContextDialer(dialer)))

	conn, err := rpc.Dial("passthrough:///bufnet", opts...)
	if err != nil {
		t.Fatalf("Failed to dial test server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *Server) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)

	var req json.RawMessage
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}

	call := Call{Method: method, Request: req}
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			call.Authorization = v[0]
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	unary := s.unary[method]
	streamFn := s.streams[method]
	s.mu.Unlock()

	switch {
	case unary != nil:
		resp, err := unary(stream.Context(), req)
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	case streamFn != nil:
		return streamFn(stream.Context(), req, stream.SendMsg)
	}
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}
