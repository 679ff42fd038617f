package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Stream is a server-streamed sequence of messages. Recv returns io.EOF
// when the server ends the stream.
type Stream[T any] interface {
	Recv() (T, error)
}

type clientStream[T any] struct {
	cs grpc.ClientStream
}

func (s *clientStream[T]) Recv() (T, error) {
	var msg T
	if err := s.cs.RecvMsg(&msg); err != nil {
		var zero T
		return zero, err
	}
	return msg, nil
}

// openStream starts a server-streaming call. The stream lives until ctx is
// cancelled or the server ends it.
func openStream[T any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any) (Stream[T], error) {
	desc := &grpc.StreamDesc{ServerStreams: true}
	cs, err := cc.NewStream(ctx, desc, method)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &clientStream[T]{cs: cs}, nil
}
