package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code returns the gRPC status code of err. Context errors map to their
// gRPC equivalents; any other plain error is Unknown.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Unknown
}

// IsRetryable reports whether err is an RPC status of the unavailable/unknown
// class. Errors that did not come from the transport are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	return s.Code() == codes.Unavailable || s.Code() == codes.Unknown
}

// IsCancelled reports whether err means the call was cancelled by its caller
func IsCancelled(err error) bool {
	return err != nil && Code(err) == codes.Canceled
}

// IsUnimplemented reports whether the server does not implement the call
func IsUnimplemented(err error) bool {
	return err != nil && Code(err) == codes.Unimplemented
}

func IsNotFound(err error) bool {
	return err != nil && Code(err) == codes.NotFound
}
