package rpc

import (
	"context"
	"encoding/json"

	"apphost/packet"

	"github.com/bytedance/sonic"
)

// Arg decodes argument i into T. A missing argument yields the zero value, the same as
// a caller that passed fewer arguments than the method declares.
func Arg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) || len(args[i]) == 0 {
		return v, nil
	}
	if err := sonic.Unmarshal(args[i], &v); err != nil {
		return v, Errorf(packet.CodeBadArgs, "argument %d: %v", i, err)
	}
	return v, nil
}

// Func0 adapts a typed handler without arguments to a Method.
func Func0[R any](fn func(ctx context.Context) (R, error)) Method {
	return func(ctx context.Context, _ []json.RawMessage) (any, error) {
		return fn(ctx)
	}
}

// Func1 adapts a typed one-argument handler to a Method.
func Func1[A, R any](fn func(ctx context.Context, a A) (R, error)) Method {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}
}

// Func2 adapts a typed two-argument handler to a Method.
func Func2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) Method {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}
}
