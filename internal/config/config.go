// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package config provides generic, composable configuration readers
// that resolve settings from environment variables with explicit
// defaults and overrides. No other package of this module imports it;
// they read their environment variables with os.Getenv directly.
package config

import (
	"context"
	"os"
	"strconv"
	"time"
)

// Value is the result of reading a configuration value: either present
// (Ok) with a Val, or absent.
type Value[T any] struct {
	Ok  bool
	Val T
}

// ValueOf wraps v as a present Value.
func ValueOf[T any](v T) Value[T] {
	return Value[T]{Ok: true, Val: v}
}

// Reader reads a configuration value of type T, possibly absent.
type Reader[T any] interface {
	Read(ctx context.Context) (Value[T], error)
}

// ReaderFunc adapts a function to a Reader.
type ReaderFunc[T any] func(ctx context.Context) (Value[T], error)

// Read implements Reader.
func (f ReaderFunc[T]) Read(ctx context.Context) (Value[T], error) {
	return f(ctx)
}

// EmptyReader returns a Reader which never has a value.
func EmptyReader[T any]() Reader[T] {
	return ReaderFunc[T](func(ctx context.Context) (Value[T], error) {
		return Value[T]{}, nil
	})
}

// Static returns a Reader which always resolves to v.
func Static[T any](v T) Reader[T] {
	return ReaderFunc[T](func(ctx context.Context) (Value[T], error) {
		return ValueOf(v), nil
	})
}

// Env reads a raw string from the named environment variable.
func Env(name string) Reader[string] {
	return ReaderFunc[string](func(ctx context.Context) (Value[string], error) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return Value[string]{}, nil
		}
		return ValueOf(v), nil
	})
}

// Must reads r and panics-free propagates its value, returning the zero
// value if r is absent. Use MustOr when a default is meaningful.
func Must[T any](ctx context.Context, r Reader[T]) T {
	v, err := r.Read(ctx)
	if err != nil {
		var zero T
		return zero
	}
	return v.Val
}

// MustOr reads r, returning def if r is absent or errors.
func MustOr[T any](ctx context.Context, def T, r Reader[T]) T {
	v, err := r.Read(ctx)
	if err != nil || !v.Ok {
		return def
	}
	return v.Val
}

// IntFromString adapts a string Reader into an int Reader.
func IntFromString(r Reader[string]) Reader[int] {
	return ReaderFunc[int](func(ctx context.Context) (Value[int], error) {
		s, err := r.Read(ctx)
		if err != nil || !s.Ok {
			return Value[int]{}, err
		}
		n, err := strconv.Atoi(s.Val)
		if err != nil {
			return Value[int]{}, err
		}
		return ValueOf(n), nil
	})
}

// Float64FromString adapts a string Reader into a float64 Reader.
func Float64FromString(r Reader[string]) Reader[float64] {
	return ReaderFunc[float64](func(ctx context.Context) (Value[float64], error) {
		s, err := r.Read(ctx)
		if err != nil || !s.Ok {
			return Value[float64]{}, err
		}
		f, err := strconv.ParseFloat(s.Val, 64)
		if err != nil {
			return Value[float64]{}, err
		}
		return ValueOf(f), nil
	})
}

// DurationFromString adapts a string Reader into a time.Duration Reader.
func DurationFromString(r Reader[string]) Reader[time.Duration] {
	return ReaderFunc[time.Duration](func(ctx context.Context) (Value[time.Duration], error) {
		s, err := r.Read(ctx)
		if err != nil || !s.Ok {
			return Value[time.Duration]{}, err
		}
		d, err := time.ParseDuration(s.Val)
		if err != nil {
			return Value[time.Duration]{}, err
		}
		return ValueOf(d), nil
	})
}

// BoolFromString adapts a string Reader into a bool Reader.
func BoolFromString(r Reader[string]) Reader[bool] {
	return ReaderFunc[bool](func(ctx context.Context) (Value[bool], error) {
		s, err := r.Read(ctx)
		if err != nil || !s.Ok {
			return Value[bool]{}, err
		}
		b, err := strconv.ParseBool(s.Val)
		if err != nil {
			return Value[bool]{}, err
		}
		return ValueOf(b), nil
	})
}

// OrElse returns a Reader which reads primary, falling back to
// secondary if primary is absent.
func OrElse[T any](primary, secondary Reader[T]) Reader[T] {
	return ReaderFunc[T](func(ctx context.Context) (Value[T], error) {
		v, err := primary.Read(ctx)
		if err != nil {
			return Value[T]{}, err
		}
		if v.Ok {
			return v, nil
		}
		return secondary.Read(ctx)
	})
}
