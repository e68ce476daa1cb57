// Package codec serializes cache values with an ordered list of strategies.
//
// Values are written with the first strategy that accepts them (JSON, then
// msgpack). Reads try the same strategies in order and, when none of them
// understands the payload, hand back the raw bytes so that values written by
// other tenants of the store remain readable.
package codec

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrSerialization is returned when no strategy can handle a value
var ErrSerialization = errors.New("codec: serialization failure")

// Strategy is a single serialization format
type Strategy interface {
	// Name identifies the strategy in logs and results
	Name() string

	// Encode serializes v
	Encode(v any) ([]byte, error)

	// Decode deserializes data into a generic value
	Decode(data []byte) (any, error)

	// DecodeInto deserializes data into dst, which must be a pointer
	DecodeInto(data []byte, dst any) error
}

// Result describes the outcome of a chain operation
type Result struct {
	Value    any    // Decoded value
	Data     []byte // Encoded bytes
	Strategy string // Strategy that succeeded, "raw" for the final fallback
	OK       bool   // Whether a strategy succeeded
}

// Chain tries strategies in order
type Chain struct {
	strategies []Strategy
}

// NewChain creates a chain from the given strategies
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// Default returns the JSON-then-msgpack chain
func Default() *Chain {
	return NewChain(JSON{}, Msgpack{})
}

// Strategies returns the configured strategies in order
func (c *Chain) Strategies() []Strategy {
	return c.strategies
}

// TryEncode runs each strategy until one accepts v
func (c *Chain) TryEncode(v any) Result {
	for _, s := range c.strategies {
		data, err := s.Encode(v)
		if err != nil {
			continue
		}
		return Result{Data: data, Strategy: s.Name(), OK: true}
	}
	return Result{}
}

// Encode serializes v with the first strategy that accepts it
func (c *Chain) Encode(v any) ([]byte, error) {
	res := c.TryEncode(v)
	if !res.OK {
		return nil, fmt.Errorf("%w: cannot encode %T", ErrSerialization, v)
	}
	return res.Data, nil
}

// TryDecode runs each strategy in order. When all fail the raw payload is
// returned with OK=false.
func (c *Chain) TryDecode(data []byte) Result {
	for _, s := range c.strategies {
		v, err := s.Decode(data)
		if err != nil {
			continue
		}
		return Result{Value: v, Data: data, Strategy: s.Name(), OK: true}
	}
	return Result{Value: raw(data), Data: data, Strategy: "raw"}
}

// Decode never fails: undecodable payloads come back as a string (valid UTF-8)
// or as the original bytes.
func (c *Chain) Decode(data []byte) any {
	return c.TryDecode(data).Value
}

// DecodeInto decodes data into dst. Raw payloads can still be assigned to
// *string, *[]byte and *any targets.
func (c *Chain) DecodeInto(data []byte, dst any) error {
	for _, s := range c.strategies {
		if err := s.DecodeInto(data, dst); err == nil {
			return nil
		}
	}

	switch d := dst.(type) {
	case *string:
		*d = string(data)
	case *[]byte:
		*d = append([]byte(nil), data...)
	case *any:
		*d = raw(data)
	default:
		return fmt.Errorf("%w: cannot decode into %T", ErrSerialization, dst)
	}
	return nil
}

func raw(data []byte) any {
	if utf8.Valid(data) {
		return string(data)
	}
	return append([]byte(nil), data...)
}
