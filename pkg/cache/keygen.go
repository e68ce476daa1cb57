package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// KeyGenerator derives cache keys from an operation name and its arguments
type KeyGenerator interface {
	// GenerateKey creates a cache key for a call
	GenerateKey(name string, args any) (string, error)
}

// DefaultKeyGenerator hashes the JSON form of the arguments.
// encoding/json sorts map keys, so equal arguments always produce the same key.
type DefaultKeyGenerator struct{}

// NewDefaultKeyGenerator creates a new default key generator
func NewDefaultKeyGenerator() *DefaultKeyGenerator {
	return &DefaultKeyGenerator{}
}

// GenerateKey returns "<name>:<first 16 hex chars of sha256(json(args))>"
func (g *DefaultKeyGenerator) GenerateKey(name string, args any) (string, error) {
	argBytes, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to marshal arguments: %w", err)
	}

	hash := sha256.Sum256(argBytes)
	return fmt.Sprintf("%s:%s", name, hex.EncodeToString(hash[:8])), nil
}

// SimpleKeyGenerator uses only the operation name.
// This is useful for operations that take no meaningful arguments.
type SimpleKeyGenerator struct{}

// NewSimpleKeyGenerator creates a new simple key generator
func NewSimpleKeyGenerator() *SimpleKeyGenerator {
	return &SimpleKeyGenerator{}
}

// GenerateKey returns name unchanged
func (g *SimpleKeyGenerator) GenerateKey(name string, _ any) (string, error) {
	return name, nil
}

// KeyGeneratorFunc adapts a function to KeyGenerator
type KeyGeneratorFunc func(name string, args any) (string, error)

// GenerateKey calls f
func (f KeyGeneratorFunc) GenerateKey(name string, args any) (string, error) {
	return f(name, args)
}

// NameKeyGenerator picks a generator per operation name, falling back to a default
type NameKeyGenerator struct {
	defaultGen KeyGenerator
	byName     map[string]KeyGenerator
}

// NewNameKeyGenerator creates a per-name key generator
func NewNameKeyGenerator(defaultGen KeyGenerator) *NameKeyGenerator {
	if defaultGen == nil {
		defaultGen = NewDefaultKeyGenerator()
	}

	return &NameKeyGenerator{
		defaultGen: defaultGen,
		byName:     make(map[string]KeyGenerator),
	}
}

// Register sets the generator used for name. Not safe to call concurrently
// with GenerateKey.
func (g *NameKeyGenerator) Register(name string, gen KeyGenerator) {
	g.byName[name] = gen
}

// GenerateKey uses the generator registered for name, or the default
func (g *NameKeyGenerator) GenerateKey(name string, args any) (string, error) {
	if gen, ok := g.byName[name]; ok {
		return gen.GenerateKey(name, args)
	}
	return g.defaultGen.GenerateKey(name, args)
}
