package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

var (
	// ErrNoHandler indicates no handler is registered for the tag or type.
	ErrNoHandler = errors.New("payload: no handler registered")
	// ErrMissingType indicates a bare JSON document without a "type" field.
	ErrMissingType = errors.New("payload: document has no type field")
)

// HandlerFunc receives a raw document for one key.
type HandlerFunc func(ctx context.Context, deviceID string, document []byte) error

// Registry maps header tags and JSON type values to handlers. Keys are
// case-insensitive. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for key, replacing any previous handler.
func (r *Registry) Handle(key string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[normalizeKey(key)] = fn
}

// Register decodes documents for key into T before calling fn.
func Register[T any](r *Registry, key string, fn func(ctx context.Context, deviceID string, doc T) error) {
	r.Handle(key, func(ctx context.Context, deviceID string, document []byte) error {
		var doc T
		if err := json.Unmarshal(document, &doc); err != nil {
			return fmt.Errorf("decode %s document: %w", key, err)
		}
		return fn(ctx, deviceID, doc)
	})
}

// Keys returns the registered keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}

// Dispatch routes a decrypted document. An empty tagOrType means a bare JSON
// frame, whose "type" field selects the handler.
func (r *Registry) Dispatch(ctx context.Context, tagOrType, deviceID string, plaintext []byte) error {
	key := tagOrType
	if key == "" {
		var err error
		if key, err = documentType(plaintext); err != nil {
			return err
		}
	}

	r.mu.RLock()
	fn, ok := r.handlers[normalizeKey(key)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, key)
	}
	return fn(ctx, deviceID, plaintext)
}

func documentType(document []byte) (string, error) {
	if !gjson.ValidBytes(document) {
		return "", fmt.Errorf("%w: invalid JSON", ErrMissingType)
	}
	typ := gjson.GetBytes(document, "type")
	if typ.Type != gjson.String || strings.TrimSpace(typ.Str) == "" {
		return "", ErrMissingType
	}
	return typ.Str, nil
}

// normalizeKey folds case and treats '_' like '-', so NOTIFICATION,
// file_transfer_offer and file-transfer-offer compare equal.
func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "_", "-")
}
