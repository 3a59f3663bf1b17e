// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

// Package storage provides namespaced key-value persistence for plugins.
//
// Namespacing happens here, at the service layer, by key prefixing.
// Plugin code only ever sees bare keys; the prefix is never exposed, so
// a plugin cannot reach another plugin's namespace even with a guessed
// id.
package storage

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/samber/oops"
)

// Error codes returned by the storage service.
const (
	CodeStorageFailed = "STORAGE_FAILED"
	CodeEncodeFailed  = "STORAGE_ENCODE_FAILED"
	CodeDecodeFailed  = "STORAGE_DECODE_FAILED"
)

// namespacePrefix builds the persistence-layer key for a plugin's key.
// The "plugin:" prefix leaves room for host-owned keys in the same
// backing store. Manifest validation rejects ':' in plugin ids, so two
// namespaces can never produce the same prefix.
func namespacePrefix(pluginID string) string {
	return "plugin:" + pluginID + ":"
}

// Backend is the persistence layer under the storage service. Keys are
// opaque strings, values opaque bytes.
type Backend interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key under the given prefix and returns
	// how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	Close() error
}

// Service exposes plugin-scoped storage operations over a Backend.
// Values round-trip through JSON, so plugins can store the same value
// shapes the sandbox bridges support (null, booleans, numbers, strings,
// arrays, objects).
type Service struct {
	backend Backend
}

// NewService creates a storage service over a backend.
func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

// Get returns the value stored under a plugin's key, or def if the key
// does not exist.
func (s *Service) Get(ctx context.Context, pluginID, key string, def any) (_ any, err error) {
	defer func() { recordOperation("get", err) }()

	raw, ok, err := s.backend.Get(ctx, namespacePrefix(pluginID)+key)
	if err != nil {
		return nil, oops.In("storage").
			Code(CodeStorageFailed).
			With("plugin", pluginID).
			With("key", key).
			Wrapf(err, "get failed")
	}
	if !ok {
		return def, nil
	}

	value, err := decodeValue(raw)
	if err != nil {
		return nil, oops.In("storage").
			Code(CodeDecodeFailed).
			With("plugin", pluginID).
			With("key", key).
			Wrapf(err, "stored value is not valid JSON")
	}
	return value, nil
}

// Set stores a value under a plugin's key, replacing any previous value.
func (s *Service) Set(ctx context.Context, pluginID, key string, value any) (err error) {
	defer func() { recordOperation("set", err) }()

	raw, err := json.Marshal(value)
	if err != nil {
		return oops.In("storage").
			Code(CodeEncodeFailed).
			With("plugin", pluginID).
			With("key", key).
			Wrapf(err, "value is not serializable")
	}

	if err := s.backend.Set(ctx, namespacePrefix(pluginID)+key, raw); err != nil {
		return oops.In("storage").
			Code(CodeStorageFailed).
			With("plugin", pluginID).
			With("key", key).
			Wrapf(err, "set failed")
	}
	return nil
}

// Delete removes a plugin's key. Deleting a missing key is not an error.
func (s *Service) Delete(ctx context.Context, pluginID, key string) (err error) {
	defer func() { recordOperation("delete", err) }()

	if err := s.backend.Delete(ctx, namespacePrefix(pluginID)+key); err != nil {
		return oops.In("storage").
			Code(CodeStorageFailed).
			With("plugin", pluginID).
			With("key", key).
			Wrapf(err, "delete failed")
	}
	return nil
}

// PurgeNamespace removes every key a plugin has ever stored. Called on
// uninstall so no orphaned keys remain. Returns how many keys were
// removed.
func (s *Service) PurgeNamespace(ctx context.Context, pluginID string) (_ int64, err error) {
	defer func() { recordOperation("purge", err) }()

	n, err := s.backend.DeletePrefix(ctx, namespacePrefix(pluginID))
	if err != nil {
		return 0, oops.In("storage").
			Code(CodeStorageFailed).
			With("plugin", pluginID).
			Wrapf(err, "purge failed")
	}
	return n, nil
}

// Close releases the backend.
func (s *Service) Close() error {
	return s.backend.Close()
}

// decodeValue unmarshals stored JSON onto the neutral value model:
// integral numbers become int64, everything else float64.
func decodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	default:
		return v
	}
}
