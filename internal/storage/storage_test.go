// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/querydeck/querydeck/internal/storage"
	"github.com/querydeck/querydeck/pkg/errutil"
)

func TestService_SetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := storage.NewService(storage.NewMemoryBackend())

	cases := []struct {
		name  string
		value any
	}{
		{"string", "hello"},
		{"int", int64(42)},
		{"float", 3.5},
		{"bool", true},
		{"nil", nil},
		{"array", []any{"a", int64(1), false}},
		{"object", map[string]any{"n": int64(7), "tags": []any{"x"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, svc.Set(ctx, "p1", tc.name, tc.value))

			got, err := svc.Get(ctx, "p1", tc.name, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.value, got)
		})
	}
}

func TestService_GetMissingReturnsDefault(t *testing.T) {
	ctx := context.Background()
	svc := storage.NewService(storage.NewMemoryBackend())

	got, err := svc.Get(ctx, "p1", "absent", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)

	got, err = svc.Get(ctx, "p1", "absent", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestService_SetRejectsUnserializable(t *testing.T) {
	ctx := context.Background()
	svc := storage.NewService(storage.NewMemoryBackend())

	err := svc.Set(ctx, "p1", "fn", func() {})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, storage.CodeEncodeFailed)
}

func TestService_Delete(t *testing.T) {
	ctx := context.Background()
	svc := storage.NewService(storage.NewMemoryBackend())

	require.NoError(t, svc.Set(ctx, "p1", "k", "v"))
	require.NoError(t, svc.Delete(ctx, "p1", "k"))

	got, err := svc.Get(ctx, "p1", "k", "gone")
	require.NoError(t, err)
	assert.Equal(t, "gone", got)

	// Deleting a missing key is not an error.
	require.NoError(t, svc.Delete(ctx, "p1", "never-set"))
}

func TestService_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	svc := storage.NewService(storage.NewMemoryBackend())

	require.NoError(t, svc.Set(ctx, "plugin-a", "secret", "x"))

	got, err := svc.Get(ctx, "plugin-b", "secret", nil)
	require.NoError(t, err)
	assert.Nil(t, got, "plugin-b must not see plugin-a's keys")

	got, err = svc.Get(ctx, "plugin-a", "secret", nil)
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestService_NamespaceIsolationProperty(t *testing.T) {
	idGen := rapid.StringMatching(`[a-z0-9][a-z0-9-]{0,30}`)
	keyGen := rapid.StringMatching(`[a-zA-Z0-9._:-]{1,40}`)

	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		svc := storage.NewService(storage.NewMemoryBackend())

		a := idGen.Draw(t, "pluginA")
		b := idGen.Draw(t, "pluginB")
		if a == b {
			t.Skip("ids must differ")
		}
		key := keyGen.Draw(t, "key")
		value := rapid.String().Draw(t, "value")

		require.NoError(t, svc.Set(ctx, a, key, value))

		got, err := svc.Get(ctx, b, key, nil)
		require.NoError(t, err)
		assert.Nil(t, got, "value leaked across namespaces")
	})
}

func TestService_PurgeNamespace(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	svc := storage.NewService(backend)

	require.NoError(t, svc.Set(ctx, "doomed", "a", 1))
	require.NoError(t, svc.Set(ctx, "doomed", "b", 2))
	require.NoError(t, svc.Set(ctx, "survivor", "a", 3))

	removed, err := svc.PurgeNamespace(ctx, "doomed")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	got, err := svc.Get(ctx, "doomed", "a", nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = svc.Get(ctx, "survivor", "a", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	assert.Equal(t, 1, backend.Len(), "no orphaned keys may remain")
}

func TestService_PurgePrefixNotConfusedBySimilarIDs(t *testing.T) {
	ctx := context.Background()
	svc := storage.NewService(storage.NewMemoryBackend())

	require.NoError(t, svc.Set(ctx, "log", "k", "short"))
	require.NoError(t, svc.Set(ctx, "logger", "k", "long"))

	_, err := svc.PurgeNamespace(ctx, "log")
	require.NoError(t, err)

	got, err := svc.Get(ctx, "logger", "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "long", got, "purge of 'log' must not touch 'logger'")
}
