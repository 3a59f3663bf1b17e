// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package event_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querydeck/querydeck/internal/event"
)

func TestBus_EmitDeliversInSubscriptionOrder(t *testing.T) {
	bus := event.NewBus()

	var got []int
	bus.Subscribe("t", func(any) { got = append(got, 1) })
	bus.Subscribe("t", func(any) { got = append(got, 2) })
	bus.Subscribe("t", func(any) { got = append(got, 3) })

	bus.Emit("t", nil)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestBus_UnsubscribeRemovesHandler(t *testing.T) {
	bus := event.NewBus()

	calls := 0
	unsub := bus.Subscribe("t", func(any) { calls++ })

	bus.Emit("t", nil)
	unsub()
	bus.Emit("t", nil)
	// Double unsubscribe is a no-op.
	unsub()

	assert.Equal(t, 1, calls)
}

func TestBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := event.NewBus()

	var survived bool
	bus.Subscribe("t", func(any) { panic("boom") })
	bus.Subscribe("t", func(any) { survived = true })

	require.NotPanics(t, func() { bus.Emit("t", nil) })
	assert.True(t, survived, "handler after panicking one should still run")
}

func TestBus_EmitUnknownTopicIsNoop(t *testing.T) {
	bus := event.NewBus()
	require.NotPanics(t, func() { bus.Emit("nobody-listens", 42) })
}

func TestBus_PayloadDelivered(t *testing.T) {
	bus := event.NewBus()

	var got event.HookError
	bus.Subscribe(event.TopicHookError, func(payload any) {
		he, ok := payload.(event.HookError)
		require.True(t, ok)
		got = he
	})

	bus.Emit(event.TopicHookError, event.HookError{
		PluginID: "query-logger",
		Kind:     "beforeQuery",
		Err:      errors.New("boom"),
	})

	assert.Equal(t, "query-logger", got.PluginID)
	assert.Equal(t, "beforeQuery", got.Kind)
	require.Error(t, got.Err)
}

func TestBus_ZeroValueUsable(t *testing.T) {
	var bus event.Bus

	called := false
	bus.Subscribe("t", func(any) { called = true })
	bus.Emit("t", nil)
	assert.True(t, called)
}
