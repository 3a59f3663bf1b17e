// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

// Package event provides the in-process publish/subscribe bus the plugin
// runtime uses to surface lifecycle and hook failures to the host UI.
package event

import (
	"log/slog"
	"sync"
)

// Topics published by the plugin runtime.
const (
	TopicHookError      = "hook:error"
	TopicPluginLoaded   = "plugin:loaded"
	TopicPluginCrashed  = "plugin:crashed"
	TopicPluginUnloaded = "plugin:unloaded"
)

// HookError is the payload for TopicHookError. A hook failure is contained
// and reported here; it never fails the query that triggered the hook.
type HookError struct {
	PluginID string
	Kind     string
	Err      error
}

// PluginStatus is the payload for the plugin lifecycle topics.
type PluginStatus struct {
	PluginID string
	Err      error
}

// Handler processes a published payload. Handlers must not call back into
// the bus's Subscribe/Emit for the same topic while handling.
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-process topic bus. Subscribe returns an unsubscribe token;
// Emit invokes all current handlers in subscription order, isolating each
// handler's panics so one misbehaving consumer cannot starve the rest.
//
// The zero value is ready to use.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[string][]subscription
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for a topic and returns a function that
// removes the registration. Unsubscribing twice is safe.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[string][]subscription)
	}
	b.next++
	id := b.next
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers payload to every handler currently subscribed to topic.
// Handlers run synchronously on the caller's goroutine in subscription
// order. A panicking handler is recovered and logged.
func (b *Bus) Emit(topic string, payload any) {
	b.mu.RLock()
	list := make([]subscription, len(b.subs[topic]))
	copy(list, b.subs[topic])
	b.mu.RUnlock()

	for _, s := range list {
		b.invoke(topic, s, payload)
	}
}

func (b *Bus) invoke(topic string, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"topic", topic,
				"panic", r)
		}
	}()
	s.handler(payload)
}
