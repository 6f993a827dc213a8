package main

import (
	"go.uber.org/zap"

	"github.com/flowforge/flowforge/internal/bus"
	"github.com/flowforge/flowforge/internal/common/config"
	"github.com/flowforge/flowforge/internal/common/logger"
	"github.com/flowforge/flowforge/internal/events"
	evbus "github.com/flowforge/flowforge/internal/events/bus"
	"github.com/flowforge/flowforge/internal/kv"
)

// Transport bundles the key-value store, the agent message bus, and the
// internal event bus. With an empty Redis address everything runs
// in-process for single-node development.
type Transport struct {
	Store    kv.Store
	MsgBus   bus.MessageBus
	EventBus evbus.EventBus

	closeEvents func() error
}

// openTransport connects the configured backends.
func openTransport(cfg *config.Config, log *logger.Logger) (*Transport, error) {
	t := &Transport{}

	if cfg.Redis.Addr == "" {
		t.Store = kv.NewMemoryStore()
		log.Info("Using in-memory KV store")
	} else {
		store, err := kv.NewRedisStore(cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		t.Store = store
		log.Info("Connected to Redis KV store", zap.String("addr", cfg.Redis.Addr))
	}

	msgBus, err := bus.Provide(cfg.Redis, log)
	if err != nil {
		t.Store.Close()
		return nil, err
	}
	t.MsgBus = msgBus

	provided, closeEvents, err := events.Provide(cfg, log)
	if err != nil {
		_ = msgBus.Close()
		t.Store.Close()
		return nil, err
	}
	t.EventBus = provided.Bus
	t.closeEvents = closeEvents
	return t, nil
}

// Close tears the transports down in reverse order of construction.
func (t *Transport) Close(log *logger.Logger) {
	if t.closeEvents != nil {
		if err := t.closeEvents(); err != nil {
			log.Error("Event bus close error", zap.Error(err))
		}
	}
	if err := t.MsgBus.Close(); err != nil {
		log.Error("Message bus close error", zap.Error(err))
	}
	if err := t.Store.Close(); err != nil {
		log.Error("KV store close error", zap.Error(err))
	}
}
