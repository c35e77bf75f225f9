package main

import (
	"sync/atomic"

	"github.com/cyberinferno/go-tcpclient/config"
	"github.com/cyberinferno/go-tcpclient/event"
	"github.com/cyberinferno/go-tcpclient/logger"
	"github.com/cyberinferno/go-tcpclient/manager"
	"github.com/cyberinferno/go-tcpclient/registry"
)

// keepSender keeps the configured periodic send of a target running across
// reconnects. Losing a socket cancels the connection's periodic task, so the
// task is scheduled again on every Connected event.
type keepSender struct {
	log   logger.Logger
	m     atomic.Pointer[manager.Manager]
	plans *registry.Registry[uint32, config.KeepSendConfig]
}

func newKeepSender(l logger.Logger) *keepSender {
	return &keepSender{
		log:   l.With(logger.F("component", "keep_send")),
		plans: registry.New[uint32, config.KeepSendConfig](),
	}
}

func (k *keepSender) bind(m *manager.Manager) {
	k.m.Store(m)
}

// add records the plan for id and schedules it right away; a Connected
// event that raced ahead of add is covered by that first schedule.
func (k *keepSender) add(id uint32, plan config.KeepSendConfig) error {
	k.plans.Put(id, plan)
	return k.arm(id, plan)
}

// Emit implements event.Sink.
func (k *keepSender) Emit(e event.Event) {
	if e.Kind != event.StateChange || !e.Connected {
		return
	}

	plan, ok := k.plans.Get(e.ConnectionID)
	if !ok {
		return
	}

	if err := k.arm(e.ConnectionID, plan); err != nil {
		k.log.Warn("re-arming periodic send failed", logger.Err(err), logger.F("connection_id", e.ConnectionID))
		return
	}

	k.log.Debug("periodic send re-armed", logger.F("connection_id", e.ConnectionID), logger.F("generation", e.Generation))
}

func (k *keepSender) arm(id uint32, plan config.KeepSendConfig) error {
	m := k.m.Load()
	if m == nil {
		return manager.ErrManagerClosed
	}

	_, err := m.KeepSend(manager.KeepSendRequest{
		ConnectionID:   id,
		Payload:        []byte(plan.Payload),
		IntervalMillis: plan.Interval.Milliseconds(),
	})
	return err
}
