package bridge

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/metrics-bridge/dispatcher"
	"github.com/wippyai/metrics-bridge/errors"
	"github.com/wippyai/metrics-bridge/handle"
)

// Metric is the host-side token for one native metric.
//
// The native handle is filled in once the create operation ran. If the core
// refused to create the metric, later Set calls are dropped.
type Metric struct {
	b         *Bridge
	created   *dispatcher.Job
	info      handle.Info
	h         atomic.Uint64
	destroyed atomic.Bool
}

// NewMetric launches the creation of category.name and returns its token.
func (b *Bridge) NewMetric(category, name string) *Metric {
	m := &Metric{b: b, info: handle.Info{Category: category, Name: name}}
	m.created = b.Launch(func(ctx context.Context) error {
		h, err := b.core.CreateMetric(ctx, category, name)
		if err != nil {
			return err
		}
		m.h.Store(uint64(h))
		return nil
	})
	return m
}

// Identifier returns the dotted metric identifier.
func (m *Metric) Identifier() string { return m.info.Identifier() }

// Handle returns the native handle, or 0 while the metric is not created.
func (m *Metric) Handle() handle.Handle { return handle.Handle(m.h.Load()) }

// Created returns the job that creates the metric.
func (m *Metric) Created() *dispatcher.Job { return m.created }

// Destroyed reports whether Destroy was called.
func (m *Metric) Destroyed() bool { return m.destroyed.Load() }

// Set launches recording value. It panics if the metric was destroyed.
func (m *Metric) Set(value int64) *dispatcher.Job {
	if m.destroyed.Load() {
		errors.Violation(errors.KindUseAfterDestroy, "set_value", "metric %s was destroyed", m.Identifier())
	}
	return m.b.Launch(func(ctx context.Context) error {
		h := m.Handle()
		if h == 0 {
			m.b.logger.Debug("metric not created, dropping value", zap.String("metric", m.Identifier()))
			return nil
		}
		return m.b.core.SetValue(ctx, h, value)
	})
}

// Destroy invalidates the token and launches the native destroy. A second
// Destroy panics.
func (m *Metric) Destroy() *dispatcher.Job {
	if !m.destroyed.CompareAndSwap(false, true) {
		errors.Violation(errors.KindUseAfterDestroy, "destroy_metric", "metric %s destroyed twice", m.Identifier())
	}
	return m.b.Launch(func(ctx context.Context) error {
		h := m.Handle()
		if h == 0 {
			return nil
		}
		return m.b.core.DestroyMetric(ctx, h)
	})
}
