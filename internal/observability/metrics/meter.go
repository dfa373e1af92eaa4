// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config holds metrics configuration
type Config struct {
	Enabled bool
}

// Meter wraps the OpenTelemetry meter and the instruments the admin core records
type Meter struct {
	meter       metric.Meter
	logins      metric.Int64Counter
	resolutions metric.Int64Counter
	proposals   metric.Int64Counter
}

// New creates a new meter instance from the global meter provider
func New(ctx context.Context, cfg Config, serviceName string) (*Meter, error) {
	name := serviceName
	if !cfg.Enabled {
		name = "noop"
	}
	m := &Meter{meter: otel.Meter(name)}

	var err error
	if m.logins, err = m.CreateCounter("admin.auth.logins", "Login attempts by outcome"); err != nil {
		return nil, err
	}
	if m.resolutions, err = m.CreateCounter("admin.approval.resolutions", "Approval decisions by state"); err != nil {
		return nil, err
	}
	if m.proposals, err = m.CreateCounter("admin.approval.proposals", "Binding changes proposed by initial state"); err != nil {
		return nil, err
	}
	return m, nil
}

// GetMeter returns the underlying meter
func (m *Meter) GetMeter() metric.Meter {
	return m.meter
}

// CreateCounter creates a new counter metric
func (m *Meter) CreateCounter(name, description string) (metric.Int64Counter, error) {
	counter, err := m.meter.Int64Counter(
		name,
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}
	return counter, nil
}

// LoginAttempt records one login outcome (success, invalid_credentials, locked, ...)
func (m *Meter) LoginAttempt(ctx context.Context, outcome string) {
	if m == nil || m.logins == nil {
		return
	}
	m.logins.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Resolution records an approve/reject decision
func (m *Meter) Resolution(ctx context.Context, state string) {
	if m == nil || m.resolutions == nil {
		return
	}
	m.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// Proposed records n proposed changes landing in state
func (m *Meter) Proposed(ctx context.Context, state string, n int) {
	if m == nil || m.proposals == nil || n <= 0 {
		return
	}
	m.proposals.Add(ctx, int64(n), metric.WithAttributes(attribute.String("state", state)))
}
