// Package otel provides OpenTelemetry integration for hushnote:
// authentication metrics, request tracing middleware, and exporter setup.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AuthMetrics records counters for authentication activity. Outcomes are
// coarse classes ("ok", "rejected", "duplicate", "error") — never
// per-user attributes.
//
// A nil *AuthMetrics is valid and records nothing, so callers do not need
// to guard every call site.
type AuthMetrics struct {
	logins        metric.Int64Counter
	registrations metric.Int64Counter
}

// NewAuthMetrics creates an AuthMetrics that uses the given meter to create
// its instruments.
func NewAuthMetrics(meter metric.Meter) (*AuthMetrics, error) {
	logins, err := meter.Int64Counter("hushnote.auth.logins",
		metric.WithDescription("Number of login attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	registrations, err := meter.Int64Counter("hushnote.auth.registrations",
		metric.WithDescription("Number of registration attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &AuthMetrics{
		logins:        logins,
		registrations: registrations,
	}, nil
}

// RecordLogin increments the login counter for the given outcome class.
func (m *AuthMetrics) RecordLogin(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.logins.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRegistration increments the registration counter for the given
// outcome class.
func (m *AuthMetrics) RecordRegistration(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
