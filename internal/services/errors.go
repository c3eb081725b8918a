// Package services implements the sync resilience and scheduling engine:
// token health tracking, circuit breaking, adaptive scheduling, webhook
// lifecycle management, and the orchestrator that ties them together.
// This file centralizes service-level error values so that they can be
// consistently returned by service methods and mapped by the HTTP layer.
package services

import "errors"

var (
	// ErrNotConnected indicates that the (user, integration) pair has no
	// schedule, i.e. the integration was never connected or was disconnected.
	ErrNotConnected = errors.New("integration not connected")

	// ErrUnknownIntegration is returned for integration names outside the
	// supported set.
	ErrUnknownIntegration = errors.New("unknown integration")

	// ErrPushUnsupported is returned when webhook operations are requested for
	// an integration without push notifications.
	ErrPushUnsupported = errors.New("integration does not support push notifications")

	// ErrJobDeduplicated is returned by JobQueue implementations when an
	// equivalent job is already queued. Callers treat it as success.
	ErrJobDeduplicated = errors.New("job already queued")

	// ErrInvalidTrigger is returned for trigger types outside the supported set.
	ErrInvalidTrigger = errors.New("invalid trigger type")
)
