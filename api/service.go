// Package api implements the control-plane command surface: pipeline CRUD,
// dataset access, event and log subscriptions, template reads, and the
// inbound event ingress. Every command authorizes the caller, rewrites
// dataset paths at the boundary, and returns masked records.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pipeworks-io/pipeworks/authz"
	"github.com/pipeworks-io/pipeworks/broker"
	"github.com/pipeworks-io/pipeworks/engine"
	apperrors "github.com/pipeworks-io/pipeworks/errors"
	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/monitor"
	"github.com/pipeworks-io/pipeworks/sanitize"
	"github.com/pipeworks-io/pipeworks/signedurl"
	"github.com/pipeworks-io/pipeworks/store"
)

// EventRule matches an inbound event against its source and type attributes.
type EventRule struct {
	Source string
	Type   string
}

// Options carries the service-level settings not owned by a collaborator.
type Options struct {
	// UniquePaths names the datasets stamped with the pipeline id on create.
	UniquePaths []string
	// MaxExpiresIn bounds caller-supplied signed-URL TTLs.
	MaxExpiresIn time.Duration
	// PollInterval paces the wait-for-task-id loop on subscriptions.
	PollInterval time.Duration
	// IngressEvents maps pipeline names to the event rules that trigger them.
	IngressEvents map[string]EventRule
}

// ApplyDefaults fills in zero values with sensible defaults.
func (o *Options) ApplyDefaults() {
	if o.MaxExpiresIn <= 0 {
		o.MaxExpiresIn = 12 * time.Hour
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
}

// Service is the control-plane command service. Transport handlers translate
// requests into these calls; the service owns authorization, path masking,
// and the lifecycle transitions.
type Service struct {
	eng       *engine.Engine
	store     *store.Store
	broker    *broker.Broker
	monitor   *monitor.Monitor
	provider  signedurl.Provider
	sanitizer *sanitize.Sanitizer
	policy    authz.Policy
	log       *logger.Logger
	validate  *validator.Validate
	opts      Options
}

// New creates the command service.
func New(
	eng *engine.Engine,
	st *store.Store,
	b *broker.Broker,
	mon *monitor.Monitor,
	provider signedurl.Provider,
	san *sanitize.Sanitizer,
	policy authz.Policy,
	log *logger.Logger,
	opts Options,
) *Service {
	opts.ApplyDefaults()
	if policy == nil {
		policy = authz.AllowAll()
	}
	return &Service{
		eng:       eng,
		store:     st,
		broker:    b,
		monitor:   mon,
		provider:  provider,
		sanitizer: san,
		policy:    policy,
		log:       log.WithComponent("api"),
		validate:  validator.New(),
		opts:      opts,
	}
}

// authorize runs the policy for one action.
func (s *Service) authorize(action string, caller authz.Identity) error {
	if !s.policy.Allowed(action, caller) {
		return apperrors.Forbidden(action)
	}
	return nil
}

// boundExpiry converts a caller-supplied TTL in seconds, rejecting values
// over the configured maximum. Zero means "use the maximum".
func (s *Service) boundExpiry(expiresInSec int64) (time.Duration, error) {
	if expiresInSec < 0 {
		return 0, apperrors.BadRequest("expires_in_sec must be >= 0")
	}
	if expiresInSec == 0 {
		return s.opts.MaxExpiresIn, nil
	}
	d := time.Duration(expiresInSec) * time.Second
	if d > s.opts.MaxExpiresIn {
		return 0, apperrors.BadRequest(fmt.Sprintf(
			"expires_in_sec %d exceeds the maximum %d",
			expiresInSec, int64(s.opts.MaxExpiresIn/time.Second)))
	}
	return d, nil
}

// Health reports whether the service's collaborators are reachable.
func (s *Service) Health(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	return s.broker.Ping(ctx)
}
