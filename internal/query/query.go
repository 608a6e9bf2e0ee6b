// Package query is the read façade consumed by the protocol adapters. It
// clamps paging parameters and otherwise passes straight through to the
// store.
package query

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilupskalvis/kgserve/internal/models"
	"github.com/kilupskalvis/kgserve/internal/store"
)

// DefaultMaxLimit bounds list page sizes when no maximum is configured.
const DefaultMaxLimit = 100

// Service answers read queries against the active bundle.
type Service struct {
	reader   store.Reader
	maxLimit int
	logger   *slog.Logger
	capped   prometheus.Counter
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for capping warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegisterer exports the capped-request counter.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) {
		if reg == nil {
			return
		}
		s.capped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kgserve_query_limit_capped_total",
			Help: "List requests whose limit exceeded the configured maximum",
		})
		reg.MustRegister(s.capped)
	}
}

// New creates a query service. maxLimit < 1 selects DefaultMaxLimit.
func New(reader store.Reader, maxLimit int, opts ...Option) *Service {
	if maxLimit < 1 {
		maxLimit = DefaultMaxLimit
	}
	s := &Service{
		reader:   reader,
		maxLimit: maxLimit,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxLimit returns the configured page size bound.
func (s *Service) MaxLimit() int {
	return s.maxLimit
}

// Page clamps a requested window. A limit that is missing (<= 0) or above
// the maximum becomes the maximum; a negative offset becomes 0. Exceeding
// the maximum is logged, never rejected.
func (s *Service) Page(limit, offset int) models.Page {
	switch {
	case limit <= 0:
		limit = s.maxLimit
	case limit > s.maxLimit:
		s.logger.Warn("requested limit exceeds maximum, capping",
			"requested", limit,
			"applied", s.maxLimit,
		)
		if s.capped != nil {
			s.capped.Inc()
		}
		limit = s.maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return models.Page{Limit: limit, Offset: offset}
}

// Entity returns the entity with the given id, or nil.
func (s *Service) Entity(ctx context.Context, id string) (*models.Entity, error) {
	return s.reader.GetEntity(ctx, id)
}

// Entities lists one page of entities matching filter.
func (s *Service) Entities(ctx context.Context, filter models.EntityFilter, limit, offset int) (*models.EntityPage, error) {
	page := s.Page(limit, offset)
	items, total, err := s.reader.ListEntities(ctx, filter, page)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*models.Entity{}
	}
	return &models.EntityPage{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// Relationship returns the relationship identified by the triple, or nil.
func (s *Service) Relationship(ctx context.Context, t models.Triple) (*models.Relationship, error) {
	return s.reader.GetRelationship(ctx, t)
}

// Relationships lists one page of relationships matching filter.
func (s *Service) Relationships(ctx context.Context, filter models.RelationshipFilter, limit, offset int) (*models.RelationshipPage, error) {
	page := s.Page(limit, offset)
	items, total, err := s.reader.ListRelationships(ctx, filter, page)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*models.Relationship{}
	}
	return &models.RelationshipPage{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// Bundle returns the active bundle record, or nil.
func (s *Service) Bundle(ctx context.Context) (*models.BundleRecord, error) {
	return s.reader.GetActiveBundle(ctx)
}
