// Package directory resolves field entities against the identity service for
// the location paths, with an in-memory cache in front of it.
package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/fieldtrack/internal/cache"
	"github.com/smallbiznis/fieldtrack/internal/config"
	"github.com/smallbiznis/fieldtrack/internal/identity"
	"github.com/smallbiznis/fieldtrack/internal/location/domain"
	obsmetrics "github.com/smallbiznis/fieldtrack/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const fallbackReasonUnavailable = "directory_unavailable"

type ResolverParam struct {
	fx.In

	Directory identity.Directory `optional:"true"`
	Cache     cache.EntityResolverCache
	Log       *zap.Logger
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

// Resolver answers "may this entity report" and "what is its display name".
// Without a directory every entity is accepted and named by placeholder.
type Resolver struct {
	directory identity.Directory
	cache     cache.EntityResolverCache
	log       *zap.Logger
	metrics   *obsmetrics.Metrics
}

func NewResolver(p ResolverParam) *Resolver {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		directory: p.Directory,
		cache:     p.Cache,
		log:       log.Named("location.directory"),
		metrics:   p.Metrics,
	}
}

// NewResolverCache sizes the identity cache from configuration.
func NewResolverCache(cfg config.Config) cache.EntityResolverCache {
	return cache.NewEntityResolverCache(time.Duration(cfg.Identity.CacheTTLSeconds) * time.Second)
}

func (r *Resolver) Enabled() bool {
	return r != nil && r.directory != nil
}

// CheckActive rejects entities the directory does not know or has deactivated.
// When the directory cannot answer the entity is let through.
func (r *Resolver) CheckActive(ctx context.Context, entityID string) error {
	if !r.Enabled() {
		return nil
	}

	info, err := r.lookup(ctx, entityID)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrEntityNotFound):
		return domain.ErrUnknownEntity
	case errors.Is(err, identity.ErrServiceUnavailable):
		r.log.Warn("identity directory unavailable, accepting entity without validation",
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
		r.metrics.RecordDirectoryFallback(ctx, fallbackReasonUnavailable)
		return nil
	default:
		return err
	}

	if !info.Active() {
		return domain.ErrEntityInactive
	}
	return nil
}

// Name returns the entity's display name, or a placeholder when the directory
// is disabled, unreachable or has no name for it.
func (r *Resolver) Name(ctx context.Context, entityID string) string {
	if !r.Enabled() {
		return domain.PlaceholderName(entityID)
	}
	info, err := r.lookup(ctx, entityID)
	if err != nil {
		if errors.Is(err, identity.ErrServiceUnavailable) {
			r.metrics.RecordDirectoryFallback(ctx, fallbackReasonUnavailable)
		}
		return domain.PlaceholderName(entityID)
	}
	if name := strings.TrimSpace(info.Name); name != "" {
		return name
	}
	return domain.PlaceholderName(entityID)
}

func (r *Resolver) lookup(ctx context.Context, entityID string) (identity.EntityInfo, error) {
	if r.cache != nil {
		if info, ok := r.cache.GetEntity(entityID); ok {
			return info, nil
		}
	}
	info, err := r.directory.Lookup(ctx, entityID)
	if err != nil {
		return identity.EntityInfo{}, err
	}
	if r.cache != nil {
		r.cache.SetEntity(entityID, info)
	}
	return info, nil
}
