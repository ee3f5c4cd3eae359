// Package settings manages rendering-resource configurations. A Registry
// fronts the persistent store with an in-memory cache so that the hot path,
// resolving a configuration while scheduling or forwarding, does not hit
// the database on every request.
package settings

import (
	"context"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/storage"
)

const (
	cacheExpiration = 5 * time.Minute
	cacheCleanup    = 10 * time.Minute
)

// Registry provides cached access to rendering-resource configurations.
type Registry struct {
	store storage.SettingsStore
	cache *gocache.Cache
}

// NewRegistry creates a Registry backed by the given store.
func NewRegistry(store storage.SettingsStore) *Registry {
	return &Registry{
		store: store,
		cache: gocache.New(cacheExpiration, cacheCleanup),
	}
}

// Create stores a new configuration.
func (r *Registry) Create(ctx context.Context, settings rrm.RenderingResourceSettings) error {
	if err := r.store.Create(ctx, settings); err != nil {
		return err
	}
	r.cache.Set(settings.ID, settings, gocache.DefaultExpiration)
	return nil
}

// Get resolves a configuration by id, from cache when possible.
func (r *Registry) Get(ctx context.Context, id string) (rrm.RenderingResourceSettings, error) {
	if cached, ok := r.cache.Get(id); ok {
		if settings, ok := cached.(rrm.RenderingResourceSettings); ok {
			return settings, nil
		}
	}
	settings, err := r.store.Get(ctx, id)
	if err != nil {
		return rrm.RenderingResourceSettings{}, err
	}
	r.cache.Set(id, settings, gocache.DefaultExpiration)
	return settings, nil
}

// Update replaces an existing configuration.
func (r *Registry) Update(ctx context.Context, settings rrm.RenderingResourceSettings) error {
	if err := r.store.Update(ctx, settings); err != nil {
		return err
	}
	r.cache.Set(settings.ID, settings, gocache.DefaultExpiration)
	return nil
}

// Delete removes a configuration by id.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.cache.Delete(id)
	return nil
}

// List returns all configurations straight from the store.
func (r *Registry) List(ctx context.Context) ([]rrm.RenderingResourceSettings, error) {
	return r.store.List(ctx)
}

// Clear removes every configuration.
func (r *Registry) Clear(ctx context.Context) error {
	if err := r.store.Clear(ctx); err != nil {
		return err
	}
	r.cache.Flush()
	return nil
}

// FormatRestParameters expands the placeholders of a rest-parameters format
// string. Unknown placeholders are left untouched.
func FormatRestParameters(format, hostname string, port int, schema, jobID string) string {
	return strings.NewReplacer(
		"${rest_hostname}", hostname,
		"${rest_port}", strconv.Itoa(port),
		"${rest_schema}", schema,
		"${job_id}", jobID,
	).Replace(format)
}
