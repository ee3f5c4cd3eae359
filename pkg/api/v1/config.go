package v1

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/viznode/rrm/pkg/rrm"
	"github.com/viznode/rrm/pkg/settings"
)

// maxConfigNameLength bounds rendering-resource configuration names.
const maxConfigNameLength = 50

// ConfigRoutes defines the routes of the configuration API.
type ConfigRoutes struct {
	registry *settings.Registry
}

// ConfigRouter creates a new router for the configuration API.
func ConfigRouter(registry *settings.Registry) http.Handler {
	routes := ConfigRoutes{registry: registry}

	r := chi.NewRouter()
	r.Get("/", routes.listConfigs)
	r.Post("/", routes.createConfig)
	r.Put("/", routes.updateConfig)
	r.Delete("/{id}", routes.deleteConfig)
	return r
}

func decodeConfig(r *http.Request) (rrm.RenderingResourceSettings, string) {
	var cfg rrm.RenderingResourceSettings
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		return cfg, "invalid request body"
	}
	cfg.ID = strings.ToLower(strings.TrimSpace(cfg.ID))
	if cfg.ID == "" {
		return cfg, "id is required"
	}
	if len(cfg.ID) > maxConfigNameLength {
		return cfg, "id must be at most 50 characters"
	}
	return cfg, ""
}

func (c *ConfigRoutes) listConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := c.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

func (c *ConfigRoutes) createConfig(w http.ResponseWriter, r *http.Request) {
	cfg, problem := decodeConfig(r)
	if problem != "" {
		writeContents(w, http.StatusBadRequest, problem)
		return
	}
	if err := c.registry.Create(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (c *ConfigRoutes) updateConfig(w http.ResponseWriter, r *http.Request) {
	cfg, problem := decodeConfig(r)
	if problem != "" {
		writeContents(w, http.StatusBadRequest, problem)
		return
	}
	if err := c.registry.Update(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (c *ConfigRoutes) deleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := c.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Configuration successfully removed")
}
