package keycloak

import (
	"log/slog"
	"net/http"

	"nsskeycloak/internal/observability"
)

// pageSize is the batch size for paginated admin API listings.
const pageSize = 100

// Resolver maps users and groups from the realm's admin API into POSIX
// records. It holds no identity state: every call goes to the provider with
// the access token it is given.
type Resolver struct {
	cfg     ProviderConfig
	mapping AttributeMapping
	client  *http.Client
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewResolver creates a Resolver for one realm and attribute mapping.
func NewResolver(cfg ProviderConfig, mapping AttributeMapping, opts ...Option) *Resolver {
	o := newOptions(cfg, opts)
	return &Resolver{
		cfg:     cfg,
		mapping: mapping,
		client:  o.httpClient,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// drop logs and counts a record left out of a listing.
func (r *Resolver) drop(kind, name string, err error) {
	r.logger.Warn("dropping record that failed mapping", "kind", kind, "name", name, "error", err)
	r.metrics.RecordDroppedRecord(kind)
}
