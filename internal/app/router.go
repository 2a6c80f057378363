// Package app implements the gateway's core request-processing services:
// route resolution (this file) and upstream dispatch (dispatch.go).
package app

import (
	"context"
	"strings"
	"time"

	gateway "github.com/relaygate/gateway/internal"
	"github.com/relaygate/gateway/internal/background"
	"github.com/relaygate/gateway/internal/storage"
)

// RouterService resolves a client-supplied model string to a concrete
// Route, per §4.6: brief shortcut first, else alias lookup, then eligible
// provider-key selection. Grounded on gandalf's RouterService, but the
// teacher's lookup cache is dropped (every call queries the store) and the
// resolution itself is rebuilt: the
// teacher resolved a fixed, priority-ordered target list out of one Route
// row; this resolves a single best target from a live store join, since
// usage_count-based load balancing needs current counts, not a cached list.
type RouterService struct {
	providers storage.ProviderStore
	routes    storage.RouteStore
	tasks     *background.Host
}

func NewRouterService(providers storage.ProviderStore, routes storage.RouteStore, tasks *background.Host) *RouterService {
	return &RouterService{providers: providers, routes: routes, tasks: tasks}
}

// Resolve maps modelString under apiType to a fully-selected Route,
// including an eligible provider key. Returns *gateway.AppError so callers
// can render the exact status the spec names (400 unknown alias, 500 no
// provider keys).
func (rs *RouterService) Resolve(ctx context.Context, modelString string, apiType gateway.ApiType) (*gateway.Route, *gateway.AppError) {
	route, aerr := rs.resolveTarget(ctx, modelString, apiType)
	if aerr != nil {
		return nil, aerr
	}

	if route.IsAliasMatch {
		rs.tasks.Spawn("increment-alias-target-usage", func(ctx context.Context) {
			rs.routes.IncrementAliasTargetUsage(ctx, route.AliasTargetID)
		})
	}

	keys, err := rs.providers.ListEligibleProviderKeys(ctx, route.ProviderID, time.Now())
	if err != nil {
		return nil, gateway.NewInternal("list eligible provider keys", err)
	}
	if len(keys) == 0 {
		return nil, gateway.NewInternal("no provider keys available", nil)
	}
	route.ProviderKey = keys[0]

	// §4.6's closing paragraph: providers.usage_count and
	// provider_keys.usage_count are the sole ordering key for usage-weighted
	// load balancing (steps 2/5), so every routed request bumps both,
	// asynchronously and best-effort, same as the alias-target counter above.
	providerID, keyID := route.ProviderID, route.ProviderKey.ID
	rs.tasks.Spawn("increment-provider-usage", func(ctx context.Context) {
		rs.providers.IncrementProviderUsage(ctx, providerID)
	})
	rs.tasks.Spawn("increment-provider-key-usage", func(ctx context.Context) {
		rs.providers.IncrementProviderKeyUsage(ctx, keyID)
	})

	return route, nil
}

// resolveTarget implements steps 1-3 of §4.6: brief shortcut, else alias
// lookup, else 400 unknown alias.
func (rs *RouterService) resolveTarget(ctx context.Context, modelString string, apiType gateway.ApiType) (*gateway.Route, *gateway.AppError) {
	if brief, real, ok := splitBrief(modelString); ok {
		provider, err := rs.providers.GetProviderByBrief(ctx, brief)
		if err == nil {
			endpoint, err := rs.providers.FindEndpoint(ctx, provider.ID, apiType)
			if err == nil {
				return &gateway.Route{
					ProviderID:       provider.ID,
					ProviderName:     provider.Name,
					EndpointURL:      endpoint.URL,
					EndpointAuthMode: endpoint.AuthMode,
					AWSRegion:        endpoint.AWSRegion,
					AWSService:       endpoint.AWSService,
					UpstreamModelID:  real,
					AliasName:        modelString,
					IsAliasMatch:     false,
					ExtraFields:      []byte("{}"),
					ApiType:          apiType,
				}, nil
			}
		}
	}

	rows, err := rs.routes.ResolveAlias(ctx, modelString, apiType)
	if err != nil {
		return nil, gateway.NewInternal("resolve alias", err)
	}
	if len(rows) == 0 {
		return nil, gateway.NewBadRequest("unknown model alias: " + modelString)
	}
	row := rows[0]
	extra := row.ExtraFields
	if len(extra) == 0 {
		extra = []byte("{}")
	}
	return &gateway.Route{
		ProviderID:       row.ProviderID,
		ProviderName:     row.ProviderName,
		EndpointURL:      row.EndpointURL,
		EndpointAuthMode: row.EndpointAuth,
		AWSRegion:        row.AWSRegion,
		AWSService:       row.AWSService,
		UpstreamModelID:  row.UpstreamModel,
		AliasName:        modelString,
		IsAliasMatch:     true,
		AliasTargetID:    row.AliasTargetID,
		ExtraFields:      extra,
		ApiType:          apiType,
	}, nil
}

// splitBrief splits "brief:real_model" into its non-empty halves. A colon
// with an empty side does not count as a brief shortcut.
func splitBrief(modelString string) (brief, real string, ok bool) {
	i := strings.IndexByte(modelString, ':')
	if i <= 0 || i == len(modelString)-1 {
		return "", "", false
	}
	return modelString[:i], modelString[i+1:], true
}
