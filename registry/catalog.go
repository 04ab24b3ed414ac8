// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fulcrumnet/fulcrum-registry/docstore"
	"github.com/fulcrumnet/fulcrum-registry/registry/structs"
)

// catalogCacheSize bounds the descriptor cache; fleets rarely run more
// than a few dozen families.
const catalogCacheSize = 128

// EnvironmentCatalog answers family questions from the durable
// environment descriptors, read through an LRU cache. A missing
// descriptor falls back to neutral defaults so routing never stalls on
// the document store.
type EnvironmentCatalog struct {
	logger hclog.Logger
	docs   docstore.Collection
	cache  *lru.Cache[string, *structs.EnvironmentDescriptor]
}

// NewEnvironmentCatalog builds a catalog over the document store.
func NewEnvironmentCatalog(logger hclog.Logger, docs docstore.Store) *EnvironmentCatalog {
	cache, _ := lru.New[string, *structs.EnvironmentDescriptor](catalogCacheSize)
	return &EnvironmentCatalog{
		logger: logger.Named("catalog"),
		docs:   docs.Collection(docstore.CollectionEnvironments),
		cache:  cache,
	}
}

// Environment returns the descriptor for a family id.
func (c *EnvironmentCatalog) Environment(ctx context.Context, family string) (*structs.EnvironmentDescriptor, bool, error) {
	family = structs.NormalizeFamily(family)
	if desc, ok := c.cache.Get(family); ok {
		return desc.Copy(), true, nil
	}

	var desc structs.EnvironmentDescriptor
	found, err := c.docs.Document(ctx, family, &desc)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	c.cache.Add(family, &desc)
	return desc.Copy(), true, nil
}

// PlayerCost resolves the player-equivalent factor for one slot of the
// family. Unknown families cost one player-budget unit.
func (c *EnvironmentCatalog) PlayerCost(ctx context.Context, family string) float64 {
	desc, found, err := c.Environment(ctx, family)
	if err != nil {
		c.logger.Warn("environment lookup failed, assuming unit player cost",
			"family", family, "error", err)
		return 1
	}
	if !found || desc.PlayerFactor <= 0 {
		return 1
	}
	return desc.PlayerFactor
}

// FamilyBounds returns the declared min/max players for the family;
// zeros mean unbounded.
func (c *EnvironmentCatalog) FamilyBounds(ctx context.Context, family string) (min, max int) {
	desc, found, err := c.Environment(ctx, family)
	if err != nil || !found {
		return 0, 0
	}
	return desc.MinPlayers, desc.MaxPlayers
}

// List returns every known environment id.
func (c *EnvironmentCatalog) List(ctx context.Context) ([]string, error) {
	return c.docs.List(ctx)
}

// Refresh drops the cache so the next lookups re-read the documents.
func (c *EnvironmentCatalog) Refresh() {
	c.cache.Purge()
	c.logger.Info("environment catalog cache purged")
}
