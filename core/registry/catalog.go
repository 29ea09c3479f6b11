package registry

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/logger"
)

const catalogPrefix = "_collections_"

// Catalog is a collection.Catalog persisted in the registry. Every change is
// validated against the complete set of collections before it is written.
type Catalog struct {
	accessor Accessor
}

// NewCatalog returns a catalog stored in r
func NewCatalog(r Registry) *Catalog {
	return &Catalog{accessor: r.Accessor(catalogPrefix)}
}

func (c *Catalog) load(ctx context.Context) (*collection.Configuration, error) {
	config := &collection.Configuration{}
	err := c.accessor.ReadAll(ctx, func(key string, raw []byte) error {
		coll := &collection.Collection{}
		if err := json.Unmarshal(raw, coll); err != nil {
			return errors.Wrapf(err, "cannot decode collection %s", key)
		}
		config.Collections = append(config.Collections, coll)
		return nil
	})
	return config, err
}

func (c *Catalog) static(ctx context.Context) (*collection.StaticCatalog, error) {
	config, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return collection.NewStaticCatalog(config)
}

// Collection implements collection.Catalog
func (c *Catalog) Collection(ctx context.Context, idOrName string) (*collection.Collection, error) {
	static, err := c.static(ctx)
	if err != nil {
		return nil, err
	}
	return static.Collection(ctx, idOrName)
}

// Collections implements collection.Catalog
func (c *Catalog) Collections(ctx context.Context) ([]*collection.Collection, error) {
	static, err := c.static(ctx)
	if err != nil {
		return nil, err
	}
	return static.Collections(ctx)
}

// Put creates or replaces a collection. The change is rejected if the
// resulting configuration is invalid, e.g. because a relation references a
// collection which does not exist.
func (c *Catalog) Put(ctx context.Context, coll *collection.Collection) error {
	config, err := c.load(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range config.Collections {
		if existing.ID == coll.ID {
			config.Collections[i] = coll
			replaced = true
		}
	}
	if !replaced {
		config.Collections = append(config.Collections, coll)
	}
	if err := config.Validate(); err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("put collection %s", coll.Name)
	return c.accessor.Write(ctx, coll.ID, coll)
}

// Remove deletes a collection. A collection which others depend on cannot
// be removed, the error matches core.ErrConflict.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	config, err := c.load(ctx)
	if err != nil {
		return err
	}
	if dependents := config.Dependents(id); len(dependents) > 0 {
		return errors.Wrapf(core.ErrConflict, "collection %s is referenced by %s", id, strings.Join(dependents, ", "))
	}
	logger.FromContext(ctx).Infof("remove collection %s", id)
	return c.accessor.Delete(ctx, id)
}
