// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package collection

import (
	"context"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core"
)

// Configuration holds a complete set of collections
type Configuration struct {
	Collections []*Collection `json:"collections"`
}

// ParseConfiguration decodes and validates a JSON configuration
func ParseConfiguration(data []byte) (*Configuration, error) {
	var config Configuration
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(core.ErrValidation, "cannot parse configuration: %s", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ReadConfiguration reads a JSON configuration file
func ReadConfiguration(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read configuration %s", path)
	}
	return ParseConfiguration(data)
}

// Validate checks every collection and the references between them.
// Single-field indexes are added for fields flagged indexed or unique.
func (c *Configuration) Validate() error {
	ids := map[string]*Collection{}
	names := map[string]bool{}
	for _, coll := range c.Collections {
		if err := coll.Validate(); err != nil {
			return err
		}
		if ids[coll.ID] != nil {
			return errors.Wrapf(core.ErrValidation, "duplicate collection id %s", coll.ID)
		}
		if names[coll.Name] {
			return errors.Wrapf(core.ErrValidation, "duplicate collection name %s", coll.Name)
		}
		ids[coll.ID] = coll
		names[coll.Name] = true
	}
	for _, coll := range c.Collections {
		for _, f := range coll.RelationFields() {
			relation := f.Relation()
			if relation == nil || ids[relation.CollectionID] == nil {
				return errors.Wrapf(core.ErrValidation, "collection %s: relation %s references an unknown collection", coll.Name, f.Name)
			}
		}
		if coll.Kind == KindView {
			if _, ok := findCollection(c.Collections, coll.View.Source); !ok {
				return errors.Wrapf(core.ErrValidation, "view %s: unknown source %s", coll.Name, coll.View.Source)
			}
		}
		coll.addFieldIndexes()
	}
	return nil
}

// addFieldIndexes adds a single field index for every indexed or unique
// field not covered yet
func (c *Collection) addFieldIndexes() {
	for _, f := range c.Fields {
		if !f.Indexed && !f.Unique {
			continue
		}
		covered := false
		for _, index := range c.Indexes {
			if len(index.Fields) == 1 && index.Fields[0] == f.Name && index.Unique == f.Unique {
				covered = true
			}
		}
		if !covered {
			c.Indexes = append(c.Indexes, Index{Fields: []string{f.Name}, Unique: f.Unique})
		}
	}
}

// Dependents returns the names of the collections which structurally depend
// on the collection id, through a relation field or as a view source. A
// collection may only be removed if it has no dependents.
func (c *Configuration) Dependents(id string) []string {
	var dependents []string
	for _, coll := range c.Collections {
		if coll.ID == id {
			continue
		}
		depends := false
		for _, f := range coll.RelationFields() {
			if relation := f.Relation(); relation != nil && relation.CollectionID == id {
				depends = true
			}
		}
		if coll.Kind == KindView {
			if source, ok := findCollection(c.Collections, coll.View.Source); ok && source.ID == id {
				depends = true
			}
		}
		if depends {
			dependents = append(dependents, coll.Name)
		}
	}
	return dependents
}

func findCollection(collections []*Collection, idOrName string) (*Collection, bool) {
	for _, coll := range collections {
		if coll.ID == idOrName || coll.Name == idOrName {
			return coll, true
		}
	}
	return nil, false
}

// Catalog provides the collections to the record store and the realtime
// broadcaster
type Catalog interface {
	// Collection returns the collection with the id or name, or an error
	// matching core.ErrNotFound
	Collection(ctx context.Context, idOrName string) (*Collection, error)
	// Collections returns all collections, sorted by name
	Collections(ctx context.Context) ([]*Collection, error)
}

// StaticCatalog is a catalog over a fixed configuration
type StaticCatalog struct {
	config *Configuration
}

// NewStaticCatalog validates config and returns a catalog for it
func NewStaticCatalog(config *Configuration) (*StaticCatalog, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &StaticCatalog{config: config}, nil
}

// Collection implements Catalog
func (s *StaticCatalog) Collection(ctx context.Context, idOrName string) (*Collection, error) {
	if coll, ok := findCollection(s.config.Collections, idOrName); ok {
		return coll, nil
	}
	return nil, core.NotFoundf("collection %s", idOrName)
}

// Collections implements Catalog
func (s *StaticCatalog) Collections(ctx context.Context) ([]*Collection, error) {
	return SortByName(s.config.Collections), nil
}

// SortByName returns a copy of collections sorted by name
func SortByName(collections []*Collection) []*Collection {
	sorted := append([]*Collection(nil), collections...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return sorted
}
