package records

import (
	"github.com/goccy/go-json"

	"github.com/relabs-tech/recordbase/core/collection"
)

// Record is one record of a collection. Data always holds the string id
// once the record was saved, and the created and updated timestamps.
// Expand holds the records resolved by an expanding query, keyed by
// relation field.
type Record struct {
	CollectionID string
	Data         map[string]interface{}
	Expand       map[string]interface{}
}

// NewRecord returns a record of the collection with data. A nil data map is
// replaced by an empty one.
func NewRecord(collectionID string, data map[string]interface{}) *Record {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Record{CollectionID: collectionID, Data: data}
}

// ID returns the id of the record, or "" for a record which was never saved
func (r *Record) ID() string {
	return r.GetString(collection.PropertyID)
}

// Created returns the creation timestamp in csql.TimeFormat
func (r *Record) Created() string {
	return r.GetString(collection.PropertyCreated)
}

// Updated returns the timestamp of the last save in csql.TimeFormat
func (r *Record) Updated() string {
	return r.GetString(collection.PropertyUpdated)
}

// Get returns the value of field, or nil
func (r *Record) Get(field string) interface{} {
	return r.Data[field]
}

// GetString returns the value of field if it is a string
func (r *Record) GetString(field string) string {
	s, _ := r.Data[field].(string)
	return s
}

// Set sets the value of field
func (r *Record) Set(field string, value interface{}) {
	if r.Data == nil {
		r.Data = map[string]interface{}{}
	}
	r.Data[field] = value
}

// Clone returns a copy of the record. Values are shared, the maps are not.
func (r *Record) Clone() *Record {
	clone := &Record{CollectionID: r.CollectionID, Data: make(map[string]interface{}, len(r.Data))}
	for k, v := range r.Data {
		clone.Data[k] = v
	}
	if r.Expand != nil {
		clone.Expand = make(map[string]interface{}, len(r.Expand))
		for k, v := range r.Expand {
			clone.Expand[k] = v
		}
	}
	return clone
}

// MarshalJSON encodes the data of the record, plus "expand" if relations
// were expanded. Keys are encoded in sorted order.
func (r *Record) MarshalJSON() ([]byte, error) {
	if len(r.Expand) == 0 {
		return json.Marshal(r.Data)
	}
	out := make(map[string]interface{}, len(r.Data)+1)
	for k, v := range r.Data {
		out[k] = v
	}
	out["expand"] = r.Expand
	return json.Marshal(out)
}
