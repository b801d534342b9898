package domain

import "time"

// Fields maps a header keyword to its value.
type Fields map[string]string

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// IdentifierMap is keyed by entity id, then item id.
type IdentifierMap map[string]map[string]Fields

// Lookup returns the fields of one item.
func (m IdentifierMap) Lookup(entityID, itemID string) (Fields, bool) {
	items, ok := m[entityID]
	if !ok {
		return nil, false
	}
	fields, ok := items[itemID]
	return fields, ok
}

// Set stores the fields of one item, creating the entity entry if needed.
func (m IdentifierMap) Set(entityID, itemID string, fields Fields) {
	items, ok := m[entityID]
	if !ok {
		items = make(map[string]Fields)
		m[entityID] = items
	}
	items[itemID] = fields
}

// ItemCount returns the number of items across all entities.
func (m IdentifierMap) ItemCount() int {
	n := 0
	for _, items := range m {
		n += len(items)
	}
	return n
}

// CustomField is a key/value pair exchanged with the identifier service.
type CustomField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ItemResult is the identifier service answer for one item.
type ItemResult struct {
	ID                string        `json:"id"`
	SUID              string        `json:"suid"`
	IDSource          string        `json:"id_source,omitempty"`
	JitteredTimestamp string        `json:"jittered_timestamp,omitempty"`
	CustomFields      []CustomField `json:"custom_fields,omitempty"`
}

// EntityResult is the identifier service answer for one entity.
type EntityResult struct {
	ID       string       `json:"id"`
	SUID     string       `json:"suid"`
	IDSource string       `json:"id_source,omitempty"`
	Items    []ItemResult `json:"items"`
}

// BatchIdentifiers holds the identifier maps of a batch through extraction and replacement.
type BatchIdentifiers struct {
	ID        string
	BatchID   string
	Response  []EntityResult
	IDs       IdentifierMap
	Shared    Fields
	Updated   IdentifierMap
	Cleaned   map[string]Fields
	CreatedAt time.Time
	UpdatedAt time.Time
}
