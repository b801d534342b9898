package identifier

import (
	"sort"
	"time"

	"github.com/kursadbilgin/sendit/internal/domain"
)

// Request is the identifier service payload.
type Request struct {
	Identifiers []Entity `json:"identifiers"`
}

type Entity struct {
	ID       string `json:"id"`
	IDSource string `json:"id_source"`
	Items    []Item `json:"items"`
}

type Item struct {
	ID           string               `json:"id"`
	IDSource     string               `json:"id_source"`
	IDTimestamp  string               `json:"id_timestamp,omitempty"`
	CustomFields []domain.CustomField `json:"custom_fields,omitempty"`
}

// ItemCount returns the number of items across entities.
func (r Request) ItemCount() int {
	n := 0
	for _, e := range r.Identifiers {
		n += len(e.Items)
	}
	return n
}

// RequestFields names the header fields a request is built from.
type RequestFields struct {
	EntityField string
	ItemField   string
	CodedFields []string
}

// BuildRequest turns a raw identifier map into the minimal service payload.
// Entities and items are sorted so chunk boundaries are stable across runs.
func BuildRequest(ids domain.IdentifierMap, fields RequestFields) Request {
	entityIDs := make([]string, 0, len(ids))
	for id := range ids {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)

	req := Request{Identifiers: make([]Entity, 0, len(entityIDs))}
	for _, entityID := range entityIDs {
		items := ids[entityID]
		itemIDs := make([]string, 0, len(items))
		for id := range items {
			itemIDs = append(itemIDs, id)
		}
		sort.Strings(itemIDs)

		entity := Entity{
			ID:       entityID,
			IDSource: fields.EntityField,
			Items:    make([]Item, 0, len(itemIDs)),
		}
		for _, itemID := range itemIDs {
			header := items[itemID]
			item := Item{
				ID:          itemID,
				IDSource:    fields.ItemField,
				IDTimestamp: itemTimestamp(header),
			}
			for _, coded := range fields.CodedFields {
				if value := header[coded]; value != "" {
					item.CustomFields = append(item.CustomFields, domain.CustomField{Key: coded, Value: value})
				}
			}
			entity.Items = append(entity.Items, item)
		}
		req.Identifiers = append(req.Identifiers, entity)
	}
	return req
}

func itemTimestamp(header domain.Fields) string {
	for _, field := range []string{"AcquisitionDate", "StudyDate"} {
		if t, err := time.Parse("20060102", header[field]); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return ""
}

type entityItem struct {
	entity int
	item   Item
}

// split regroups a chunk of flattened items under their entities.
func split(entities []Entity, part []entityItem) Request {
	req := Request{}
	index := make(map[int]int)
	for _, ei := range part {
		pos, ok := index[ei.entity]
		if !ok {
			src := entities[ei.entity]
			req.Identifiers = append(req.Identifiers, Entity{ID: src.ID, IDSource: src.IDSource})
			pos = len(req.Identifiers) - 1
			index[ei.entity] = pos
		}
		req.Identifiers[pos].Items = append(req.Identifiers[pos].Items, ei.item)
	}
	return req
}
