// Package deid builds, merges and filters the identifier maps of a batch.
package deid

import (
	"strings"
	"time"

	"github.com/kursadbilgin/sendit/internal/domain"
)

// Pseudo-fields carried in updated maps for REPLACE var: rules. They are never
// written to files.
const (
	VarEntityID = "entity_id"
	VarItemID   = "item_id"
)

// Keys names the header fields that identify entities and items.
type Keys struct {
	EntityField string
	ItemField   string
	// CodedFields must be replaced by the identifier service. A coded field
	// the service did not return is dropped rather than kept in clear.
	CodedFields []string
}

// EntityID normalizes a header value into an identifier map entity key.
func EntityID(value string) string {
	return strings.ReplaceAll(strings.TrimSpace(value), "-", "")
}

// Merge overlays identifier service results on the locally parsed map. Service
// values win over header values. ids is not modified.
func Merge(ids domain.IdentifierMap, results []domain.EntityResult, keys Keys) domain.IdentifierMap {
	updated := clone(ids)

	for _, entity := range results {
		items, ok := updated[entity.ID]
		if !ok {
			continue
		}
		for _, item := range entity.Items {
			fields, ok := items[item.ID]
			if !ok {
				continue
			}
			if entity.SUID != "" {
				fields[keys.EntityField] = entity.SUID
				fields[VarEntityID] = entity.SUID
			}
			if item.SUID != "" {
				fields[keys.ItemField] = item.SUID
				fields[VarItemID] = item.SUID
			}
			if date := normalizeDate(item.JitteredTimestamp); date != "" {
				fields["StudyDate"] = date
			}
			returned := make(map[string]struct{}, len(item.CustomFields))
			for _, cf := range item.CustomFields {
				fields[cf.Key] = cf.Value
				returned[cf.Key] = struct{}{}
			}
			for _, coded := range keys.CodedFields {
				if _, ok := returned[coded]; !ok {
					delete(fields, coded)
				}
			}
		}
	}

	return updated
}

// Passthrough returns a copy of ids where each item's own identifiers stand in
// for secure identifiers. Used when identifier lookup is disabled.
func Passthrough(ids domain.IdentifierMap) domain.IdentifierMap {
	updated := clone(ids)
	for entityID, items := range updated {
		for itemID, fields := range items {
			fields[VarEntityID] = entityID
			fields[VarItemID] = itemID
		}
	}
	return updated
}

func clone(ids domain.IdentifierMap) domain.IdentifierMap {
	out := make(domain.IdentifierMap, len(ids))
	for entityID, items := range ids {
		for itemID, fields := range items {
			out.Set(entityID, itemID, fields.Clone())
		}
	}
	return out
}

// normalizeDate turns an ISO timestamp or date into DICOM YYYYMMDD.
func normalizeDate(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("20060102")
		}
	}
	return ""
}
