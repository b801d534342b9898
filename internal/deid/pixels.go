package deid

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/sendit/internal/domain"
)

type criterion struct {
	field string
	value string
}

// PixelFilter flags images whose header reports burned-in annotations.
type PixelFilter struct {
	whitelist []criterion
}

// NewPixelFilter parses Field=Value whitelist rules. An image matching any
// rule is never flagged.
func NewPixelFilter(rules []string) (*PixelFilter, error) {
	f := &PixelFilter{}
	for _, rule := range rules {
		field, value, ok := strings.Cut(rule, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, fmt.Errorf("%w: invalid whitelist rule %q", domain.ErrValidation, rule)
		}
		f.whitelist = append(f.whitelist, criterion{field: field, value: strings.TrimSpace(value)})
	}
	return f, nil
}

// Flagged reports whether the image must be kept out of the batch.
func (f *PixelFilter) Flagged(header domain.Fields) bool {
	burned := strings.ToUpper(strings.TrimSpace(header["BurnedInAnnotation"]))
	if burned == "" || burned == "NO" {
		return false
	}
	if f == nil {
		return true
	}
	for _, c := range f.whitelist {
		if strings.EqualFold(strings.TrimSpace(header[c.field]), c.value) {
			return false
		}
	}
	return true
}
