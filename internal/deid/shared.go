package deid

import "github.com/kursadbilgin/sendit/internal/domain"

// SharedFields are aggregated once per batch from the rewritten files.
var SharedFields = []string{
	"PatientID",
	"AccessionNumber",
	"StudyDate",
	"Modality",
	"BodyPartExamined",
	"StudyDescription",
	"PatientAge",
	"PatientSex",
}

// Shared returns the fields whose value is present and identical in every
// header.
func Shared(headers []domain.Fields, fields []string) domain.Fields {
	shared := make(domain.Fields)
	if len(headers) == 0 {
		return shared
	}

	for _, name := range fields {
		value := headers[0][name]
		if value == "" {
			continue
		}
		same := true
		for _, h := range headers[1:] {
			if h[name] != value {
				same = false
				break
			}
		}
		if same {
			shared[name] = value
		}
	}
	return shared
}
