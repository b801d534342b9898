package deid

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/kursadbilgin/sendit/internal/domain"
)

var testKeys = Keys{
	EntityField: "PatientID",
	ItemField:   "SOPInstanceUID",
	CodedFields: []string{"AccessionNumber"},
}

func rawIDs() domain.IdentifierMap {
	ids := domain.IdentifierMap{}
	ids.Set("MRN0001", "1.2.3.1", domain.Fields{
		"PatientID":       "MRN-0001",
		"SOPInstanceUID":  "1.2.3.1",
		"AccessionNumber": "ACC123",
		"PatientName":     "Doe^Jane",
		"StudyDate":       "20160525",
		"Modality":        "CT",
	})
	ids.Set("MRN0001", "1.2.3.2", domain.Fields{
		"PatientID":       "MRN-0001",
		"SOPInstanceUID":  "1.2.3.2",
		"AccessionNumber": "ACC123",
		"StudyDate":       "20160525",
	})
	return ids
}

func TestEntityIDStripsDashes(t *testing.T) {
	t.Parallel()

	if got := EntityID(" MRN-0001 "); got != "MRN0001" {
		t.Fatalf("EntityID() = %q, want MRN0001", got)
	}
}

func TestMergePrefersServiceValues(t *testing.T) {
	t.Parallel()

	ids := rawIDs()
	results := []domain.EntityResult{{
		ID:   "MRN0001",
		SUID: "IR0001fa6",
		Items: []domain.ItemResult{{
			ID:                "1.2.3.1",
			SUID:              "IR661B54",
			JitteredTimestamp: "2016-05-20T00:00:00Z",
			CustomFields:      []domain.CustomField{{Key: "AccessionNumber", Value: "CODEDACC"}},
		}},
	}}

	updated := Merge(ids, results, testKeys)

	first, ok := updated.Lookup("MRN0001", "1.2.3.1")
	if !ok {
		t.Fatal("merged item missing")
	}
	if first["PatientID"] != "IR0001fa6" || first[VarEntityID] != "IR0001fa6" {
		t.Fatalf("entity fields = %v", first)
	}
	if first["SOPInstanceUID"] != "IR661B54" || first[VarItemID] != "IR661B54" {
		t.Fatalf("item fields = %v", first)
	}
	if first["StudyDate"] != "20160520" {
		t.Fatalf("StudyDate = %q, want 20160520", first["StudyDate"])
	}
	if first["AccessionNumber"] != "CODEDACC" {
		t.Fatalf("AccessionNumber = %q, want CODEDACC", first["AccessionNumber"])
	}

	second, _ := updated.Lookup("MRN0001", "1.2.3.2")
	if _, ok := second[VarItemID]; ok {
		t.Fatal("item without service result should not gain a secure id")
	}
	if second["AccessionNumber"] != "ACC123" {
		t.Fatal("item without service result should keep its fields")
	}

	original, _ := ids.Lookup("MRN0001", "1.2.3.1")
	if original["PatientID"] != "MRN-0001" {
		t.Fatal("Merge() modified its input")
	}
}

func TestMergeDropsUncodedFields(t *testing.T) {
	t.Parallel()

	results := []domain.EntityResult{{
		ID:    "MRN0001",
		SUID:  "IRP",
		Items: []domain.ItemResult{{ID: "1.2.3.1", SUID: "IRI"}},
	}}

	updated := Merge(rawIDs(), results, testKeys)
	fields, _ := updated.Lookup("MRN0001", "1.2.3.1")
	if _, ok := fields["AccessionNumber"]; ok {
		t.Fatalf("uncoded AccessionNumber kept: %v", fields)
	}
}

func TestBlacklistPolicyClean(t *testing.T) {
	t.Parallel()

	policy, err := LoadPolicy("dicom.blacklist", "")
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}

	updated := Merge(rawIDs(), []domain.EntityResult{{
		ID:   "MRN0001",
		SUID: "IRP",
		Items: []domain.ItemResult{
			{ID: "1.2.3.1", SUID: "IRI1", CustomFields: []domain.CustomField{{Key: "AccessionNumber", Value: "CODED"}}},
			{ID: "1.2.3.2", SUID: "IRI2", CustomFields: []domain.CustomField{{Key: "AccessionNumber", Value: "CODED"}}},
		},
	}}, testKeys)
	before, _ := updated.Lookup("MRN0001", "1.2.3.1")
	beforeName := before["PatientName"]

	cleaned := policy.Clean(updated)

	item, ok := cleaned["IRI1"]
	if !ok {
		t.Fatalf("cleaned keys = %v, want IRI1", cleaned)
	}
	if _, ok := item["PatientName"]; ok {
		t.Fatal("PatientName should be removed")
	}
	if item["PatientID"] != "IRP" {
		t.Fatalf("PatientID = %q, want IRP", item["PatientID"])
	}
	if item["Modality"] != "CT" {
		t.Fatal("unlisted fields should be kept")
	}
	if item["PatientIdentityRemoved"] != "YES" {
		t.Fatal("PatientIdentityRemoved should be added")
	}
	if _, ok := item[VarItemID]; ok {
		t.Fatal("pseudo-fields should not reach cleaned output")
	}
	for _, v := range item {
		if v == "MRN-0001" || v == "ACC123" {
			t.Fatalf("original identifier %q in cleaned output", v)
		}
	}

	after, _ := updated.Lookup("MRN0001", "1.2.3.1")
	if after["PatientName"] != beforeName {
		t.Fatal("Clean() modified updated map")
	}
}

func TestPolicyApplyReportsRemovedFields(t *testing.T) {
	t.Parallel()

	policy := &Policy{
		Default: ActionKeep,
		Fields: map[string]Rule{
			"PatientName":     {Action: ActionRemove},
			"InstitutionName": {Action: ActionBlank},
			"PatientID":       {Action: ActionReplace, Value: "var:" + VarEntityID},
		},
	}

	result := policy.Apply(domain.Fields{
		"PatientName":     "Doe^Jane",
		"InstitutionName": "Hospital",
		"PatientID":       "MRN",
	})

	if !slices.Equal(result.Removed, []string{"PatientID", "PatientName"}) {
		t.Fatalf("Removed = %v, want [PatientID PatientName]", result.Removed)
	}
	if v, ok := result.Fields["InstitutionName"]; !ok || v != "" {
		t.Fatalf("InstitutionName = %q, %v, want blank", v, ok)
	}
}

func TestLoadPolicyFromYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := []byte(`name: custom
default: remove
fields:
  Modality:
    action: keep
  PatientID:
    action: replace
    value: var:entity_id
`)
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	policy, err := LoadPolicy("ignored", path)
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if policy.Default != ActionRemove {
		t.Fatalf("Default = %s, want REMOVE", policy.Default)
	}

	result := policy.Apply(domain.Fields{"Modality": "MR", "StudyDescription": "BRAIN", VarEntityID: "IRP", "PatientID": "MRN"})
	if result.Fields["Modality"] != "MR" || result.Fields["PatientID"] != "IRP" {
		t.Fatalf("Fields = %v", result.Fields)
	}
	if _, ok := result.Fields["StudyDescription"]; ok {
		t.Fatal("default REMOVE should drop StudyDescription")
	}
}

func TestLoadPolicyErrors(t *testing.T) {
	t.Parallel()

	if _, err := LoadPolicy("dicom.unknown", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("LoadPolicy(unknown) error = %v, want ErrValidation", err)
	}
	if _, err := ParsePolicy([]byte("fields:\n  PatientID:\n    action: scramble\n")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("ParsePolicy(bad action) error = %v, want ErrValidation", err)
	}
}

func TestPixelFilter(t *testing.T) {
	t.Parallel()

	filter, err := NewPixelFilter([]string{"Modality=US"})
	if err != nil {
		t.Fatalf("NewPixelFilter() error = %v", err)
	}

	tests := []struct {
		name   string
		header domain.Fields
		want   bool
	}{
		{name: "no annotation tag", header: domain.Fields{"Modality": "CT"}, want: false},
		{name: "annotation NO", header: domain.Fields{"BurnedInAnnotation": "NO"}, want: false},
		{name: "annotation YES", header: domain.Fields{"BurnedInAnnotation": "YES", "Modality": "CT"}, want: true},
		{name: "whitelisted", header: domain.Fields{"BurnedInAnnotation": "YES", "Modality": "us"}, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := filter.Flagged(tt.header); got != tt.want {
				t.Fatalf("Flagged() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := NewPixelFilter([]string{"novalue"}); err == nil {
		t.Fatal("expected error for rule without '='")
	}
}

func TestShared(t *testing.T) {
	t.Parallel()

	shared := Shared([]domain.Fields{
		{"PatientID": "IRP", "Modality": "CT", "StudyDescription": "HEAD"},
		{"PatientID": "IRP", "Modality": "MR", "StudyDescription": "HEAD"},
	}, SharedFields)

	if shared["PatientID"] != "IRP" || shared["StudyDescription"] != "HEAD" {
		t.Fatalf("shared = %v", shared)
	}
	if _, ok := shared["Modality"]; ok {
		t.Fatal("differing Modality should not be shared")
	}
}
