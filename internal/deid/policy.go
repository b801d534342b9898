package deid

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kursadbilgin/sendit/internal/domain"
	"gopkg.in/yaml.v3"
)

type Action string

const (
	ActionKeep    Action = "KEEP"
	ActionRemove  Action = "REMOVE"
	ActionBlank   Action = "BLANK"
	ActionReplace Action = "REPLACE"
	ActionAdd     Action = "ADD"
)

func (a Action) IsValid() bool {
	switch a {
	case ActionKeep, ActionRemove, ActionBlank, ActionReplace, ActionAdd:
		return true
	}
	return false
}

const varPrefix = "var:"

// Rule is the action applied to one header field. Value is a literal or a
// var:<field> reference into the item's updated fields.
type Rule struct {
	Action Action `yaml:"action"`
	Value  string `yaml:"value,omitempty"`
}

// Policy filters item fields. Fields without a rule get Default.
type Policy struct {
	Name    string          `yaml:"name"`
	Default Action          `yaml:"default"`
	Fields  map[string]Rule `yaml:"fields"`
}

// LoadPolicy returns the policy in file when set, otherwise the built-in
// policy called name.
func LoadPolicy(name string, file string) (*Policy, error) {
	if strings.TrimSpace(file) != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		return ParsePolicy(raw)
	}

	p, ok := builtinPolicies[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown deid policy %q", domain.ErrValidation, name)
	}
	return p(), nil
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(raw []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid policy: %v", domain.ErrValidation, err)
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) normalize() error {
	p.Default = Action(strings.ToUpper(strings.TrimSpace(string(p.Default))))
	if p.Default == "" {
		p.Default = ActionKeep
	}
	if p.Default != ActionKeep && p.Default != ActionRemove && p.Default != ActionBlank {
		return fmt.Errorf("%w: invalid default action %q", domain.ErrValidation, p.Default)
	}
	for field, rule := range p.Fields {
		rule.Action = Action(strings.ToUpper(strings.TrimSpace(string(rule.Action))))
		if !rule.Action.IsValid() {
			return fmt.Errorf("%w: invalid action %q for %s", domain.ErrValidation, rule.Action, field)
		}
		p.Fields[field] = rule
	}
	return nil
}

// Result is the outcome of applying a policy to one item.
type Result struct {
	Fields  domain.Fields
	Removed []string
}

// Apply filters the fields of one item. fields is not modified.
func (p *Policy) Apply(fields domain.Fields) Result {
	out := make(domain.Fields, len(fields))
	var removed []string

	for name, value := range fields {
		if isVar(name) {
			continue
		}
		rule, ok := p.Fields[name]
		if !ok {
			rule = Rule{Action: p.Default}
		}

		switch rule.Action {
		case ActionKeep:
			out[name] = value
		case ActionBlank:
			out[name] = ""
		case ActionReplace, ActionAdd:
			if replacement, ok := resolve(rule.Value, fields); ok {
				out[name] = replacement
			} else {
				removed = append(removed, name)
			}
		default:
			removed = append(removed, name)
		}
	}

	for name, rule := range p.Fields {
		if rule.Action != ActionAdd {
			continue
		}
		if _, present := fields[name]; present {
			continue
		}
		if value, ok := resolve(rule.Value, fields); ok {
			out[name] = value
		}
	}

	sort.Strings(removed)
	return Result{Fields: out, Removed: removed}
}

// Clean applies the policy to every item of updated, keyed by the item's
// secure identifier. updated is not modified.
func (p *Policy) Clean(updated domain.IdentifierMap) map[string]domain.Fields {
	cleaned := make(map[string]domain.Fields, updated.ItemCount())
	for _, items := range updated {
		for itemID, fields := range items {
			key := fields[VarItemID]
			if key == "" {
				key = itemID
			}
			cleaned[key] = p.Apply(fields).Fields
		}
	}
	return cleaned
}

func resolve(value string, fields domain.Fields) (string, bool) {
	if name, ok := strings.CutPrefix(value, varPrefix); ok {
		v, found := fields[name]
		return v, found && v != ""
	}
	return value, true
}

func isVar(name string) bool {
	return name == VarEntityID || name == VarItemID
}

var builtinPolicies = map[string]func() *Policy{
	"dicom.blacklist": blacklistPolicy,
	"dicom.keep":      keepPolicy,
}

func keepPolicy() *Policy {
	return &Policy{
		Name:    "dicom.keep",
		Default: ActionKeep,
		Fields: map[string]Rule{
			"PatientID":      {Action: ActionReplace, Value: varPrefix + VarEntityID},
			"SOPInstanceUID": {Action: ActionReplace, Value: varPrefix + VarItemID},
		},
	}
}

func blacklistPolicy() *Policy {
	p := &Policy{
		Name:    "dicom.blacklist",
		Default: ActionKeep,
		Fields: map[string]Rule{
			"PatientID":              {Action: ActionReplace, Value: varPrefix + VarEntityID},
			"SOPInstanceUID":         {Action: ActionReplace, Value: varPrefix + VarItemID},
			"PatientIdentityRemoved": {Action: ActionAdd, Value: "YES"},
		},
	}
	for _, name := range []string{
		"PatientName",
		"PatientBirthDate",
		"PatientBirthTime",
		"OtherPatientIDs",
		"OtherPatientNames",
		"PatientAddress",
		"PatientTelephoneNumbers",
		"PatientMotherBirthName",
		"MilitaryRank",
		"AdditionalPatientHistory",
		"ReferringPhysicianName",
		"PerformingPhysicianName",
		"NameOfPhysiciansReadingStudy",
		"PhysiciansOfRecord",
		"RequestingPhysician",
		"OperatorsName",
		"InstitutionName",
		"InstitutionAddress",
		"InstitutionalDepartmentName",
		"StationName",
		"DeviceSerialNumber",
		"StudyID",
	} {
		p.Fields[name] = Rule{Action: ActionRemove}
	}
	return p
}
