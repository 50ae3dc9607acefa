package schemas

// SlotKind hints how a slot value is applied to a field.
type SlotKind string

const (
	SlotText     SlotKind = "text"
	SlotFile     SlotKind = "file"
	SlotCheckbox SlotKind = "checkbox"
)

// Slot is a named piece of candidate data to be placed into some field.
type Slot struct {
	Key      string   `json:"key" yaml:"key"`
	Value    string   `json:"value" yaml:"value"`
	Required bool     `json:"required,omitempty" yaml:"required"`
	Aliases  []string `json:"aliases,omitempty" yaml:"aliases"`
	Kind     SlotKind `json:"kind,omitempty" yaml:"kind"`
}

// ResolutionRule records which heuristic matched a slot.
type ResolutionRule string

const (
	RuleIDOrName   ResolutionRule = "id_or_name"
	RuleLabel      ResolutionRule = "label"
	RuleOption     ResolutionRule = "option"
	RuleClassifier ResolutionRule = "classifier"
	RuleUnresolved ResolutionRule = "unresolved"
)

// Resolution is the outcome for one slot.
type Resolution struct {
	Slot     string         `json:"slot"`
	FieldID  string         `json:"field_id,omitempty"`
	Locator  string         `json:"locator,omitempty"`
	Rule     ResolutionRule `json:"rule"`
	Required bool           `json:"required,omitempty"`
}

// Resolved reports whether the slot was mapped to a field.
func (r Resolution) Resolved() bool {
	return r.Rule != RuleUnresolved && r.FieldID != ""
}

// FieldMapping associates semantic slots with concrete fields on one page.
// Entries are ordered by slot key.
type FieldMapping struct {
	Entries []Resolution `json:"entries"`
}

// Lookup returns the resolution for a slot.
func (m FieldMapping) Lookup(slot string) (Resolution, bool) {
	for _, r := range m.Entries {
		if r.Slot == slot {
			return r, true
		}
	}
	return Resolution{}, false
}

// Unresolved returns the slots that matched no field.
func (m FieldMapping) Unresolved() []Resolution {
	var out []Resolution
	for _, r := range m.Entries {
		if !r.Resolved() {
			out = append(out, r)
		}
	}
	return out
}

// UnresolvedRequired returns the required slots that matched no field.
func (m FieldMapping) UnresolvedRequired() []Resolution {
	var out []Resolution
	for _, r := range m.Unresolved() {
		if r.Required {
			out = append(out, r)
		}
	}
	return out
}
