package schemas

// FieldType is the normalized kind of a form field.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldEmail    FieldType = "email"
	FieldTel      FieldType = "tel"
	FieldNumber   FieldType = "number"
	FieldDate     FieldType = "date"
	FieldPassword FieldType = "password"
	FieldTextarea FieldType = "textarea"
	FieldSelect   FieldType = "select"
	FieldRadio    FieldType = "radio"
	FieldCheckbox FieldType = "checkbox"
	FieldFile     FieldType = "file"
	FieldHidden   FieldType = "hidden"
	FieldSubmit   FieldType = "submit"
	FieldButton   FieldType = "button"
)

// Enumerated reports whether the field offers a fixed set of options.
func (t FieldType) Enumerated() bool {
	return t == FieldSelect || t == FieldRadio
}

// Fillable reports whether the field can receive a slot value.
func (t FieldType) Fillable() bool {
	return t != FieldHidden && t != FieldSubmit && t != FieldButton
}

// Option is one choice of an enumerated field. Locator is only set for
// radio options, which are clicked individually.
type Option struct {
	Label   string `json:"label"`
	Value   string `json:"value,omitempty"`
	Locator string `json:"locator,omitempty"`
}

// FieldDescriptor describes one field discovered on a page.
type FieldDescriptor struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Type     FieldType `json:"type"`
	Label    string    `json:"label,omitempty"`
	Options  []Option  `json:"options,omitempty"`
	Visible  bool      `json:"visible"`
	Required bool      `json:"required"`
	Checked  bool      `json:"checked,omitempty"`
	Locator  string    `json:"locator"`
}

// ControlKind distinguishes navigation controls on a page.
type ControlKind string

const (
	ControlSubmit ControlKind = "submit"
	ControlNext   ControlKind = "next"
	ControlLink   ControlKind = "link"
)

// Control is a button or link that advances the form.
type Control struct {
	Label   string      `json:"label"`
	Kind    ControlKind `json:"kind"`
	Locator string      `json:"locator"`
}

// PageSignature identifies a page for transition detection.
type PageSignature struct {
	Hash    string `json:"hash"`
	Markers int    `json:"markers"`
}

// Differs reports whether two signatures describe different pages.
func (s PageSignature) Differs(o PageSignature) bool {
	return s.Hash != o.Hash || s.Markers != o.Markers
}

// PageSnapshot is a machine-readable description of the current page.
// Snapshots are produced fresh on every inspection and never mutated.
type PageSnapshot struct {
	URL       string            `json:"url,omitempty"`
	Title     string            `json:"title,omitempty"`
	Text      string            `json:"-"`
	Fields    []FieldDescriptor `json:"fields"`
	Controls  []Control         `json:"controls,omitempty"`
	Signature PageSignature     `json:"signature"`
}

// Field returns the field with the given id.
func (p PageSnapshot) Field(id string) (FieldDescriptor, bool) {
	for _, f := range p.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}
