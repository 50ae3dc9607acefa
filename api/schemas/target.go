package schemas

// TargetData is the input of one session: where the form lives and the
// candidate data to place into it. It is read once when the session starts.
type TargetData struct {
	URL               string   `json:"url" yaml:"url"`
	ExpectedPages     int      `json:"expected_pages,omitempty" yaml:"expected_pages"`
	CompletionMarkers []string `json:"completion_markers,omitempty" yaml:"completion_markers"`
	Slots             []Slot   `json:"slots" yaml:"slots"`

	// Ref names where the document came from, usually a file path.
	Ref string `json:"-" yaml:"-"`
}

// RequiredSlots returns the keys of the slots marked required.
func (t TargetData) RequiredSlots() []string {
	var keys []string
	for _, s := range t.Slots {
		if s.Required {
			keys = append(keys, s.Key)
		}
	}
	return keys
}
