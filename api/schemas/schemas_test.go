package schemas_test

import (
	"testing"

	// Third party libraries for expressive and robust assertions.
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	// Import the package we are testing.
	"github.com/xkilldash9x/formpilot/api/schemas"
)

// -- Test Cases --

// TestActionClone verifies that a clone does not share its params map.
func TestActionClone(t *testing.T) {
	a := schemas.Action{Type: schemas.ActionTypeText, Params: map[string]string{"text": "Ada"}}
	b := a.Clone()
	b.Params["text"] = "Grace"
	assert.Equal(t, "Ada", a.Params["text"])

	assert.False(t, a.Failed())
	a.Outcome = schemas.OutcomeFailure
	assert.True(t, a.Failed())
	a.Outcome = schemas.OutcomeNotFound
	assert.False(t, a.Failed(), "not_found is an answer, not a failure")
}

// TestFieldType covers the fillable and enumerated predicates.
func TestFieldType(t *testing.T) {
	for _, ft := range []schemas.FieldType{schemas.FieldHidden, schemas.FieldSubmit, schemas.FieldButton} {
		assert.False(t, ft.Fillable(), ft)
	}
	for _, ft := range []schemas.FieldType{schemas.FieldText, schemas.FieldSelect, schemas.FieldCheckbox, schemas.FieldFile} {
		assert.True(t, ft.Fillable(), ft)
	}
	assert.True(t, schemas.FieldSelect.Enumerated())
	assert.True(t, schemas.FieldRadio.Enumerated())
	assert.False(t, schemas.FieldCheckbox.Enumerated())
}

func TestPageSignatureDiffers(t *testing.T) {
	a := schemas.PageSignature{Hash: "abc", Markers: 2}
	assert.False(t, a.Differs(a))
	assert.True(t, a.Differs(schemas.PageSignature{Hash: "abd", Markers: 2}))
	assert.True(t, a.Differs(schemas.PageSignature{Hash: "abc", Markers: 3}))
}

// TestFieldMapping verifies lookups and the unresolved helpers.
func TestFieldMapping(t *testing.T) {
	m := schemas.FieldMapping{Entries: []schemas.Resolution{
		{Slot: "email", FieldID: "email", Rule: schemas.RuleIDOrName},
		{Slot: "first_name", Rule: schemas.RuleUnresolved, Required: true},
		{Slot: "nickname", Rule: schemas.RuleUnresolved},
	}}

	r, ok := m.Lookup("email")
	require.True(t, ok)
	assert.True(t, r.Resolved())
	_, ok = m.Lookup("phone")
	assert.False(t, ok)

	assert.Len(t, m.Unresolved(), 2)
	req := m.UnresolvedRequired()
	require.Len(t, req, 1)
	assert.Equal(t, "first_name", req[0].Slot)
}

func TestTargetRequiredSlots(t *testing.T) {
	td := schemas.TargetData{Slots: []schemas.Slot{
		{Key: "a", Required: true}, {Key: "b"}, {Key: "c", Required: true},
	}}
	assert.Equal(t, []string{"a", "c"}, td.RequiredSlots())
	assert.Nil(t, schemas.TargetData{}.RequiredSlots())
}

func TestApplicationResultHasErrorKind(t *testing.T) {
	r := &schemas.ApplicationResult{Errors: []schemas.ErrorRecord{{Kind: schemas.ErrKindResolution}}}
	assert.True(t, r.HasErrorKind(schemas.ErrKindResolution))
	assert.False(t, r.HasErrorKind(schemas.ErrKindTimeout))
}

func TestProgressEventIsGap(t *testing.T) {
	assert.True(t, schemas.ProgressEvent{Status: schemas.StatusGap, Gap: &schemas.Gap{From: 1, To: 2}}.IsGap())
	assert.False(t, schemas.ProgressEvent{Status: schemas.StatusGap}.IsGap())
	assert.False(t, schemas.ProgressEvent{Status: schemas.StatusStarted}.IsGap())
}
