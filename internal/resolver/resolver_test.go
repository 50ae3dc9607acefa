// internal/resolver/resolver_test.go
package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/classifier"
	"github.com/xkilldash9x/formpilot/internal/page"
)

const applicationForm = `<html><head><title>Apply</title></head><body><form>
<input type="hidden" name="csrf" value="t">
<label for="first_name">First name</label><input id="first_name" name="first_name">
<label for="surname">Family name</label><input id="surname" name="lname">
<label for="mail">E-mail address</label><input id="mail" type="email" name="contact_email">
<label for="tel1">Phone number</label><input id="tel1" type="tel">
<label for="residence">Where do you live?</label>
<select id="residence" name="residence"><option>Germany</option><option>France</option></select>
<label for="cv">Resume</label><input id="cv" type="file" name="cv">
<input type="checkbox" id="consent" name="consent"><label for="consent">I agree to the privacy policy</label>
<div style="display:none"><label for="ghost">Nickname</label><input id="ghost" name="nickname"></div>
<label for="notes">Anything else?</label><textarea id="notes"></textarea>
<button type="submit">Submit</button>
</form></body></html>`

func snapshot(t testing.TB) schemas.PageSnapshot {
	t.Helper()
	snap, err := page.Parse(applicationForm)
	require.NoError(t, err)
	return snap
}

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(ctx context.Context, req classifier.Request) (classifier.Response, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(classifier.Response), args.Error(1)
}

func answer(id string) classifier.Response { return classifier.Response{MatchedFieldID: &id} }

func resolveOne(t *testing.T, r *Resolver, slot schemas.Slot) schemas.Resolution {
	t.Helper()
	m := r.Resolve(context.Background(), snapshot(t), []schemas.Slot{slot})
	require.Len(t, m.Entries, 1)
	return m.Entries[0]
}

func TestResolve_Rules(t *testing.T) {
	r := New(Options{Logger: zaptest.NewLogger(t)})

	tests := []struct {
		name    string
		slot    schemas.Slot
		fieldID string
		rule    schemas.ResolutionRule
	}{
		{"exact id", schemas.Slot{Key: "first_name", Value: "Ada"}, "first_name", schemas.RuleIDOrName},
		{"exact name", schemas.Slot{Key: "lname", Value: "Lovelace"}, "surname", schemas.RuleIDOrName},
		{"alias name", schemas.Slot{Key: "email", Value: "ada@example.com", Aliases: []string{"contact_email"}}, "mail", schemas.RuleIDOrName},
		{"label substring", schemas.Slot{Key: "phone", Value: "+44 20"}, "tel1", schemas.RuleLabel},
		{"normalized label", schemas.Slot{Key: "e_mail", Value: "ada@example.com"}, "mail", schemas.RuleLabel},
		{"alias label", schemas.Slot{Key: "last_name", Aliases: []string{"family name"}}, "surname", schemas.RuleLabel},
		{"option label", schemas.Slot{Key: "country", Value: "  germany "}, "residence", schemas.RuleOption},
		{"file slot", schemas.Slot{Key: "resume", Value: "/tmp/cv.pdf", Kind: schemas.SlotFile}, "cv", schemas.RuleLabel},
		{"checkbox slot", schemas.Slot{Key: "privacy", Value: "true", Kind: schemas.SlotCheckbox}, "consent", schemas.RuleLabel},
		{"textarea", schemas.Slot{Key: "anything_else", Value: "no"}, "notes", schemas.RuleLabel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := resolveOne(t, r, tt.slot)
			assert.Equal(t, tt.fieldID, res.FieldID)
			assert.Equal(t, tt.rule, res.Rule)
			assert.NotEmpty(t, res.Locator)
			assert.True(t, res.Resolved())
		})
	}
}

func TestResolve_Unresolved(t *testing.T) {
	r := New(Options{})
	tests := []schemas.Slot{
		{Key: "nickname", Value: "Countess", Required: true}, // hidden field
		{Key: "csrf", Value: "x"},                            // hidden input
		{Key: "salary", Value: "lots"},
		{Key: "cv", Value: "resume.pdf"}, // text slot never lands on a file input
	}
	for _, slot := range tests {
		t.Run(slot.Key, func(t *testing.T) {
			res := resolveOne(t, r, slot)
			assert.False(t, res.Resolved())
			assert.Equal(t, schemas.RuleUnresolved, res.Rule)
			assert.Equal(t, slot.Required, res.Required)
		})
	}
}

func TestResolve_IDBeatsLabel(t *testing.T) {
	snap := schemas.PageSnapshot{Fields: []schemas.FieldDescriptor{
		{ID: "a", Type: schemas.FieldText, Label: "Email", Visible: true, Locator: "//a"},
		{ID: "email", Type: schemas.FieldText, Label: "Contact", Visible: true, Locator: "//b"},
	}}
	m := New(Options{}).Resolve(context.Background(), snap, []schemas.Slot{{Key: "email"}})
	assert.Equal(t, "email", m.Entries[0].FieldID)
}

func TestResolve_ExactIDOfLaterSlotBeatsEarlierLabelMatch(t *testing.T) {
	snap, err := page.Parse(`<form><label for="work_email">Email</label><input id="work_email"></form>`)
	require.NoError(t, err)

	var rules []schemas.ResolutionRule
	r := New(Options{OnResolve: func(rule schemas.ResolutionRule) { rules = append(rules, rule) }})
	m := r.Resolve(context.Background(), snap, []schemas.Slot{
		{Key: "email", Value: "ada@example.com"},
		{Key: "work_email", Value: "ada@work.example", Required: true},
	})

	require.Len(t, m.Entries, 2)
	assert.Equal(t, "email", m.Entries[0].Slot)
	assert.False(t, m.Entries[0].Resolved(), "the only field belongs to the exact id match")
	assert.Equal(t, "work_email", m.Entries[1].Slot)
	assert.Equal(t, "work_email", m.Entries[1].FieldID)
	assert.Equal(t, schemas.RuleIDOrName, m.Entries[1].Rule)
	assert.Equal(t, []schemas.ResolutionRule{schemas.RuleUnresolved, schemas.RuleIDOrName}, rules)
}

func TestResolve_ClaimedFieldsAreNotReused(t *testing.T) {
	snap := schemas.PageSnapshot{Fields: []schemas.FieldDescriptor{
		{ID: "n1", Type: schemas.FieldText, Label: "Name", Visible: true, Locator: "//n1"},
		{ID: "n2", Type: schemas.FieldText, Label: "Name of referee", Visible: true, Locator: "//n2"},
	}}
	m := New(Options{}).Resolve(context.Background(), snap, []schemas.Slot{
		{Key: "referee", Value: "x"},
		{Key: "name", Value: "Ada"},
	})
	// "name" sorts first and takes n1 by label; "referee" then finds n2.
	require.Len(t, m.Entries, 2)
	assert.Equal(t, "name", m.Entries[0].Slot)
	assert.Equal(t, "n1", m.Entries[0].FieldID)
	assert.Equal(t, "n2", m.Entries[1].FieldID)
}

func TestResolve_Classifier(t *testing.T) {
	t.Run("match", func(t *testing.T) {
		c := new(mockClassifier)
		c.On("Classify", mock.Anything, mock.MatchedBy(func(req classifier.Request) bool {
			return req.TargetSlot.Key == "given" && len(req.PageFields) > 0
		})).Return(answer("first_name"), nil).Once()

		res := resolveOne(t, New(Options{Classifier: c}), schemas.Slot{Key: "given", Value: "Ada"})
		assert.Equal(t, schemas.RuleClassifier, res.Rule)
		assert.Equal(t, "first_name", res.FieldID)
		c.AssertExpectations(t)
	})

	t.Run("unknown id", func(t *testing.T) {
		c := new(mockClassifier)
		c.On("Classify", mock.Anything, mock.Anything).Return(answer("csrf"), nil)
		res := resolveOne(t, New(Options{Classifier: c}), schemas.Slot{Key: "given"})
		assert.False(t, res.Resolved(), "hidden fields are not candidates")
	})

	t.Run("error", func(t *testing.T) {
		c := new(mockClassifier)
		c.On("Classify", mock.Anything, mock.Anything).Return(classifier.Response{}, errors.New("quota"))
		res := resolveOne(t, New(Options{Classifier: c}), schemas.Slot{Key: "given", Required: true})
		assert.Equal(t, schemas.RuleUnresolved, res.Rule)
	})

	t.Run("timeout", func(t *testing.T) {
		c := new(mockClassifier)
		c.On("Classify", mock.Anything, mock.Anything).Return(classifier.Response{}, context.DeadlineExceeded).Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		})
		start := time.Now()
		res := resolveOne(t, New(Options{Classifier: c, Timeout: 20 * time.Millisecond}), schemas.Slot{Key: "given"})
		assert.False(t, res.Resolved())
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("not consulted when a heuristic matches", func(t *testing.T) {
		c := new(mockClassifier)
		res := resolveOne(t, New(Options{Classifier: c}), schemas.Slot{Key: "first_name"})
		assert.Equal(t, schemas.RuleIDOrName, res.Rule)
		c.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
	})
}

func TestResolve_DeterministicAcrossSlotOrder(t *testing.T) {
	slots := []schemas.Slot{
		{Key: "phone", Value: "1"},
		{Key: "first_name", Value: "Ada"},
		{Key: "country", Value: "France"},
		{Key: "name", Value: "Ada Lovelace"},
		{Key: "email", Value: "a@b.c"},
	}
	reversed := make([]schemas.Slot, len(slots))
	for i, s := range slots {
		reversed[len(slots)-1-i] = s
	}

	var rules []schemas.ResolutionRule
	r := New(Options{OnResolve: func(rule schemas.ResolutionRule) { rules = append(rules, rule) }})
	first := r.Resolve(context.Background(), snapshot(t), slots)
	second := r.Resolve(context.Background(), snapshot(t), reversed)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("mapping depends on slot order (-first +second):\n%s", diff)
	}
	assert.Len(t, rules, 2*len(slots))
	assert.Equal(t, "country", first.Entries[0].Slot)
}

func FuzzResolve(f *testing.F) {
	f.Add([]byte("seed-first_name-Ada"))
	f.Add([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	snap := snapshot(f)

	f.Fuzz(func(t *testing.T, data []byte) {
		var in struct {
			Slots []schemas.Slot
		}
		if err := fuzz.NewConsumer(data).GenerateStruct(&in); err != nil {
			return
		}
		r := New(Options{})
		a := r.Resolve(context.Background(), snap, in.Slots)
		b := r.Resolve(context.Background(), snap, in.Slots)
		if diff := cmp.Diff(a, b); diff != "" {
			t.Fatalf("non-deterministic mapping:\n%s", diff)
		}
		if len(a.Entries) != len(in.Slots) {
			t.Fatalf("got %d entries for %d slots", len(a.Entries), len(in.Slots))
		}
		seen := map[string]bool{}
		for _, e := range a.Entries {
			if !e.Resolved() {
				continue
			}
			if seen[e.FieldID] {
				t.Fatalf("field %q claimed twice", e.FieldID)
			}
			seen[e.FieldID] = true
		}
	})
}
