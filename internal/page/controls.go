// internal/page/controls.go
package page

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

var (
	nextWords   = []string{"next", "continue", "proceed"}
	submitWords = []string{"submit", "apply", "send", "finish", "complete", "done"}
	backWords   = []string{"back", "previous", "prev", "cancel", "reset", "save draft"}
)

// matchesAny reports whether the normalized label contains one of the words
// as a whole word or phrase.
func matchesAny(label string, words []string) bool {
	norm := " " + Normalize(label) + " "
	for _, w := range words {
		if strings.Contains(norm, " "+w+" ") {
			return true
		}
	}
	return false
}

// NextControl picks the control that advances the form: an explicit
// next/continue button first, then a submit button reading like a final
// submission, then any submit button, then a next link.
func NextControl(s schemas.PageSnapshot) (schemas.Control, bool) {
	ranks := []func(schemas.Control) bool{
		func(c schemas.Control) bool { return c.Kind == schemas.ControlNext },
		func(c schemas.Control) bool {
			return c.Kind == schemas.ControlSubmit && matchesAny(c.Label, submitWords)
		},
		func(c schemas.Control) bool { return c.Kind == schemas.ControlSubmit },
		func(c schemas.Control) bool { return c.Kind == schemas.ControlLink },
	}
	for _, match := range ranks {
		for _, c := range s.Controls {
			if match(c) {
				return c, true
			}
		}
	}
	return schemas.Control{}, false
}

// HasCompletionMarker reports whether the page title or text contains any
// of the markers, compared after normalization.
func HasCompletionMarker(s schemas.PageSnapshot, markers []string) bool {
	haystack := " " + Normalize(s.Title+" "+s.Text) + " "
	for _, m := range markers {
		needle := Normalize(m)
		if needle != "" && strings.Contains(haystack, " "+needle+" ") {
			return true
		}
	}
	return false
}

// Signature hashes the page title, field structure and controls. Field
// values and checked state are excluded so filling a page never changes
// its signature; only a different page does.
func Signature(s schemas.PageSnapshot, markers int) schemas.PageSignature {
	h := sha1.New()
	fmt.Fprintf(h, "title|%s\n", s.Title)
	for _, f := range s.Fields {
		fmt.Fprintf(h, "field|%s|%s|%s|%s|%d\n", f.Type, f.ID, f.Name, f.Label, len(f.Options))
	}
	for _, c := range s.Controls {
		fmt.Fprintf(h, "control|%s|%s\n", c.Kind, c.Label)
	}
	return schemas.PageSignature{Hash: hex.EncodeToString(h.Sum(nil)), Markers: markers}
}
