// internal/targetdata/targetdata.go
package targetdata

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/failure"
)

// Format is the encoding of a target data document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

const op = "targetdata.load"

// Load reads and validates the document at path. A leading ~ is expanded.
// Files ending in .json are decoded as JSON; everything else as YAML.
func Load(path string) (schemas.TargetData, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return schemas.TargetData{}, failure.New(failure.FatalConfiguration, op, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return schemas.TargetData{}, failure.New(failure.FatalConfiguration, op, err)
	}

	format := FormatYAML
	if strings.EqualFold(filepath.Ext(expanded), ".json") {
		format = FormatJSON
	}
	td, err := Parse(data, format)
	if err != nil {
		return schemas.TargetData{}, fmt.Errorf("%s: %w", expanded, err)
	}
	td.Ref = expanded
	return td, nil
}

// Parse decodes and validates a document. Unknown keys are rejected so a
// misspelled field does not silently drop data.
func Parse(data []byte, format Format) (schemas.TargetData, error) {
	var td schemas.TargetData
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&td); err != nil {
			return td, failure.Newf(failure.FatalConfiguration, op, "invalid json document: %v", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&td); err != nil {
			return td, failure.Newf(failure.FatalConfiguration, op, "invalid yaml document: %v", err)
		}
	default:
		return td, failure.Newf(failure.FatalConfiguration, op, "unknown format %q", format)
	}

	for i := range td.Slots {
		if td.Slots[i].Kind == schemas.SlotFile && td.Slots[i].Value != "" {
			p, err := homedir.Expand(td.Slots[i].Value)
			if err != nil {
				return td, failure.New(failure.FatalConfiguration, op, err)
			}
			td.Slots[i].Value = p
		}
	}
	return td, Validate(td)
}

// Validate checks that a document can drive a session.
func Validate(td schemas.TargetData) error {
	if strings.TrimSpace(td.URL) == "" {
		return failure.Newf(failure.FatalConfiguration, "targetdata.validate", "url is required")
	}
	u, err := url.Parse(td.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return failure.Newf(failure.FatalConfiguration, "targetdata.validate", "url %q must be an absolute http(s) url", td.URL)
	}
	if td.ExpectedPages < 0 {
		return failure.Newf(failure.FatalConfiguration, "targetdata.validate", "expected_pages must not be negative")
	}
	if len(td.Slots) == 0 {
		return failure.Newf(failure.FatalConfiguration, "targetdata.validate", "at least one slot is required")
	}

	seen := make(map[string]bool, len(td.Slots))
	for i, s := range td.Slots {
		if strings.TrimSpace(s.Key) == "" {
			return failure.Newf(failure.FatalConfiguration, "targetdata.validate", "slot %d has no key", i)
		}
		if seen[s.Key] {
			return failure.Newf(failure.FatalConfiguration, "targetdata.validate", "duplicate slot key %q", s.Key)
		}
		seen[s.Key] = true

		switch s.Kind {
		case "", schemas.SlotText:
		case schemas.SlotFile:
			if s.Value == "" {
				return failure.Newf(failure.FatalConfiguration, "targetdata.validate", "file slot %q needs a path", s.Key)
			}
		case schemas.SlotCheckbox:
			if _, ok := Truthy(s.Value); !ok {
				return failure.Newf(failure.FatalConfiguration, "targetdata.validate", "checkbox slot %q has non-boolean value %q", s.Key, s.Value)
			}
		default:
			return failure.Newf(failure.FatalConfiguration, "targetdata.validate", "slot %q has unknown kind %q", s.Key, s.Kind)
		}
	}
	return nil
}

// Truthy interprets a checkbox slot value. The second result is false when
// the value is not recognizably boolean.
func Truthy(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "on", "checked", "agree":
		return true, true
	case "no", "n", "off", "unchecked", "":
		return false, true
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}
