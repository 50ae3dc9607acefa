// internal/journal/export.go
package journal

import (
	"bufio"
	"fmt"
	"io"

	json "github.com/json-iterator/go"
	"github.com/xkilldash9x/formpilot/api/schemas"
)

// WriteJSONL writes one JSON object per entry, for postmortem replay.
func WriteJSONL(w io.Writer, entries []schemas.Action) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, a := range entries {
		if err := enc.Encode(a); err != nil {
			return fmt.Errorf("failed to encode action %d: %w", a.Sequence, err)
		}
	}
	return bw.Flush()
}

// ReadJSONL reads entries written by WriteJSONL.
func ReadJSONL(r io.Reader) ([]schemas.Action, error) {
	var out []schemas.Action
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var a schemas.Action
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return out, nil
}
