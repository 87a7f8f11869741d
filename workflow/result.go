// ABOUTME: Reads and validates result.json, the final artifact written by the analysis code.
// ABOUTME: Missing and unparseable results map to distinct failure kinds.

package workflow

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Result is the final answer of a run: the exact bytes of result.json.
type Result struct {
	Raw json.RawMessage
}

// MarshalJSON emits the stored payload unchanged.
func (r *Result) MarshalJSON() ([]byte, error) {
	return r.Raw, nil
}

// Decode unmarshals the payload into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// ReadResult loads result.json from folder. It returns a *Failure of kind
// ResultMissing, ResultMalformed or CollaboratorFault on error.
func ReadResult(folder string) (*Result, error) {
	path := filepath.Join(folder, ResultArtifact)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newFailure(KindResultMissing, "Result file not found.", "", err)
		}
		return nil, newFailure(KindCollaboratorFault, "Result file could not be read.", "", err)
	}

	if !json.Valid(data) {
		detail := Digest(string(data), DefaultDigestWords)
		return nil, newFailure(KindResultMalformed, "Result file is not valid JSON.", detail, nil)
	}
	return &Result{Raw: json.RawMessage(data)}, nil
}
