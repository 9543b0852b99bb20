package projects

import (
	"bytes"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Reducer folds operation payloads into a document state.
// Apply must be deterministic: replaying the log from an empty state has to
// reproduce the state stored in the snapshot.
type Reducer interface {
	Apply(state StateBlob, payload OperationPayload) (StateBlob, error)
	Equivalent(left, right StateBlob) bool
}

// MergePatchReducer treats every operation as an RFC 7396 JSON merge patch.
type MergePatchReducer struct{}

// NewMergePatchReducer returns the default reducer for project documents.
func NewMergePatchReducer() MergePatchReducer {
	return MergePatchReducer{}
}

// Apply merges the payload into the state. Only object patches are accepted so
// the state stays a JSON object.
func (MergePatchReducer) Apply(state StateBlob, payload OperationPayload) (StateBlob, error) {
	if !bytes.HasPrefix(bytes.TrimSpace([]byte(payload)), []byte("{")) {
		return "", fmt.Errorf("%w: merge patch must be a JSON object", ErrInvalidOperation)
	}
	merged, err := jsonpatch.MergePatch([]byte(state), []byte(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	return StateBlob(merged), nil
}

// Equivalent reports whether both states hold the same JSON document.
func (MergePatchReducer) Equivalent(left, right StateBlob) bool {
	return jsonpatch.Equal([]byte(left), []byte(right))
}
