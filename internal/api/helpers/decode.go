package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// maxBodyBytes caps request bodies. Nothing this API accepts is large;
// the biggest legitimate payload is a client registration.
const maxBodyBytes = 1 << 20

// DecodeJSON decodes a request body into v, rejecting unknown fields so
// a typo in a client payload fails loudly instead of being ignored.
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
