package api

import (
	"encoding/json"
	"net/http"
)

// decodeJSONBody decodes the request body into v, ignoring a missing or
// empty body — several handlers accept an optional body whose absence
// just means "use defaults from context".
func decodeJSONBody(r *http.Request, v interface{}) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(v)
}
