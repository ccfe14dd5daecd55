package handlers

import (
	"encoding/json"
	"net/http/httptest"
)

// decodeBody unmarshals a recorded JSON response into v.
func decodeBody(rec *httptest.ResponseRecorder, v interface{}) error {
	return json.Unmarshal(rec.Body.Bytes(), v)
}
