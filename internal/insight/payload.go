package insight

import (
	"bytes"

	"github.com/goccy/go-json"
)

// emptyResult reports whether a response body signals a server-side cache
// miss: a "result" that is null, [] or absent, either at the top level or
// inside an element of a top-level "results" array.
func emptyResult(body []byte) (bool, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return false, err
	}

	if raw, ok := doc["result"]; ok {
		return emptyMarker(raw), nil
	}

	raw, ok := doc["results"]
	if !ok {
		return true, nil
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		// Not a list of insights; nothing to inspect.
		return false, nil
	}
	for _, item := range items {
		if r, ok := item["result"]; !ok || emptyMarker(r) {
			return true, nil
		}
	}
	return false, nil
}

func emptyMarker(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if bytes.Equal(v, []byte("null")) {
		return true
	}
	if len(v) >= 2 && v[0] == '[' && v[len(v)-1] == ']' {
		return len(bytes.TrimSpace(v[1:len(v)-1])) == 0
	}
	return false
}
