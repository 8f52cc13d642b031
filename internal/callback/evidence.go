package callback

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Flatten turns an automation's details map into the string-valued map the
// upstream expects inside JOB_EVI. Booleans and numbers are stringified,
// nil and empty values are dropped, nested structures are JSON-encoded.

func Flatten(details map[string]any) map[string]string {
	out := make(map[string]string, len(details))

	for k, v := range details {
		if v == nil {
			continue
		}

		switch t := v.(type) {
		case string:
			if t == "" {
				continue
			}
			out[k] = t
		case bool:
			if t {
				out[k] = "true"
			} else {
				out[k] = "false"
			}
		case float64:
			out[k] = trimFloat(t)
		case int:
			out[k] = fmt.Sprintf("%d", t)
		case int64:
			out[k] = fmt.Sprintf("%d", t)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}

	return out
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// Serialize encodes the evidence map as the JSON string carried in JOB_EVI.
// If the encoding exceeds maxBytes the largest values are cut down until it
// fits and a truncated marker is added.

func Serialize(evi map[string]string, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}

	b, err := json.Marshal(evi)

	if err != nil {
		return "", err
	}

	if len(b) <= maxBytes {
		return string(b), nil
	}

	// work on a copy; the marker itself must survive the cuts
	cut := make(map[string]string, len(evi)+1)
	for k, v := range evi {
		cut[k] = v
	}
	cut["truncated"] = "true"

	keys := make([]string, 0, len(cut))
	for k := range cut {
		keys = append(keys, k)
	}

	// biggest values first; the marker key is never trimmed
	sort.Slice(keys, func(a, b int) bool {
		return len(cut[keys[a]]) > len(cut[keys[b]])
	})

	for _, k := range keys {
		if k == "truncated" {
			continue
		}

		b, err = json.Marshal(cut)
		if err != nil {
			return "", err
		}
		if len(b) <= maxBytes {
			return string(b), nil
		}

		over := len(b) - maxBytes
		v := cut[k]

		if len(v) > over {
			cut[k] = v[:len(v)-over]
		} else {
			delete(cut, k)
		}
	}

	b, err = json.Marshal(cut)

	if err != nil {
		return "", err
	}

	return string(b), nil
}
