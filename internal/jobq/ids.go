package jobq

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// NormalizeIDs flattens a batch job-id input into a deduplicated ordered
// list. Accepted shapes: a single id, a number, a comma-delimited string, a
// list, or a mapping whose values are themselves any accepted shape. Blank
// entries are dropped; map keys are visited in sorted order so the result
// is deterministic.
func NormalizeIDs(input any) []string {
	var out []string
	seen := make(map[string]struct{})
	collectIDs(input, seen, &out)
	return out
}

func collectIDs(input any, seen map[string]struct{}, out *[]string) {
	switch v := input.(type) {
	case nil:
	case string:
		for _, part := range strings.Split(v, ",") {
			id := strings.TrimSpace(part)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			*out = append(*out, id)
		}
	case float64:
		collectIDs(strconv.FormatFloat(v, 'f', -1, 64), seen, out)
	case int:
		collectIDs(strconv.Itoa(v), seen, out)
	case int64:
		collectIDs(strconv.FormatInt(v, 10), seen, out)
	case json.Number:
		collectIDs(v.String(), seen, out)
	case []string:
		for _, s := range v {
			collectIDs(s, seen, out)
		}
	case []any:
		for _, item := range v {
			collectIDs(item, seen, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectIDs(v[k], seen, out)
		}
	case map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectIDs(v[k], seen, out)
		}
	}
}
