package fhir

// parentsOf returns every object that may hold the last segment of path,
// fanning out at each array-valued ancestor. segs includes the resource type.
func parentsOf(doc map[string]interface{}, segs []string) []map[string]interface{} {
	nodes := []map[string]interface{}{doc}
	if len(segs) < 2 {
		return nil
	}
	for _, seg := range segs[1 : len(segs)-1] {
		var next []map[string]interface{}
		for _, n := range nodes {
			switch v := n[seg].(type) {
			case map[string]interface{}:
				next = append(next, v)
			case []interface{}:
				for _, item := range v {
					if m, ok := item.(map[string]interface{}); ok {
						next = append(next, m)
					}
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		nodes = next
	}
	return nodes
}

// occurrences returns every value found at the element path, one per array
// item when the leaf itself repeats.
func occurrences(doc map[string]interface{}, segs []string) []interface{} {
	leaf := segs[len(segs)-1]
	var out []interface{}
	for _, p := range parentsOf(doc, segs) {
		v, ok := p[leaf]
		if !ok || v == nil {
			continue
		}
		if arr, ok := v.([]interface{}); ok {
			for _, item := range arr {
				if item != nil {
					out = append(out, item)
				}
			}
			continue
		}
		out = append(out, v)
	}
	return out
}
