// Package lookup resolves shipment identifiers to their ordered image paths.
package lookup

import (
	"context"
)

// Resolver maps item ids to ordered storage paths in one batched call.
// Every requested id is present in the result; ids without images map to an
// empty list rather than an error.
type Resolver interface {
	Resolve(ctx context.Context, ids []string) (map[string][]string, error)
}

// Query selects image paths for a set of shipment ids in display order. The
// id list is bound as a single text[] parameter.
const Query = `SELECT shipment_id, image_path FROM shipment_images WHERE shipment_id = ANY(%s) ORDER BY shipment_id, position ASC`

// chunkSize bounds ids per query so the bound array stays well under the
// Data API request limit.
const chunkSize = 500

// complete fills in an empty list for every id absent from found.
func complete(ids []string, found map[string][]string) map[string][]string {
	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		if paths, ok := found[id]; ok {
			out[id] = paths
			continue
		}
		out[id] = []string{}
	}
	return out
}

// unique drops repeated ids, keeping first occurrences in order.
func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// chunks splits the unique ids into consecutive groups of at most n.
func chunks(ids []string, n int) [][]string {
	ids = unique(ids)
	var out [][]string
	for start := 0; start < len(ids); start += n {
		out = append(out, ids[start:min(start+n, len(ids))])
	}
	return out
}
