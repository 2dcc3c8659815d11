package batch

import (
	"encoding/json"
	"fmt"

	"github.com/fpang/shipment-bundler/internal/fault"
)

// Document field names.
const (
	imagesField   = "images"
	metadataField = "metadata"
	statsField    = "image_stats"
)

// Encode renders the package document: the batch envelope, the package's
// items enriched with their image paths under the original list key, the
// metadata block and the image stats.
func Encode(b *Batch, p PackagePlan) ([]byte, error) {
	doc := make(map[string]any, len(b.Envelope)+3)
	for k, v := range b.Envelope {
		doc[k] = v
	}

	items := make([]map[string]json.RawMessage, 0, len(p.Items))
	for _, it := range p.Items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(it.Raw, &fields); err != nil {
			return nil, fmt.Errorf("item %s: %w", it.ID, err)
		}
		paths, err := json.Marshal(p.AssetRefs[it.ID])
		if err != nil {
			return nil, err
		}
		fields[imagesField] = paths
		items = append(items, fields)
	}

	doc[b.ListKey] = items
	doc[metadataField] = p.Metadata
	doc[statsField] = p.Coverage
	return json.Marshal(doc)
}

// DocumentItem is one item read back from a package document.
type DocumentItem struct {
	ID     string
	Images []string
}

// Document is a decoded package document.
type Document struct {
	Metadata Metadata
	Items    []DocumentItem
	Coverage Coverage
}

// AssetRefs returns the item id to image path mapping.
func (d *Document) AssetRefs() map[string][]string {
	refs := make(map[string][]string, len(d.Items))
	for _, it := range d.Items {
		refs[it.ID] = it.Images
	}
	return refs
}

// Decode parses a package document written by Encode.
func Decode(data []byte) (*Document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fault.Structural(fmt.Sprintf("package document is not a JSON object: %v", err))
	}

	var doc Document
	if raw, ok := top[metadataField]; ok {
		if err := json.Unmarshal(raw, &doc.Metadata); err != nil {
			return nil, fault.Structural(fmt.Sprintf("invalid package metadata: %v", err))
		}
	} else {
		return nil, fault.Structural("package document has no metadata")
	}
	if raw, ok := top[statsField]; ok {
		_ = json.Unmarshal(raw, &doc.Coverage)
	}

	var rawItems []json.RawMessage
	for _, k := range ListKeys {
		if raw, ok := top[k]; ok {
			if err := json.Unmarshal(raw, &rawItems); err != nil {
				return nil, fault.Structural(fmt.Sprintf("%q must be a list", k))
			}
			break
		}
	}
	for i, raw := range rawItems {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fault.Structural(fmt.Sprintf("item %d: not an object", i))
		}
		id, err := parseID(fields["id"])
		if err != nil {
			return nil, fault.Structural(fmt.Sprintf("item %d: %v", i, err))
		}
		var images []string
		if raw, ok := fields[imagesField]; ok {
			if err := json.Unmarshal(raw, &images); err != nil {
				return nil, fault.Structural(fmt.Sprintf("item %d: images must be a list of strings", i))
			}
		}
		doc.Items = append(doc.Items, DocumentItem{ID: id, Images: images})
	}
	return &doc, nil
}
