// Package batch parses and validates shipment batch files and partitions
// them into bounded packages.
package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fpang/shipment-bundler/internal/fault"
)

// ListKeys are the accepted names of the top-level shipment list, in
// lookup order.
var ListKeys = []string{"envios", "shipments"}

// maxProblems caps how many violations a StructuralError carries.
const maxProblems = 10

// Item is one shipment record. Raw holds the record exactly as received.
type Item struct {
	ID  string
	Raw json.RawMessage
}

// Batch is a validated batch file.
type Batch struct {
	// ListKey is the key the shipment list was found under.
	ListKey string
	// Envelope holds every other top-level field, carried into package documents.
	Envelope map[string]json.RawMessage
	Items    []Item
}

// IDs returns the item identifiers in input order.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.Items))
	for i, it := range b.Items {
		ids[i] = it.ID
	}
	return ids
}

// Parse decodes data and validates its structure. maxItems caps the number of
// items; zero disables the cap. Every violation is returned as a
// *fault.StructuralError and nothing is partially accepted.
func Parse(data []byte, maxItems int) (*Batch, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fault.Structural(fmt.Sprintf("batch is not a JSON object: %v", err))
	}

	listKey := ""
	for _, k := range ListKeys {
		if _, ok := top[k]; ok {
			listKey = k
			break
		}
	}
	if listKey == "" {
		return nil, fault.Structural(fmt.Sprintf("missing required list %q", ListKeys[0]))
	}

	var rawItems []json.RawMessage
	if err := json.Unmarshal(top[listKey], &rawItems); err != nil || rawItems == nil {
		return nil, fault.Structural(fmt.Sprintf("%q must be a list", listKey))
	}
	if len(rawItems) == 0 {
		return nil, fault.Structural(fmt.Sprintf("%q must not be empty", listKey))
	}
	if maxItems > 0 && len(rawItems) > maxItems {
		return nil, fault.Structural(fmt.Sprintf("%q has %d items, exceeding the limit of %d", listKey, len(rawItems), maxItems))
	}

	var problems []string
	extra := 0
	report := func(format string, args ...any) {
		if len(problems) < maxProblems {
			problems = append(problems, fmt.Sprintf(format, args...))
			return
		}
		extra++
	}

	items := make([]Item, 0, len(rawItems))
	seen := make(map[string]int, len(rawItems))
	for i, raw := range rawItems {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
			report("item %d: not an object", i)
			continue
		}
		idRaw, ok := fields["id"]
		if !ok {
			report("item %d: missing id", i)
			continue
		}
		id, err := parseID(idRaw)
		if err != nil {
			report("item %d: %v", i, err)
			continue
		}
		if first, dup := seen[id]; dup {
			report("item %d: duplicate id %q (first at item %d)", i, id, first)
			continue
		}
		seen[id] = i
		items = append(items, Item{ID: id, Raw: raw})
	}
	if extra > 0 {
		problems = append(problems, fmt.Sprintf("and %d more", extra))
	}
	if len(problems) > 0 {
		return nil, &fault.StructuralError{Problems: problems}
	}

	delete(top, listKey)
	return &Batch{ListKey: listKey, Envelope: top, Items: items}, nil
}

// parseID accepts a non-empty string or a JSON number. Numbers keep their
// literal text so that 42 and "42" address the same lookup row.
func parseID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("empty id")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("invalid id: %w", err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", fmt.Errorf("empty id")
		}
		return s, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("invalid id: %w", err)
		}
		return n.String(), nil
	default:
		return "", fmt.Errorf("id must be a string or number, got %s", raw)
	}
}
