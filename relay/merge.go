package relay

import (
	"encoding/json"
	"strings"

	"golang.org/x/exp/maps"
)

// Document merge engine: applies one change event to the in-memory tree
// of a subscribed document. Trees are decoded JSON (map[string]any,
// []any, scalars). Substructures are mutated in place under a
// copy-on-root-write discipline: the root container is always replaced
// so reference-based reactive diffing sees the change.

// the document shape descriptor, attached at open time.
// RootIsCollection marks a collection-document whose root key holds the
// array directly; otherwise the root key names the entity object.
type DocShape struct {
	RootKey          string
	RootIsCollection bool
}

// the tree value after a root-entity deletion.
// distinguishable from nil and from normal shapes, so dependents can
// navigate away instead of rendering stale data.
type RemovedDoc struct{}

// the tree value after a server-pushed error for the document key
type DocError struct {
	Message string
}

func IsRemoved(tree any) bool {
	_, ok := tree.(RemovedDoc)
	return ok
}

func TreeError(tree any) (string, bool) {
	docError, ok := tree.(DocError)
	if !ok {
		return "", false
	}
	return docError.Message, true
}

func isSentinel(tree any) bool {
	switch tree.(type) {
	case RemovedDoc, DocError:
		return true
	default:
		return false
	}
}

func Merge(tree any, shape DocShape, op Op, collection string, parentIds []int64, payload any) any {
	switch op {
	case OpSet:
		return payload
	case OpAppend:
		return mergeAppend(tree, shape, payload)
	case OpUpsert:
		if collection == "" {
			return mergeRootUpsert(tree, shape, payload)
		}
		return mergeCollection(tree, shape, collection, parentIds, payload, false)
	case OpRemove:
		if collection == "" {
			// root-entity deletion
			return RemovedDoc{}
		}
		return mergeCollection(tree, shape, collection, parentIds, payload, true)
	default:
		return tree
	}
}

// MergeRaw decodes an undecoded payload first. A payload that does not
// decode leaves the tree unchanged.
func MergeRaw(tree any, shape DocShape, op Op, collection string, parentIds []int64, data json.RawMessage) any {
	var payload any
	if data != nil {
		if err := json.Unmarshal(data, &payload); err != nil {
			return tree
		}
	}
	return Merge(tree, shape, op, collection, parentIds, payload)
}

// append dedups by id, first seen wins, new items at the tail.
// existing items are never removed or replaced.
func mergeAppend(tree any, shape DocShape, payload any) any {
	if tree == nil || isSentinel(tree) {
		return payload
	}
	root, ok := tree.(map[string]any)
	if !ok {
		return payload
	}
	newRoot := maps.Clone(root)

	// raw-array payload targets the root collection directly
	if items, ok := payload.([]any); ok {
		if !shape.RootIsCollection {
			return tree
		}
		existing, _ := newRoot[shape.RootKey].([]any)
		newRoot[shape.RootKey] = dedupAppend(existing, items)
		return newRoot
	}

	payloadRoot, ok := payload.(map[string]any)
	if !ok {
		return tree
	}

	if shape.RootIsCollection {
		// both sides are {rootKey: [...], ...}
		for field, value := range payloadRoot {
			items, ok := value.([]any)
			if !ok {
				continue
			}
			existing, ok := newRoot[field].([]any)
			if !ok {
				continue
			}
			newRoot[field] = dedupAppend(existing, items)
		}
		return newRoot
	}

	// entity document: array fields live inside the named entity
	entity, ok := newRoot[shape.RootKey].(map[string]any)
	if !ok {
		return tree
	}
	payloadEntity, ok := payloadRoot[shape.RootKey].(map[string]any)
	if !ok {
		return tree
	}
	newEntity := maps.Clone(entity)
	for field, value := range payloadEntity {
		items, ok := value.([]any)
		if !ok {
			continue
		}
		existing, ok := newEntity[field].([]any)
		if !ok {
			continue
		}
		newEntity[field] = dedupAppend(existing, items)
	}
	newRoot[shape.RootKey] = newEntity
	return newRoot
}

// shallow-merge payload fields onto the root entity. Arrays present in
// the payload are replaced as plain fields, never deep-merged; nested
// array changes route through a collection path instead.
func mergeRootUpsert(tree any, shape DocShape, payload any) any {
	root, ok := tree.(map[string]any)
	if !ok {
		return tree
	}
	fields, ok := payload.(map[string]any)
	if !ok {
		return tree
	}
	newRoot := maps.Clone(root)
	if shape.RootIsCollection {
		for k, v := range fields {
			newRoot[k] = v
		}
		return newRoot
	}
	entity, ok := newRoot[shape.RootKey].(map[string]any)
	if !ok {
		return tree
	}
	newEntity := maps.Clone(entity)
	for k, v := range fields {
		newEntity[k] = v
	}
	newRoot[shape.RootKey] = newEntity
	return newRoot
}

// resolve the dotted collection path and upsert or remove by id.
// any failed lookup along the way is an expected race with a removed
// parent: the whole operation is a silent no-op.
func mergeCollection(tree any, shape DocShape, collection string, parentIds []int64, payload any, remove bool) any {
	root, ok := tree.(map[string]any)
	if !ok {
		return tree
	}
	segments := strings.Split(collection, ".")
	if len(parentIds) != len(segments)-1 {
		return tree
	}

	newRoot := maps.Clone(root)

	// shape detection: a path starting at the root key walks from the
	// document root; otherwise from the root entity object
	var current map[string]any
	if segments[0] == shape.RootKey {
		current = newRoot
	} else {
		entity, ok := newRoot[shape.RootKey].(map[string]any)
		if !ok {
			return tree
		}
		newEntity := maps.Clone(entity)
		newRoot[shape.RootKey] = newEntity
		current = newEntity
	}

	for i := 0; i < len(segments)-1; i += 1 {
		items, ok := current[segments[i]].([]any)
		if !ok {
			return tree
		}
		next, ok := findById(items, parentIds[i])
		if !ok {
			return tree
		}
		current = next
	}

	last := segments[len(segments)-1]
	items, ok := current[last].([]any)
	if !ok {
		return tree
	}
	id, ok := idOf(payload)
	if !ok {
		return tree
	}

	if remove {
		// preserves relative order of survivors
		for i, item := range items {
			if itemId, ok := idOf(item); ok && itemId == id {
				current[last] = append(append([]any{}, items[:i]...), items[i+1:]...)
				break
			}
		}
		return newRoot
	}

	// upsert: replace in place to preserve position, else append
	for i, item := range items {
		if itemId, ok := idOf(item); ok && itemId == id {
			next := append([]any{}, items...)
			next[i] = payload
			current[last] = next
			return newRoot
		}
	}
	current[last] = append(append([]any{}, items...), payload)
	return newRoot
}

func findById(items []any, id int64) (map[string]any, bool) {
	for _, item := range items {
		if itemId, ok := idOf(item); ok && itemId == id {
			m, ok := item.(map[string]any)
			return m, ok
		}
	}
	return nil, false
}

func idOf(v any) (int64, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}
	switch id := m["id"].(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case int:
		return int64(id), true
	case json.Number:
		n, err := id.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func dedupAppend(existing []any, add []any) []any {
	seen := map[int64]bool{}
	for _, item := range existing {
		if id, ok := idOf(item); ok {
			seen[id] = true
		}
	}
	next := append([]any{}, existing...)
	for _, item := range add {
		id, ok := idOf(item)
		if ok && seen[id] {
			// first seen wins
			continue
		}
		if ok {
			seen[id] = true
		}
		next = append(next, item)
	}
	return next
}
