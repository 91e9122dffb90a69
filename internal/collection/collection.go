// Package collection loads, orders and persists JSON collections of pipeline items.
package collection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"physics-pipeline/internal/shared/storage/object"
)

// DefaultIDField is the identifier field of physics problem collections.
const DefaultIDField = "index"

// ErrNotArray is returned when a document is not a JSON array of objects.
var ErrNotArray = errors.New("collection document is not a JSON array of objects")

// Item is one problem record. Numbers are kept as json.Number so that a
// load/save round trip never rewrites values.
type Item map[string]any

// Clone returns a shallow copy of the item.
func (it Item) Clone() Item {
	out := make(Item, len(it)+1)
	for k, v := range it {
		out[k] = v
	}
	return out
}

// String returns the field as a string. Numbers are formatted, other types yield "".
func (it Item) String(field string) string {
	switch v := it[field].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Strings returns a string-list field. A single string is returned as a one-element list.
func (it Item) Strings(field string) []string {
	switch v := it[field].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, elem := range v {
			if s, ok := elem.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ID returns the identifier stored under field when it is a well-formed integer.
func ID(it Item, field string) (int64, bool) {
	switch v := it[field].(type) {
	case json.Number:
		n, err := strconv.ParseInt(v.String(), 10, 64)
		return n, err == nil
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt64 || v < math.MinInt64 {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

// Decode parses a JSON array of objects.
func Decode(data []byte) ([]Item, error) {
	items, bad, err := decode(data, false)
	if err != nil {
		return nil, err
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("%w: element %d is not an object", ErrNotArray, bad[0])
	}
	return items, nil
}

// DecodePartial is Decode that keeps every element that is an object and
// returns the positions of the ones it dropped.
func DecodePartial(data []byte) ([]Item, []int, error) {
	return decode(data, true)
}

func decode(data []byte, partial bool) ([]Item, []int, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotArray, err)
	}
	items := make([]Item, 0, len(raw))
	var bad []int
	for i, elem := range raw {
		var it Item
		elemDec := json.NewDecoder(bytes.NewReader(elem))
		elemDec.UseNumber()
		if err := elemDec.Decode(&it); err != nil || it == nil {
			bad = append(bad, i)
			if !partial {
				return nil, bad, nil
			}
			continue
		}
		items = append(items, it)
	}
	return items, bad, nil
}

// Encode renders items with 4-space indentation and without HTML escaping.
func Encode(items []Item) ([]byte, error) {
	if items == nil {
		items = []Item{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(items); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Load reads and decodes the collection stored under key.
func Load(ctx context.Context, store object.ObjectStore, key string) ([]Item, error) {
	data, err := object.ReadAll(ctx, store, key)
	if err != nil {
		return nil, err
	}
	items, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return items, nil
}

// LoadPartial reads the collection under key with DecodePartial.
func LoadPartial(ctx context.Context, store object.ObjectStore, key string) ([]Item, []int, error) {
	data, err := object.ReadAll(ctx, store, key)
	if err != nil {
		return nil, nil, err
	}
	items, bad, err := DecodePartial(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return items, bad, nil
}

// Save overwrites the document under key with the full collection.
func Save(ctx context.Context, store object.ObjectStore, key string, items []Item) error {
	data, err := Encode(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, err := store.SaveWithKey(ctx, key, "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// SortByID stable-sorts items ascending by identifier. Items without a usable
// identifier go last in their original relative order.
func SortByID(items []Item, field string) {
	sort.SliceStable(items, func(i, j int) bool {
		a, okA := ID(items[i], field)
		b, okB := ID(items[j], field)
		switch {
		case okA && okB:
			return a < b
		case okA:
			return true
		default:
			return false
		}
	})
}

// Merge returns prior followed by fresh, sorted by identifier.
func Merge(prior, fresh []Item, field string) []Item {
	merged := make([]Item, 0, len(prior)+len(fresh))
	merged = append(merged, prior...)
	merged = append(merged, fresh...)
	SortByID(merged, field)
	return merged
}
