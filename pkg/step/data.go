package step

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Data is the key-value bag steps share within one workflow. Values are kept
// in their JSON form so the bag can be persisted between invocations without
// knowing the concrete types.
type Data struct {
	values map[string]json.RawMessage
}

// NewData returns an empty bag.
func NewData() *Data {
	return &Data{values: make(map[string]json.RawMessage)}
}

// Has reports whether key is present.
func (d *Data) Has(key string) bool {
	_, ok := d.values[key]
	return ok
}

// Get decodes the value stored under key into v.
func (d *Data) Get(key string, v any) error {
	raw, ok := d.values[key]
	if !ok {
		return &MissingKeysError{Keys: []string{key}}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("could not decode shared value %q: %w", key, err)
	}
	return nil
}

// Set stores v under key, replacing any previous value.
func (d *Data) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("could not encode shared value %q: %w", key, err)
	}
	d.values[key] = raw
	return nil
}

// Delete removes key from the bag.
func (d *Data) Delete(key string) {
	delete(d.values, key)
}

// Clear removes every key.
func (d *Data) Clear() {
	d.values = make(map[string]json.RawMessage)
}

// Keys returns the present keys in sorted order.
func (d *Data) Keys() []string {
	keys := make([]string, 0, len(d.values))
	for k := range d.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Missing returns the subset of keys that are not present.
func (d *Data) Missing(keys []string) []string {
	var missing []string
	for _, k := range keys {
		if !d.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// MarshalJSON implements the json.Marshaler interface for Data.
func (d *Data) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.values)
}

// UnmarshalJSON implements the json.Unmarshaler interface for Data.
func (d *Data) UnmarshalJSON(b []byte) error {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(b, &values); err != nil {
		return err
	}
	if values == nil {
		values = make(map[string]json.RawMessage)
	}
	d.values = values
	return nil
}
