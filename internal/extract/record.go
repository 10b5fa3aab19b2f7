package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// FieldValue is one named value of a record.
type FieldValue struct {
	Name  string
	Value any
}

// Record is an ordered field list. Order is rule declaration order and is
// preserved through JSON, which is why this is not a map.
type Record []FieldValue

// Get returns the value for a field name.
func (r Record) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Map flattens the record into a plain map for backends that store
// documents rather than ordered JSON, such as MongoDB. Order is lost.
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r))
	for _, f := range r {
		m[f.Name] = f.Value
	}
	return m
}

// MarshalJSON writes the record as a JSON object with fields in order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object back into a record. Field order follows
// the object's key order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("extract: record must be a JSON object")
	}
	out := Record{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)
		var val any
		if err := dec.Decode(&val); err != nil {
			return err
		}
		out = append(out, FieldValue{Name: key, Value: val})
	}
	*r = out
	return nil
}

// Hash returns the SHA-256 hex digest of the record's JSON form. Two records
// with the same fields in the same order hash identically, which the dedupe
// sink relies on.
func (r Record) Hash() string {
	data, err := r.MarshalJSON()
	if err != nil {
		data = []byte(fmt.Sprint([]FieldValue(r)))
	}
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}

// Issue reports a per-field data-quality problem that did not abort the run.
type Issue struct {
	Record int    `json:"record"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}
