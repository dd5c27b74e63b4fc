package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// IndexStatus is the build state of an index.
type IndexStatus uint8

const (
	IndexBuilding IndexStatus = iota
	IndexReady
	IndexFailed
)

func (s IndexStatus) String() string {
	switch s {
	case IndexBuilding:
		return "building"
	case IndexReady:
		return "ready"
	case IndexFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s IndexStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *IndexStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	switch str {
	case "building":
		*s = IndexBuilding
	case "ready":
		*s = IndexReady
	case "failed":
		*s = IndexFailed
	default:
		return fmt.Errorf("unknown index status %q", str)
	}
	return nil
}

// IndexDefinition describes a secondary index over one or more document fields.
// A document without one of the fields is indexed with Null in its place, so
// on a Unique index at most one document may lack a given field (or hold an
// explicit null there).
type IndexDefinition struct {
	Name   string      `json:"name"`
	Fields []string    `json:"fields"`
	Unique bool        `json:"unique"`
	Status IndexStatus `json:"status"`
}

// DefaultIndexName derives a name from the indexed fields, e.g. "email_1" or "last_first_1".
func DefaultIndexName(fields []string) string {
	return strings.Join(fields, "_") + "_1"
}

// Validate checks the definition is usable.
func (d *IndexDefinition) Validate() error {
	if len(d.Fields) == 0 {
		return &ValidationError{Message: "index needs at least one field", Field: "index", Value: d.Name}
	}
	seen := make(map[string]struct{}, len(d.Fields))
	for _, f := range d.Fields {
		if f == "" {
			return &ValidationError{Message: "empty field name", Field: "index", Value: d.Name}
		}
		if _, dup := seen[f]; dup {
			return &ValidationError{Message: fmt.Sprintf("field %q listed twice", f), Field: "index", Value: d.Name}
		}
		seen[f] = struct{}{}
	}
	if d.Name == "" {
		d.Name = DefaultIndexName(d.Fields)
	}
	return ValidateName("index", d.Name)
}

// EncodeIndexDefinition is the WAL payload for OpIndexCreate.
func EncodeIndexDefinition(d IndexDefinition) ([]byte, error) {
	return json.Marshal(d)
}

func DecodeIndexDefinition(b []byte) (IndexDefinition, error) {
	var d IndexDefinition
	if err := json.Unmarshal(b, &d); err != nil {
		return IndexDefinition{}, fmt.Errorf("failed to decode index definition: %w", err)
	}
	return d, nil
}
