package core

import (
	"fmt"
	"regexp"
	"strings"
)

// Collection and index names become directory and file names, so they are
// restricted to a portable character set.
var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)

const (
	maxNameLength  = 128
	maxDocIDLength = 1024
)

// ValidateName checks a collection or index name.
func ValidateName(field, name string) error {
	switch {
	case name == "":
		return &ValidationError{Message: "cannot be empty", Field: field, Value: name}
	case len(name) > maxNameLength:
		return &ValidationError{Message: fmt.Sprintf("longer than %d bytes", maxNameLength), Field: field, Value: name}
	case !namePattern.MatchString(name):
		return &ValidationError{Message: fmt.Sprintf("does not match pattern '%s'", namePattern.String()), Field: field, Value: name}
	}
	return nil
}

// ValidateDocID checks a document id.
func ValidateDocID(id string) error {
	switch {
	case id == "":
		return &ValidationError{Message: "cannot be empty", Field: "id", Value: id}
	case len(id) > maxDocIDLength:
		return &ValidationError{Message: fmt.Sprintf("longer than %d bytes", maxDocIDLength), Field: "id", Value: id[:32] + "..."}
	case strings.ContainsRune(id, 0):
		return &ValidationError{Message: "contains NUL byte", Field: "id", Value: id}
	}
	return nil
}

// ValidateDocument checks identity and field names of a document.
func ValidateDocument(d *Document) error {
	if d == nil {
		return &ValidationError{Message: "document is nil", Field: "document", Value: ""}
	}
	if err := ValidateName("collection", d.Collection); err != nil {
		return err
	}
	if err := ValidateDocID(d.ID); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return &ValidationError{Message: "empty field name", Field: "field", Value: d.ID}
		}
		if _, dup := seen[f.Name]; dup {
			return &ValidationError{Message: "duplicate field", Field: "field", Value: f.Name}
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}
