package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument_EncodeDecode(t *testing.T) {
	doc, err := NewDocument("users", "u1", []string{"name", "age", "email"}, map[string]any{
		"name":  "ada",
		"age":   36,
		"email": "ada@example.com",
	})
	require.NoError(t, err)
	doc.Version = 7
	doc.ExpiresAt = time.Unix(1700000000, 0).UTC()

	decoded, err := DecodeDocument("users", "u1", EncodeDocument(doc))
	require.NoError(t, err)
	assert.True(t, doc.Equal(decoded))
	assert.Equal(t, []string{"name", "age", "email"}, []string{decoded.Fields[0].Name, decoded.Fields[1].Name, decoded.Fields[2].Name})

	_, err = DecodeDocument("users", "u1", EncodeDocument(doc)[:10])
	require.Error(t, err)
}

func TestDocument_SetGetUnset(t *testing.T) {
	doc := &Document{Collection: "c", ID: "1"}
	doc.Set("a", MustValue(1))
	doc.Set("b", MustValue("x"))
	doc.Set("a", MustValue(2))

	v, ok := doc.Get("a")
	require.True(t, ok)
	assert.True(t, v.Equal(MustValue(2)))
	assert.Len(t, doc.Fields, 2)
	assert.Equal(t, "a", doc.Fields[0].Name)

	assert.True(t, doc.Unset("a"))
	assert.False(t, doc.Unset("a"))
	_, ok = doc.Get("a")
	assert.False(t, ok)

	clone := doc.Clone()
	clone.Set("c", Null)
	assert.Len(t, doc.Fields, 1)
}

func TestDocument_Expired(t *testing.T) {
	now := time.Now()
	doc := &Document{}
	assert.False(t, doc.Expired(now))
	doc.ExpiresAt = now
	assert.True(t, doc.Expired(now))
	assert.False(t, doc.Expired(now.Add(-time.Second)))
}

func TestValidateDocument(t *testing.T) {
	require.NoError(t, ValidateDocument(&Document{Collection: "users", ID: "1"}))
	assert.True(t, IsValidationError(ValidateDocument(&Document{Collection: "../etc", ID: "1"})))
	assert.True(t, IsValidationError(ValidateDocument(&Document{Collection: "users"})))
	assert.True(t, IsValidationError(ValidateDocument(&Document{Collection: "users", ID: "1", Fields: []Field{{Name: "a"}, {Name: "a"}}})))
}

func TestUniqueConstraintError_Is(t *testing.T) {
	var err error = &UniqueConstraintError{Collection: "users", Index: "email_1", Key: "x", ExistingDocID: "a", RejectedDocID: "b"}
	assert.True(t, IsUniqueViolation(err))
	assert.Contains(t, err.Error(), "email_1")
}
