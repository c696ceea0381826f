package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor points at a message in a scope log by its sort key. Pages fetched before
// a cursor never include the message it points at.
type Cursor struct {
	CreatedAt int64  `json:"t"`
	ID        string `json:"id"`
}

// Encode returns the opaque token of c. A nil cursor encodes to empty.
func (c *Cursor) Encode() string {
	if c == nil {
		return ""
	}
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token made by Encode. Empty token decodes to nil.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, newError(KindValidation, "cursor", "decode base64: %v", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, newError(KindValidation, "cursor", "decode JSON: %v", err)
	}
	if c.CreatedAt <= 0 || c.ID == "" {
		return nil, newError(KindValidation, "cursor", "incomplete cursor")
	}
	return &c, nil
}

func (c *Cursor) String() string {
	if c == nil {
		return "<head>"
	}
	return fmt.Sprintf("%d/%s", c.CreatedAt, c.ID)
}
