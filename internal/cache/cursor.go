package cache

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor marks the last-seen record of a keyset-paginated scan. It is an
// immutable value: a fetch produces one, the next fetch consumes it.
type Cursor struct {
	SortValue    string `json:"s"`
	TieBreakerID string `json:"id"`
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by Encode. An empty token yields a
// nil cursor.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("cursor: decode: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("cursor: unmarshal: %w", err)
	}
	return &c, nil
}
