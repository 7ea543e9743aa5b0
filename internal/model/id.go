package model

import "github.com/oklog/ulid/v2"

// NewID returns a ULID. IDs sort by creation time, which keeps claim tokens
// and tool-minted query ids ordered in logs.
func NewID() string {
	return ulid.Make().String()
}
