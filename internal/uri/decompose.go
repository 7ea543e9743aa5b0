// Package uri splits path-style query payloads into a resource path and a
// parameter multimap.
package uri

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformed is returned when a payload is not a valid URI reference.
var ErrMalformed = errors.New("malformed query uri")

// Request is a decomposed path-style query.
type Request struct {
	Path   string
	Params url.Values
}

// Decompose parses raw into its path and query parameters. Repeated keys keep
// every value in encounter order.
func Decompose(raw string) (Request, error) {
	if strings.TrimSpace(raw) == "" {
		return Request{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if i := strings.IndexAny(raw, " \t\r\n"); i >= 0 {
		return Request{}, fmt.Errorf("%w: illegal whitespace at index %d", ErrMalformed, i)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return Request{}, fmt.Errorf("%w: query component: %v", ErrMalformed, err)
	}

	return Request{Path: u.Path, Params: params}, nil
}
