package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/seantiz/asyncq/internal/model"
)

// PathBackend answers path-and-parameters queries.
type PathBackend interface {
	// Get executes a read of path with the given parameters on behalf of
	// principal. A non-200 Response is a normal outcome, not an error; an
	// error means the backend produced no response at all.
	Get(ctx context.Context, path string, params url.Values, principal string) (Response, error)
}

// DocumentBackend answers single-document queries.
type DocumentBackend interface {
	// Run executes document on behalf of principal. Errors have the same
	// meaning as for PathBackend.Get.
	Run(ctx context.Context, document, principal string) (Response, error)
}

// PathBackendFunc adapts a function to PathBackend.
type PathBackendFunc func(ctx context.Context, path string, params url.Values, principal string) (Response, error)

// Get calls f.
func (f PathBackendFunc) Get(ctx context.Context, path string, params url.Values, principal string) (Response, error) {
	return f(ctx, path, params, principal)
}

// DocumentBackendFunc adapts a function to DocumentBackend.
type DocumentBackendFunc func(ctx context.Context, document, principal string) (Response, error)

// Run calls f.
func (f DocumentBackendFunc) Run(ctx context.Context, document, principal string) (Response, error) {
	return f(ctx, document, principal)
}

// Response is the uniform outcome of a backend call.
type Response struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

// ErrorKind classifies dispatch failures.
type ErrorKind int

// Dispatch failure kinds.
const (
	// KindMalformed means the payload could not be decomposed. No backend was
	// called.
	KindMalformed ErrorKind = iota + 1
	// KindUnsupported means no backend is registered for the dialect.
	KindUnsupported
	// KindBackend means the backend failed to produce a response.
	KindBackend
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindUnsupported:
		return "unsupported"
	case KindBackend:
		return "backend"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// DispatchError is returned by Dispatch for every failure.
type DispatchError struct {
	Kind      ErrorKind
	QueryType model.QueryType
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s query: %s: %v", e.QueryType, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the DispatchError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}
