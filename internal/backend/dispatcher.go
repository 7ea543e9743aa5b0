package backend

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/seantiz/asyncq/internal/model"
	"github.com/seantiz/asyncq/internal/uri"
)

var errNoBackend = errors.New("no backend registered")

// Info names a registered backend and the dialect it answers.
type Info struct {
	Name      string          `json:"name"`
	QueryType model.QueryType `json:"query_type"`
}

type pathEntry struct {
	name string
	b    PathBackend
}

type documentEntry struct {
	name string
	b    DocumentBackend
}

// Dispatcher holds at most one backend per dialect and routes queries to
// them. It is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	path     *pathEntry
	document *documentEntry
}

// NewDispatcher creates a Dispatcher with no backends.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// RegisterPath installs the backend for path-style queries, replacing any
// previous one.
func (d *Dispatcher) RegisterPath(name string, b PathBackend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.path = &pathEntry{name: name, b: b}
}

// RegisterDocument installs the backend for document-style queries,
// replacing any previous one.
func (d *Dispatcher) RegisterDocument(name string, b DocumentBackend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.document = &documentEntry{name: name, b: b}
}

// Dispatch executes payload with the backend registered for queryType.
//
// A path-style payload that cannot be decomposed fails with KindMalformed
// before any backend is called. A backend that returns an error fails with
// KindBackend. Non-200 responses are returned as-is.
func (d *Dispatcher) Dispatch(ctx context.Context, queryType model.QueryType, payload, principal string) (Response, error) {
	d.mu.RLock()
	path, document := d.path, d.document
	d.mu.RUnlock()

	var (
		resp Response
		err  error
	)
	switch queryType {
	case model.QueryTypeJSONAPI:
		req, derr := uri.Decompose(payload)
		if derr != nil {
			return Response{}, &DispatchError{Kind: KindMalformed, QueryType: queryType, Err: derr}
		}
		if path == nil {
			return Response{}, &DispatchError{Kind: KindUnsupported, QueryType: queryType, Err: errNoBackend}
		}
		resp, err = path.b.Get(ctx, req.Path, req.Params, principal)
	case model.QueryTypeGraphQL:
		if document == nil {
			return Response{}, &DispatchError{Kind: KindUnsupported, QueryType: queryType, Err: errNoBackend}
		}
		resp, err = document.b.Run(ctx, payload, principal)
	default:
		return Response{}, &DispatchError{Kind: KindUnsupported, QueryType: queryType, Err: errors.New("unknown query type")}
	}

	if err != nil {
		return Response{}, &DispatchError{Kind: KindBackend, QueryType: queryType, Err: err}
	}
	return resp, nil
}

// List returns the registered backends sorted by name.
func (d *Dispatcher) List() []Info {
	d.mu.RLock()
	defer d.mu.RUnlock()

	infos := make([]Info, 0, 2)
	if d.path != nil {
		infos = append(infos, Info{Name: d.path.name, QueryType: model.QueryTypeJSONAPI})
	}
	if d.document != nil {
		infos = append(infos, Info{Name: d.document.name, QueryType: model.QueryTypeGraphQL})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
