// Package httpquery implements the query backends by forwarding to upstream
// HTTP services: a JSON:API-style server for path queries and a GraphQL
// endpoint for document queries.
package httpquery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/seantiz/asyncq/internal/backend"
)

const (
	// DefaultMaxBodyBytes caps upstream response bodies.
	DefaultMaxBodyBytes int64 = 16 << 20

	// PrincipalHeader carries the principal a query runs on behalf of.
	PrincipalHeader = "X-Forwarded-User"

	defaultTimeout = 30 * time.Second
)

// ErrBodyTooLarge is returned when an upstream response exceeds the body cap.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// ClientCredentials configures an OAuth2 client-credentials grant for calls
// to the upstream.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Options configures a forwarding backend.
type Options struct {
	// BaseURL is the upstream root. Query paths are appended to its path.
	BaseURL string
	// Client is the HTTP client to use. Defaults to a client with a 30s timeout.
	Client *http.Client
	// MaxBodyBytes caps the response body. Defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// ContentType of document requests. Defaults to application/json.
	ContentType string
	// Credentials, when set, wraps the client with an OAuth2 token source.
	Credentials *ClientCredentials
}

type forwarder struct {
	base        *url.URL
	client      *http.Client
	maxBody     int64
	contentType string
}

func newForwarder(opts Options) (*forwarder, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", opts.BaseURL)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if c := opts.Credentials; c != nil {
		cfg := clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
			Scopes:       c.Scopes,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = cfg.Client(tokenCtx)
	}

	f := &forwarder{
		base:        base,
		client:      client,
		maxBody:     opts.MaxBodyBytes,
		contentType: opts.ContentType,
	}
	if f.maxBody <= 0 {
		f.maxBody = DefaultMaxBodyBytes
	}
	if f.contentType == "" {
		f.contentType = "application/json"
	}
	return f, nil
}

func (f *forwarder) do(req *http.Request, principal string) (backend.Response, error) {
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return backend.Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return backend.Response{}, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > f.maxBody {
		return backend.Response{}, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, f.maxBody)
	}

	return backend.Response{StatusCode: resp.StatusCode, Body: string(body)}, nil
}

// JSONAPI forwards path queries as GET requests.
type JSONAPI struct {
	f *forwarder
}

var _ backend.PathBackend = (*JSONAPI)(nil)

// NewJSONAPI creates a path backend for the upstream at opts.BaseURL.
func NewJSONAPI(opts Options) (*JSONAPI, error) {
	f, err := newForwarder(opts)
	if err != nil {
		return nil, err
	}
	return &JSONAPI{f: f}, nil
}

// Get issues GET {base}{path}?{params}.
func (j *JSONAPI) Get(ctx context.Context, path string, params url.Values, principal string) (backend.Response, error) {
	u := *j.f.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawPath = ""
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return backend.Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.api+json")
	return j.f.do(req, principal)
}

// GraphQL forwards document queries as POST requests with the document as
// the body.
type GraphQL struct {
	f *forwarder
}

var _ backend.DocumentBackend = (*GraphQL)(nil)

// NewGraphQL creates a document backend posting to opts.BaseURL.
func NewGraphQL(opts Options) (*GraphQL, error) {
	f, err := newForwarder(opts)
	if err != nil {
		return nil, err
	}
	return &GraphQL{f: f}, nil
}

// Run posts document verbatim.
func (g *GraphQL) Run(ctx context.Context, document, principal string) (backend.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.f.base.String(), bytes.NewBufferString(document))
	if err != nil {
		return backend.Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", g.f.contentType)
	req.Header.Set("Accept", "application/json")
	return g.f.do(req, principal)
}
