// Package backend routes async queries to the backend that answers their
// dialect. Path-style queries are decomposed into a resource path and
// parameters first; document-style queries are handed over verbatim. Both
// dialects answer with the same Response shape.
package backend
