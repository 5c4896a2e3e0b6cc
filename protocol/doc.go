// Package protocol defines the core datamodel of the store which is shared
// between the engine and its callers: generation identifiers and Handles,
// record, reference and state object types, statistics, store events, and
// the error taxonomy returned by store operations.
//
// A Handle is the store's sole "pointer" type. It names a byte offset within
// a generation, and is only meaningful while that generation is mapped by the
// engine. Handles are resolved and validated by the engine on every use.
//
// By convention, this package is usually imported as `pb`. Eg,
//
// import pb "go.gazette.dev/msgstore/protocol"
package protocol
