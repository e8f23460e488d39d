package fpindex

// Wire types of the index HTTP API. All bodies are msgpack maps with
// single-letter keys.

// ErrorResponse is returned by the index with non-2xx statuses
type ErrorResponse struct {
	Error string `msgpack:"e"`
}

// Insert adds or replaces a document
type Insert struct {
	ID     uint32   `msgpack:"i"`
	Hashes []uint32 `msgpack:"h"`
}

// Delete removes a document
type Delete struct {
	ID uint32 `msgpack:"i"`
}

// SetAttribute stores a numeric attribute with the index. Values must be > 0.
type SetAttribute struct {
	Name  string `msgpack:"n"`
	Value uint64 `msgpack:"v"`
}

// Change is one entry of an update request; exactly one field is set
type Change struct {
	Insert       *Insert       `msgpack:"i,omitempty"`
	Delete       *Delete       `msgpack:"d,omitempty"`
	SetAttribute *SetAttribute `msgpack:"s,omitempty"`
}

// UpdateRequest applies changes atomically
type UpdateRequest struct {
	Changes []Change `msgpack:"c"`
}

// SearchRequest queries the index. Timeout is in milliseconds.
type SearchRequest struct {
	Query   []uint32 `msgpack:"q"`
	Timeout int      `msgpack:"t,omitempty"`
	Limit   int      `msgpack:"l,omitempty"`
}

// SearchResult is one candidate. Score is the number of matching query hashes.
type SearchResult struct {
	ID    uint32 `msgpack:"i"`
	Score int    `msgpack:"s"`
}

// SearchResponse lists candidates by descending score
type SearchResponse struct {
	Results []SearchResult `msgpack:"r"`
}

// IndexInfo describes an index
type IndexInfo struct {
	Version    uint64            `msgpack:"v"`
	Segments   int               `msgpack:"s"`
	Docs       int               `msgpack:"d"`
	Attributes map[string]uint64 `msgpack:"a"`
}

// FingerprintInfo describes a stored document
type FingerprintInfo struct {
	Version uint64 `msgpack:"v"`
}

// PutFingerprintRequest replaces the hashes of one document
type PutFingerprintRequest struct {
	Hashes []uint32 `msgpack:"h"`
}

type emptyResponse struct{}
