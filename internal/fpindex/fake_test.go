package fpindex

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// fakeIndex is an in-memory index service speaking the msgpack HTTP API
type fakeIndex struct {
	mu           sync.Mutex
	indexes      map[string]*fakeDocs
	creates      int
	updates      int
	failUpdates  int
	searchStatus int
	delay        time.Duration
	lastSearch   SearchRequest
}

type fakeDocs struct {
	docs  map[uint32][]uint32
	attrs map[string]uint64
}

func newFakeIndex(t *testing.T) (*fakeIndex, *httptest.Server) {
	f := &fakeIndex{indexes: make(map[string]*fakeDocs)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeMsgpack(w http.ResponseWriter, status int, v any) {
	data, _ := msgpack.Marshal(v)
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeMsgpack(w, status, ErrorResponse{Error: msg})
}

func (f *fakeIndex) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "_health":
		w.WriteHeader(http.StatusOK)
	case len(parts) == 1 && parts[0] == "_metrics":
		w.Write([]byte("fpindex_docs 1\n"))
	case len(parts) == 1:
		f.serveIndex(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "_health":
		if f.indexes[parts[0]] == nil {
			writeError(w, http.StatusNotFound, "index not found")
			return
		}
		w.WriteHeader(http.StatusOK)
	case len(parts) == 2 && parts[1] == "_update":
		f.serveUpdate(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "_search":
		f.serveSearch(w, r, parts[0])
	case len(parts) == 2:
		f.serveDoc(w, r, parts[0], parts[1])
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeIndex) serveIndex(w http.ResponseWriter, r *http.Request, name string) {
	idx := f.indexes[name]
	switch r.Method {
	case http.MethodHead:
		if idx == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		if idx == nil {
			writeError(w, http.StatusNotFound, "index not found")
			return
		}
		writeMsgpack(w, http.StatusOK, IndexInfo{Version: 1, Segments: 1, Docs: len(idx.docs), Attributes: idx.attrs})
	case http.MethodPut:
		f.creates++
		if idx == nil {
			f.indexes[name] = &fakeDocs{docs: make(map[uint32][]uint32), attrs: make(map[string]uint64)}
		}
		writeMsgpack(w, http.StatusCreated, struct{}{})
	case http.MethodDelete:
		if idx == nil {
			writeError(w, http.StatusNotFound, "index not found")
			return
		}
		delete(f.indexes, name)
		writeMsgpack(w, http.StatusOK, struct{}{})
	}
}

func (f *fakeIndex) serveUpdate(w http.ResponseWriter, r *http.Request, name string) {
	f.updates++
	if f.failUpdates > 0 {
		f.failUpdates--
		writeError(w, http.StatusBadRequest, "rejected")
		return
	}
	idx := f.indexes[name]
	if idx == nil {
		writeError(w, http.StatusNotFound, "index not found")
		return
	}
	var req UpdateRequest
	if err := msgpack.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, c := range req.Changes {
		switch {
		case c.Insert != nil:
			idx.docs[c.Insert.ID] = c.Insert.Hashes
		case c.Delete != nil:
			delete(idx.docs, c.Delete.ID)
		case c.SetAttribute != nil:
			idx.attrs[c.SetAttribute.Name] = c.SetAttribute.Value
		}
	}
	writeMsgpack(w, http.StatusOK, struct{}{})
}

func (f *fakeIndex) serveSearch(w http.ResponseWriter, r *http.Request, name string) {
	var req SearchRequest
	if err := msgpack.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.lastSearch = req
	if f.searchStatus != 0 {
		writeError(w, f.searchStatus, "search failed")
		return
	}
	idx := f.indexes[name]
	if idx == nil {
		writeError(w, http.StatusNotFound, "index not found")
		return
	}

	query := make(map[uint32]bool, len(req.Query))
	for _, h := range req.Query {
		query[h] = true
	}
	var results []SearchResult
	for id, hashes := range idx.docs {
		score := 0
		for _, h := range hashes {
			if query[h] {
				score++
			}
		}
		if score > 0 {
			results = append(results, SearchResult{ID: id, Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	writeMsgpack(w, http.StatusOK, SearchResponse{Results: results})
}

func (f *fakeIndex) serveDoc(w http.ResponseWriter, r *http.Request, name, rawID string) {
	idx := f.indexes[name]
	if idx == nil {
		writeError(w, http.StatusNotFound, "index not found")
		return
	}
	id64, err := strconv.ParseUint(rawID, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad id")
		return
	}
	id := uint32(id64)
	_, exists := idx.docs[id]

	switch r.Method {
	case http.MethodHead, http.MethodGet:
		if !exists {
			writeError(w, http.StatusNotFound, "fingerprint not found")
			return
		}
		writeMsgpack(w, http.StatusOK, FingerprintInfo{Version: 1})
	case http.MethodPut:
		var req PutFingerprintRequest
		if err := msgpack.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		idx.docs[id] = req.Hashes
		writeMsgpack(w, http.StatusOK, struct{}{})
	case http.MethodDelete:
		delete(idx.docs, id)
		writeMsgpack(w, http.StatusOK, struct{}{})
	}
}

func (f *fakeIndex) docs(name string) map[uint32][]uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexes[name] == nil {
		return nil
	}
	out := make(map[uint32][]uint32, len(f.indexes[name].docs))
	for id, h := range f.indexes[name].docs {
		out[id] = h
	}
	return out
}

func (f *fakeIndex) attr(name, key string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indexes[name].attrs[key]
}

// with runs fn under the fake's lock
func (f *fakeIndex) with(fn func(f *fakeIndex)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}
