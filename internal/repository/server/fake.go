package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/transport"
)

// FakeServer is an in-memory storage service for tests. It implements
// transport.Transport and understands node assignment, info/collections and
// the storage record and collection endpoints.
type FakeServer struct {
	mu sync.Mutex

	clock       clockwork.Clock
	collections map[string]map[string]*WireRecord
	modified    map[string]int64
	last        int64

	// NodeURL is returned by the node assignment endpoint.
	NodeURL string

	// Intercept, when set, may answer a request before the fake does.
	Intercept func(req *transport.Request) (*transport.Response, bool)

	// Header is added to every response.
	Header http.Header

	requests []*transport.Request
}

// NewFakeServer creates an empty fake.
func NewFakeServer(clock clockwork.Clock, nodeURL string) *FakeServer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FakeServer{
		clock:       clock,
		collections: make(map[string]map[string]*WireRecord),
		modified:    make(map[string]int64),
		NodeURL:     nodeURL,
		Header:      make(http.Header),
	}
}

// Requests returns the requests seen so far.
func (f *FakeServer) Requests() []*transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.Request(nil), f.requests...)
}

// CountRequests counts requests with method whose URL contains fragment.
func (f *FakeServer) CountRequests(method, fragment string) int {
	n := 0
	for _, r := range f.Requests() {
		if r.Method == method && strings.Contains(r.URL, fragment) {
			n++
		}
	}
	return n
}

// Record returns a stored wire record.
func (f *FakeServer) Record(collection, id string) (*WireRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.collections[collection][id]
	if !ok {
		return nil, false
	}
	c := *w
	return &c, true
}

// Count returns the number of records in collection.
func (f *FakeServer) Count(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.collections[collection])
}

// Put stores a wire record directly, as another client would.
func (f *FakeServer) Put(collection string, w *WireRecord) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.put(collection, w)
}

func (f *FakeServer) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	intercept := f.Intercept
	f.mu.Unlock()

	var resp *transport.Response
	if intercept != nil {
		if r, ok := intercept(req); ok {
			resp = r
		}
	}
	if resp == nil {
		f.mu.Lock()
		resp = f.handle(req)
		f.mu.Unlock()
	}

	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	for k, v := range f.Header {
		resp.Header[k] = v
	}
	resp.Header.Set(transport.HeaderTimestamp, models.MillisToSeconds(f.now()))

	if resp.StatusCode == http.StatusNotModified || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return resp, nil
	}
	return resp, &transport.HTTPError{Method: req.Method, URL: req.URL, Response: resp}
}

func (f *FakeServer) now() int64 {
	return f.clock.Now().UnixMilli()
}

// tick returns a server timestamp strictly after every earlier one.
func (f *FakeServer) tick() int64 {
	ts := f.now()
	if ts <= f.last {
		ts = f.last + 10
	}
	f.last = ts
	return ts
}

func (f *FakeServer) put(collection string, w *WireRecord) int64 {
	ts := f.tick()
	stored := *w
	stored.Modified = json.Number(models.MillisToSeconds(ts))
	if f.collections[collection] == nil {
		f.collections[collection] = make(map[string]*WireRecord)
	}
	f.collections[collection][w.ID] = &stored
	f.modified[collection] = ts
	return ts
}

func (f *FakeServer) handle(req *transport.Request) *transport.Response {
	u, err := url.Parse(req.URL)
	if err != nil {
		return transport.NewResponse(http.StatusBadRequest, nil)
	}
	path := u.Path

	switch {
	case strings.HasSuffix(path, "/node/weave"):
		return transport.NewResponse(http.StatusOK, f.NodeURL)
	case strings.HasSuffix(path, "/info/collections"):
		info := make(map[string]json.Number, len(f.modified))
		for name, ts := range f.modified {
			if len(f.collections[name]) > 0 {
				info[name] = json.Number(models.MillisToSeconds(ts))
			}
		}
		return transport.NewResponse(http.StatusOK, info)
	}

	idx := strings.Index(path, "/storage")
	if idx < 0 {
		return transport.NewResponse(http.StatusNotFound, nil)
	}
	parts := strings.Split(strings.Trim(path[idx+len("/storage"):], "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "":
		if req.Method == http.MethodDelete {
			f.collections = make(map[string]map[string]*WireRecord)
			f.modified = make(map[string]int64)
			return transport.NewResponse(http.StatusOK, nil)
		}
	case len(parts) == 1:
		return f.handleCollection(req, parts[0], u.Query())
	case len(parts) == 2:
		return f.handleRecord(req, parts[0], parts[1])
	}
	return transport.NewResponse(http.StatusBadRequest, nil)
}

func (f *FakeServer) handleRecord(req *transport.Request, collection, id string) *transport.Response {
	existing, ok := f.collections[collection][id]

	switch req.Method {
	case http.MethodGet:
		if !ok {
			return transport.NewResponse(http.StatusNotFound, nil)
		}
		if req.IfModifiedSince > 0 && existing.ModifiedMillis() <= req.IfModifiedSince {
			return transport.NewResponse(http.StatusNotModified, nil)
		}
		return transport.NewResponse(http.StatusOK, existing).
			WithHeader(transport.HeaderLastModified, existing.Modified.String())

	case http.MethodPut:
		if req.IfUnmodifiedSince > 0 && ok && existing.ModifiedMillis() > req.IfUnmodifiedSince {
			return transport.NewResponse(http.StatusPreconditionFailed, nil)
		}
		var w WireRecord
		if err := json.Unmarshal(req.Body, &w); err != nil || w.ID != id {
			return transport.NewResponse(http.StatusBadRequest, nil)
		}
		ts := f.put(collection, &w)
		secs := models.MillisToSeconds(ts)
		return transport.NewResponse(http.StatusOK, secs).WithHeader(transport.HeaderLastModified, secs)

	case http.MethodDelete:
		if !ok {
			return transport.NewResponse(http.StatusNotFound, nil)
		}
		delete(f.collections[collection], id)
		f.modified[collection] = f.tick()
		return transport.NewResponse(http.StatusOK, nil)
	}
	return transport.NewResponse(http.StatusMethodNotAllowed, nil)
}

func (f *FakeServer) handleCollection(req *transport.Request, collection string, q url.Values) *transport.Response {
	switch req.Method {
	case http.MethodDelete:
		if _, ok := f.collections[collection]; !ok {
			return transport.NewResponse(http.StatusNotFound, nil)
		}
		delete(f.collections, collection)
		delete(f.modified, collection)
		return transport.NewResponse(http.StatusOK, nil)
	case http.MethodGet:
	default:
		return transport.NewResponse(http.StatusMethodNotAllowed, nil)
	}

	var newer int64 = -1
	if v := q.Get("newer"); v != "" {
		ms, err := models.SecondsToMillis(v)
		if err != nil {
			return transport.NewResponse(http.StatusBadRequest, nil)
		}
		newer = ms
	}
	var ids map[string]bool
	if v := q.Get("ids"); v != "" {
		ids = make(map[string]bool)
		for _, id := range strings.Split(v, ",") {
			ids[id] = true
		}
	}

	var matched []*WireRecord
	for id, w := range f.collections[collection] {
		if ids != nil && !ids[id] {
			continue
		}
		if w.ModifiedMillis() <= newer {
			continue
		}
		c := *w
		matched = append(matched, &c)
	}
	sort.Slice(matched, func(i, j int) bool {
		mi, mj := matched[i].ModifiedMillis(), matched[j].ModifiedMillis()
		if mi != mj {
			return mi < mj
		}
		return matched[i].ID < matched[j].ID
	})

	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]

	next := ""
	if limit, _ := strconv.Atoi(q.Get("limit")); limit > 0 && len(matched) > limit {
		matched = matched[:limit]
		next = strconv.Itoa(offset + limit)
	}

	var resp *transport.Response
	if q.Get("full") == "1" {
		resp = transport.NewResponse(http.StatusOK, matched)
	} else {
		out := make([]string, len(matched))
		for i, w := range matched {
			out[i] = w.ID
		}
		resp = transport.NewResponse(http.StatusOK, out)
	}
	if next != "" {
		resp.WithHeader(HeaderNextOffset, next)
	}
	return resp
}
