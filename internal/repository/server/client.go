// Package server talks to the remote storage service: raw storage calls,
// and a Repository over one remote collection.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/transport"
)

// Well-known storage locations.
const (
	MetaCollection   = "meta"
	MetaGlobalID     = "global"
	CryptoCollection = "crypto"
	CryptoKeysID     = "keys"
)

// HeaderNextOffset carries the continuation token of a paged listing.
const HeaderNextOffset = "X-Weave-Next-Offset"

// Client issues storage calls against one cluster.
type Client struct {
	transport transport.Transport
	base      *url.URL
	logger    *events.Logger
}

// NewClient creates a client for clusterURL. A malformed URL fails here.
func NewClient(clusterURL string, t transport.Transport, logger *events.Logger) (*Client, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", models.ErrInvalidConfig)
	}
	base, err := url.Parse(clusterURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: bad cluster url %q", models.ErrInvalidConfig, clusterURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return &Client{
		transport: t,
		base:      base,
		logger:    logger.WithField("component", "storage_client"),
	}, nil
}

// URL resolves a path relative to the cluster URL.
func (c *Client) URL(path string, query url.Values) string {
	u := *c.base
	u.Path += strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Do sends req through the transport.
func (c *Client) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	return c.transport.Do(ctx, req)
}

// InfoCollections fetches the per-collection modification times.
func (c *Client) InfoCollections(ctx context.Context) (models.InfoCollections, *transport.Response, error) {
	resp, err := c.Do(ctx, &transport.Request{Method: http.MethodGet, URL: c.URL("info/collections", nil)})
	if err != nil {
		return nil, resp, err
	}
	info, err := models.ParseInfoCollections(resp.Body)
	return info, resp, err
}

// GetRecord fetches one record. ifModifiedSince > 0 makes the request
// conditional; a 304 returns a nil record and no error.
func (c *Client) GetRecord(ctx context.Context, collection, id string, ifModifiedSince int64) (*WireRecord, *transport.Response, error) {
	resp, err := c.Do(ctx, &transport.Request{
		Method:          http.MethodGet,
		URL:             c.URL("storage/"+collection+"/"+id, nil),
		IfModifiedSince: ifModifiedSince,
	})
	if err != nil {
		return nil, resp, err
	}
	if resp.NotModified() {
		return nil, resp, nil
	}

	var w WireRecord
	if err := resp.JSON(&w); err != nil {
		return nil, resp, err
	}
	return &w, resp, nil
}

// PutRecord uploads a record and returns the server timestamp in
// milliseconds. ifUnmodifiedSince > 0 guards against concurrent writers.
func (c *Client) PutRecord(ctx context.Context, collection string, w *WireRecord, ifUnmodifiedSince int64) (int64, error) {
	req, err := transport.NewRequest(http.MethodPut, c.URL("storage/"+collection+"/"+w.ID, nil), w)
	if err != nil {
		return 0, err
	}
	req.IfUnmodifiedSince = ifUnmodifiedSince

	resp, err := c.Do(ctx, req)
	if err != nil {
		return 0, err
	}
	if ts := resp.LastModified(); ts > 0 {
		return ts, nil
	}
	if ms, err := models.SecondsToMillis(strings.TrimSpace(string(resp.Body))); err == nil {
		return ms, nil
	}
	return resp.ServerTimestamp(), nil
}

// Query describes a collection listing.
type Query struct {
	Newer  int64 // milliseconds, inclusive; zero lists everything
	IDs    []string
	Full   bool
	Limit  int
	Offset string
}

func (q Query) values() url.Values {
	v := url.Values{}
	if q.Newer > 0 {
		// The server's bound is exclusive.
		v.Set("newer", models.MillisToSeconds(q.Newer-1))
	}
	if len(q.IDs) > 0 {
		v.Set("ids", strings.Join(q.IDs, ","))
	}
	if q.Full {
		v.Set("full", "1")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
		v.Set("sort", "oldest")
	}
	if q.Offset != "" {
		v.Set("offset", q.Offset)
	}
	return v
}

// List fetches one page of records. The returned offset is non-empty when
// more pages follow.
func (c *Client) List(ctx context.Context, collection string, q Query) ([]*WireRecord, string, error) {
	q.Full = true
	resp, err := c.Do(ctx, &transport.Request{Method: http.MethodGet, URL: c.URL("storage/"+collection, q.values())})
	if err != nil {
		return nil, "", err
	}

	var records []*WireRecord
	if err := resp.JSON(&records); err != nil {
		return nil, "", err
	}
	return records, resp.Header.Get(HeaderNextOffset), nil
}

// ListIDs fetches the IDs of records matching q.
func (c *Client) ListIDs(ctx context.Context, collection string, q Query) ([]string, error) {
	q.Full = false
	resp, err := c.Do(ctx, &transport.Request{Method: http.MethodGet, URL: c.URL("storage/"+collection, q.values())})
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal(resp.Body, &ids); err != nil {
		return nil, fmt.Errorf("decode id list: %w", err)
	}
	return ids, nil
}

// DeleteCollection removes a collection. A missing collection is not an error.
func (c *Client) DeleteCollection(ctx context.Context, collection string) error {
	_, err := c.Do(ctx, &transport.Request{Method: http.MethodDelete, URL: c.URL("storage/"+collection, nil)})
	if err != nil && !transport.IsNotFound(err) {
		return fmt.Errorf("delete %s: %w", collection, err)
	}
	c.logger.WithField("collection", collection).Info("Deleted remote collection")
	return nil
}
