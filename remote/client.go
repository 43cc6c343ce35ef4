package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/loctable/offline-sync/store"

	"go.uber.org/zap"
)

const (
	// DefaultAPIVersionHeader is attached to every request; the value is
	// constant per deployment.
	DefaultAPIVersionHeader = "ZUMO-API-VERSION"
	DefaultAPIVersion       = "2.0.0"
)

// Client is the default Transport: a JSON/REST client for the remote
// table service.
type Client struct {
	base             *url.URL
	httpClient       *http.Client
	apiVersionHeader string
	apiVersion       string
	log              *zap.SugaredLogger
}

var _ Transport = (*Client)(nil)

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithAPIVersion overrides the API-version header name and value.
func WithAPIVersion(header, value string) ClientOption {
	return func(client *Client) {
		client.apiVersionHeader = header
		client.apiVersion = value
	}
}

func WithLogger(log *zap.SugaredLogger) ClientOption {
	return func(client *Client) { client.log = log }
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	c := &Client{
		base:             base,
		httpClient:       http.DefaultClient,
		apiVersionHeader: DefaultAPIVersionHeader,
		apiVersion:       DefaultAPIVersion,
		log:              zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Read(ctx context.Context, q *store.Query) (*Page, error) {
	query, err := QueryString(q)
	if err != nil {
		return nil, err
	}
	target := c.tableURL(q.Table())
	if query != "" {
		target += "?" + query
	}
	body, header, err := c.do(ctx, http.MethodGet, target, nil, "")
	if err != nil {
		return nil, err
	}

	page := &Page{TotalCount: -1, NextLink: nextLink(header.Get("Link"))}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope struct {
			Count   int64            `json:"count"`
			Results []map[string]any `json:"results"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("failed to decode read response: %w", err)
		}
		page.TotalCount = envelope.Count
		for _, r := range envelope.Results {
			page.Records = append(page.Records, store.Record(r))
		}
		return page, nil
	}
	var records []map[string]any
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode read response: %w", err)
	}
	for _, r := range records {
		page.Records = append(page.Records, store.Record(r))
	}
	return page, nil
}

func (c *Client) Insert(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	body, header, err := c.do(ctx, http.MethodPost, c.tableURL(table), rec, "")
	if err != nil {
		return nil, err
	}
	return decodeEntity(body, header)
}

func (c *Client) Update(ctx context.Context, table string, rec store.Record, version string) (store.Record, error) {
	id, ok := rec["id"]
	if !ok {
		return nil, fmt.Errorf("%w: update requires an id", store.ErrInvalidRecordID)
	}
	body, header, err := c.do(ctx, http.MethodPatch, c.recordURL(table, id), rec, version)
	if err != nil {
		return nil, err
	}
	return decodeEntity(body, header)
}

func (c *Client) Delete(ctx context.Context, table string, id any, version string) error {
	_, _, err := c.do(ctx, http.MethodDelete, c.recordURL(table, id), nil, version)
	return err
}

func (c *Client) do(ctx context.Context, method, target string, payload any, version string) ([]byte, http.Header, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(c.apiVersionHeader, c.apiVersion)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if version != "" {
		req.Header.Set("If-Match", ETagFromVersion(version))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Debugw("table service error", "method", method, "url", target, "status", resp.StatusCode)
		return nil, nil, newStatusError(resp.StatusCode, data)
	}
	return data, resp.Header, nil
}

func (c *Client) tableURL(table string) string {
	return strings.TrimRight(c.base.String(), "/") + "/tables/" + url.PathEscape(table)
}

func (c *Client) recordURL(table string, id any) string {
	return c.tableURL(table) + "/" + url.PathEscape(fmt.Sprintf("%v", id))
}

func decodeEntity(body []byte, header http.Header) (store.Record, error) {
	var rec map[string]any
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode entity: %w", err)
		}
	}
	if rec == nil {
		rec = map[string]any{}
	}
	if etag := header.Get("ETag"); etag != "" {
		rec["version"] = VersionFromETag(etag)
	}
	return store.Record(rec), nil
}

// nextLink extracts the continuation URL from a Link header of the form
// <url>; rel=next.
func nextLink(link string) string {
	for _, part := range strings.Split(link, ",") {
		fields := strings.Split(part, ";")
		if len(fields) < 2 {
			continue
		}
		rel := strings.TrimSpace(fields[1])
		rel = strings.Trim(strings.TrimPrefix(rel, "rel="), `"`)
		if rel != "next" {
			continue
		}
		target := strings.TrimSpace(fields[0])
		return strings.TrimSuffix(strings.TrimPrefix(target, "<"), ">")
	}
	return ""
}
