/*
Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router.
It is perfectly suited for unit tests and for examples. The same client
can also talk to a remote server with NewWithURL.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/datastelsel/datapi/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	c.defaultHeaders[key] = value
	return c
}

// WithToken returns a new client with a bearer token added
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithScopes returns a new client with the given access scopes granted
// (this works only directly against the mux router, for a remote client
// use WithToken())
func (c Client) WithScopes(scopes ...string) Client {
	c.auth = &access.Authorization{Scopes: scopes}
	return c
}

// WithAdminAuthorization returns a new client with the admin scope granted
// (this works only directly against the mux router, for a remote client
// use WithToken())
func (c Client) WithAdminAuthorization() Client {
	return c.WithScopes(access.ScopeAdmin)
}

// WithAuthorization returns a new client with specific authorizations
// (this works only directly against the mux router, for a remote client
// use WithToken())
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context the client sends requests with
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = c.auth.ContextWithAuthorization(ctx)
	}
	return ctx
}

// Collection represents one table of one dataset
type Collection struct {
	client     *Client
	dataset    string
	major      int
	table      string
	parameters []string
}

// Collection returns a new collection client for a table of the dataset's
// default version
func (c Client) Collection(dataset, table string) Collection {
	return Collection{
		client:  &c,
		dataset: dataset,
		table:   table,
	}
}

// WithVersion returns a new collection client addressing an explicit major
// version of the dataset
func (r Collection) WithVersion(major int) Collection {
	r.major = major
	return r
}

// WithParameter returns a new collection client with a URL parameter added.
func (r Collection) WithParameter(key string, value string) Collection {
	parameter := url.QueryEscape(key) + "=" + url.QueryEscape(value)

	return Collection{
		client:  r.client,
		dataset: r.dataset,
		major:   r.major,
		table:   r.table,
		// we want a true copy to avoid side effects
		parameters: append(append([]string{}, r.parameters...), parameter),
	}
}

// WithParameters returns a new collection client with all URL parameters added.
func (r Collection) WithParameters(keyValues map[string]string) Collection {
	var parameters []string
	for key, value := range keyValues {
		parameter := url.QueryEscape(key) + "=" + url.QueryEscape(value)
		parameters = append(parameters, parameter)
	}
	return Collection{
		client:  r.client,
		dataset: r.dataset,
		major:   r.major,
		table:   r.table,
		// we want a true copy to avoid side effects
		parameters: append(append([]string{}, r.parameters...), parameters...),
	}
}

// WithFilter returns a new collection client with a field filter added.
// An empty operator filters for equality, any other operator is put in
// brackets behind the field name, like "naam[like]=West*".
func (r Collection) WithFilter(field, operator, value string) Collection {
	key := field
	if operator != "" {
		key = field + "[" + operator + "]"
	}
	return r.WithParameter(key, value)
}

// CollectionPath returns the created path for the collection plus optional query strings
func (r Collection) CollectionPath() string {
	path := "/" + r.dataset
	if r.major > 0 {
		path += "/v" + strconv.Itoa(r.major)
	}
	path += "/" + r.table + "/"
	if len(r.parameters) > 0 {
		path += "?" + strings.Join(r.parameters, "&")
	}
	return path
}

// List gets one page of the collection. If you potentially need multiple
// pages, use FirstPage() instead.
//
// The operation corresponds to a GET request.
//
// Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// result can be map[string]interface{} or a raw *[]byte.
func (r Collection) List(result interface{}) (int, error) {
	return r.client.RawGet(r.CollectionPath(), result)
}

// Item represents a single entity in a collection
type Item struct {
	col        Collection
	id         string
	parameters []string
}

// Item gets an item from a collection
func (r Collection) Item(id string) Item {
	return Item{col: r, id: id}
}

// WithParameter returns a new item client with a URL parameter added.
func (r Item) WithParameter(key string, value string) Item {
	parameter := url.QueryEscape(key) + "=" + url.QueryEscape(value)

	return Item{
		id:  r.id,
		col: r.col,
		// we want a true copy to avoid side effects
		parameters: append(append([]string{}, r.parameters...), parameter),
	}
}

// WithSequence returns a new item client addressing an explicit version of
// a temporal entity
func (r Item) WithSequence(volgnummer int) Item {
	return r.WithParameter("volgnummer", strconv.Itoa(volgnummer))
}

// WithValidAt returns a new item client addressing the version of a temporal
// entity valid at the given date
func (r Item) WithValidAt(date string) Item {
	return r.WithParameter("geldigOp", date)
}

// Path returns the created path for this item
func (r Item) Path() string {
	path := strings.TrimSuffix(r.col.CollectionPath(), "/") + "/" + url.PathEscape(r.id) + "/"
	if len(r.parameters) > 0 {
		path += "?" + strings.Join(r.parameters, "&")
	}
	return path
}

// Read reads an item from a collection
//
// The operation corresponds to a GET request.
//
// Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// result can also be map[string]interface{} or a raw *[]byte.
func (r Item) Read(result interface{}) (int, error) {
	return r.col.client.RawGet(r.Path(), result)
}

// Page is a requester for one page in a collection
type Page struct {
	r          Collection
	page       int
	pageCount  int
	totalCount int
}

// FirstPage returns a requester for the first page of a collection
//
// Do not specify the page parameter when using the page requester, as
// it manages page itself. You can set all others parameters, including
// _pageSize.
func (r Collection) FirstPage() Page {
	return Page{page: 1, r: r}
}

// HasData returns true if the page has data (by definition true for the first page)
func (p Page) HasData() bool {
	return p.page == 1 || p.page <= p.pageCount
}

// TotalCount returns the total number of elements (only available after you have called Get on the page)
func (p Page) TotalCount() int {
	return p.totalCount
}

// Get gets one page of the collection
func (p *Page) Get(result interface{}) (int, error) {
	path := p.r.WithParameter("page", strconv.Itoa(p.page)).CollectionPath()
	status, header, err := p.r.client.RawGetWithHeader(path, map[string]string{}, result)
	if err != nil {
		return status, err
	}
	pageCount, err := strconv.Atoi(header.Get("Pagination-Page-Count"))
	if err == nil {
		p.pageCount = pageCount
	}
	totalCount, err := strconv.Atoi(header.Get("Pagination-Total-Count"))
	if err == nil {
		p.totalCount = totalCount
	}
	return status, nil
}

// Next returns the next page
func (p Page) Next() Page {
	return Page{
		r:         p.r,
		page:      p.page + 1,
		pageCount: p.pageCount,
	}
}

// Datasets reads the dataset index
//
// result can be map[string]interface{} or a raw *[]byte.
func (c Client) Datasets(result interface{}) (int, error) {
	return c.RawGet("/", result)
}

// Reload asks the server to rebuild its catalog from the schema source.
// Requires the admin scope.
func (c Client) Reload(result interface{}) (int, error) {
	return c.RawPost("/_reload", nil, result)
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.RawGetWithHeader(path, nil, result)
	return status, err
}

// RawGetWithHeader gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code and the header.
//
// The path can be extend with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodGet, c.url+path, nil)
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	for key, value := range header {
		r.Header.Add(key, value)
	}

	var err error
	var res *http.Response
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		if c.token != "" {
			r.Header.Add("Authorization", "Bearer "+c.token)
		}
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, nil, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}
	status := res.StatusCode

	if status == http.StatusNoContent || status == http.StatusNotModified {
		return status, res.Header, nil
	}

	if status != http.StatusOK {
		return status, res.Header, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(resBody)))
	}

	if resBody != nil && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, res.Header, err
}

// RawPost posts a resource to path. Expects http.StatusOK or http.StatusCreated
// as response, otherwise it will flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// body can also be a []byte, result can also be raw *[]byte.
// body and result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	var err error
	var j []byte
	if body != nil {
		var ok bool
		j, ok = body.([]byte)
		if !ok {
			j, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, fmt.Errorf("POST to %s: %w", path, err)
			}
		}
	}

	r, _ := http.NewRequestWithContext(c.Context(), http.MethodPost, c.url+path, bytes.NewBuffer(j))
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}

	var res *http.Response
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		if c.token != "" {
			r.Header.Add("Authorization", "Bearer "+c.token)
		}
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}
	status := res.StatusCode
	if status != http.StatusCreated && status != http.StatusOK {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(resBody)))
	}

	if resBody != nil && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, err
}
