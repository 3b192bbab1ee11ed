package store

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// COW implements a copy-on-write store layered over the blob endpoints of
// another archive server. Reads check the local store first, and anything
// not found there is fetched from the remote server and cached locally.
// Writes and deletes only ever touch the local store, so a production
// archive can safely back a development instance.
//
// Note a delete of a remote-only key is a nop: the key will still be
// visible afterwards. That is good enough for the intended use, but it is
// not the standard store semantics.
type COW struct {
	local  Store
	client *http.Client // to reuse keep-alive connections
	host   string       // "http://hostname:port"
	token  string       // access token for the remote server, may be empty
}

// NewCOW creates a COW store on top of local, reading through to the
// archive server at host, which should be in the form
// "http://hostname:port". The optional token is presented to the remote
// server on every request.
func NewCOW(local Store, host, token string) *COW {
	return &COW{
		local:  local,
		host:   host,
		token:  token,
		client: &http.Client{Timeout: 300 * time.Second},
	}
}

// List returns a channel enumerating everything in this store: first the
// local keys, then any remote keys not shadowed by a local one.
func (c *COW) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		seen := make(map[string]struct{})
		for key := range c.local.List() {
			seen[key] = struct{}{}
			out <- key
		}
		for _, key := range c.remoteList("") {
			if _, ok := seen[key]; !ok {
				out <- key
			}
		}
	}()
	return out
}

// ListPrefix returns all keys with the given prefix from both stores,
// duplicates removed.
func (c *COW) ListPrefix(prefix string) ([]string, error) {
	local, err := c.local.ListPrefix(prefix)
	if err != nil {
		return nil, err
	}
	result := local
	seen := make(map[string]struct{})
	for _, key := range local {
		seen[key] = struct{}{}
	}
	for _, key := range c.remoteList(prefix) {
		if _, ok := seen[key]; !ok {
			result = append(result, key)
		}
	}
	return result, nil
}

// Open returns a reader for the given key. If the key is only on the
// remote server, its content is first copied into the local store.
func (c *COW) Open(key string) (ReadAtCloser, int64, error) {
	rac, n, err := c.local.Open(key)
	if err == nil {
		return rac, n, nil
	}
	rc, err := c.remoteOpen(key)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()
	w, err := c.local.Put(key)
	if err != nil {
		return nil, 0, err
	}
	_, err = io.Copy(w, rc)
	if err != nil {
		w.Close()
		return nil, 0, err
	}
	err = w.Close()
	if err != nil {
		return nil, 0, err
	}
	return c.local.Open(key)
}

// Put makes a new value in the local store. It is fine for it to shadow a
// value on the remote server with the same key.
func (c *COW) Put(key string) (io.WriteCloser, error) {
	return c.local.Put(key)
}

// Delete removes the key from the local store. The remote server is never
// written to, so a remote value with the same key will reappear.
func (c *COW) Delete(key string) error {
	return c.local.Delete(key)
}

// remoteList asks the server for its keys under prefix. Errors only make
// the remote look empty, since the listing interfaces have no way to pass
// them back.
func (c *COW) remoteList(prefix string) []string {
	u := c.host + "/blobs/list"
	if prefix != "" {
		u += "?prefix=" + url.QueryEscape(prefix)
	}
	resp, err := c.get(u)
	if err != nil {
		log.Println("COW list:", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		log.Println("COW list: status", resp.StatusCode)
		return nil
	}
	var keys []string
	err = json.NewDecoder(resp.Body).Decode(&keys)
	if err != nil && err != io.EOF {
		log.Println("COW list:", err)
		return nil
	}
	return keys
}

func (c *COW) remoteOpen(key string) (io.ReadCloser, error) {
	resp, err := c.get(c.host + "/blobs/open/" + key)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case 200:
		return resp.Body, nil
	case 404:
		resp.Body.Close()
		return nil, ErrNotExist
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("remote store returned %d", resp.StatusCode)
	}
}

// get a url, like client.Get(), but also add the token header if needed.
func (c *COW) get(url string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Add("X-Api-Key", c.token)
	}
	return c.client.Do(req)
}
