// Package clientapi speaks the teachcase server's web API. It is the
// library behind the tcclient and tcstress commands; other Go programs can
// use it directly.
//
// Every JSON response from the server is wrapped in an envelope with a
// data member on success and an error code on failure. The methods here
// unwrap it: callers get the data member, or an error. The 4xx and 5xx
// statuses every route can return are mapped onto the exported error
// values, except a 400, which carries the server's complaint and becomes a
// *RequestError.
package clientapi

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/antonholmquist/jason"
)

// A Connection represents a connection with a teachcase service. It can
// be shared between multiple goroutines.
type Connection struct {
	// The teachcase server this connection is to, e.g.
	// "http://localhost:14000"
	HostURL string

	// Token is sent as the X-Api-Key on every request. Leave it empty
	// for servers not doing authentication.
	Token string

	client *http.Client
}

// Exported errors
var (
	ErrNotFound       = errors.New("not found on server")
	ErrNotAuthorized  = errors.New("access denied")
	ErrServerError    = errors.New("server error")
	ErrUnexpectedResp = errors.New("unexpected response code")
)

// A RequestError is the failure envelope of a 400 response. The server
// rejected the request itself, so retrying the same request will not
// help.
type RequestError struct {
	Code    string // e.g. "BAD_REQUEST"
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// do performs an http request using our client with a timeout. The
// timeout is arbitrary, and is just there so we don't hang indefinitely
// should the server never close the connection.
func (c *Connection) do(req *http.Request) (*http.Response, error) {
	if c.Token != "" {
		req.Header.Add("X-Api-Key", c.Token)
	}
	if c.client == nil {
		c.client = &http.Client{
			Timeout: 10 * time.Minute, // arbitrary
		}
	}
	return c.client.Do(req)
}

// doJasonGet GETs route and returns the decoded response envelope.
func (c *Connection) doJasonGet(route string) (*jason.Object, error) {
	req, err := http.NewRequest("GET", c.HostURL+route, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, route)
}

// doJasonPost POSTs body to route and returns the decoded response
// envelope.
func (c *Connection) doJasonPost(route, ctype string, body []byte) (*jason.Object, error) {
	req, err := http.NewRequest("POST", c.HostURL+route, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ctype)
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, route)
}

// download GETs route and copies the raw response body to w. It is for
// the routes streaming image bytes or zip files rather than JSON.
func (c *Connection) download(w io.Writer, route string) error {
	req, err := http.NewRequest("GET", c.HostURL+route, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return statusError(resp, route)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// decodeEnvelope turns a response into the decoded envelope or the error
// matching its status code.
func decodeEnvelope(resp *http.Response, route string) (*jason.Object, error) {
	switch resp.StatusCode {
	case 200, 201:
		return jason.NewObjectFromReader(resp.Body)
	}
	return nil, statusError(resp, route)
}

func statusError(resp *http.Response, route string) error {
	switch resp.StatusCode {
	case 400:
		v, err := jason.NewObjectFromReader(resp.Body)
		if err != nil {
			return &RequestError{Code: "BAD_REQUEST"}
		}
		result := new(RequestError)
		result.Code, _ = v.GetString("error_code")
		result.Message, _ = v.GetString("error")
		return result
	case 401:
		return ErrNotAuthorized
	case 404:
		log.Println("returned 404", route)
		return ErrNotFound
	case 500:
		return ErrServerError
	}
	log.Printf("Received HTTP status %d for %s", resp.StatusCode, route)
	return ErrUnexpectedResp
}
