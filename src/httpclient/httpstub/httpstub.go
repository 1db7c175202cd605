// Package httpstub provides an in memory httpclient.Doer for tests.
// It records every request it receives and answers with canned replies.
package httpstub

import (
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// Request is a copy of a request received by the Doer.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	Form   map[string]string
	Body   []byte
}

// HeaderValue returns the value of the header with the given name, matched case insensitively.
func (r Request) HeaderValue(name string) string {
	for k, v := range r.Header {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Reply is a canned response. A non nil Err is returned as the transport error.
type Reply struct {
	StatusCode  int
	ContentType string
	Body        string
	Err         error
}

// JSON creates a json reply.
func JSON(status int, body string) Reply {
	return Reply{StatusCode: status, ContentType: "application/json", Body: body}
}

// Doer replays replies in order and repeats the last one once they are exhausted.
type Doer struct {
	// Delay is slept before every reply.
	Delay time.Duration
	// Handler, when set, takes precedence over the queued replies.
	Handler func(r Request) Reply

	mux      sync.Mutex
	replies  []Reply
	requests []Request
}

// New creates a Doer answering with the given replies.
func New(replies ...Reply) *Doer {
	return &Doer{replies: replies}
}

// DoTimeout satisfies httpclient.Doer.
func (d *Doer) DoTimeout(req *fasthttp.Request, resp *fasthttp.Response, _ time.Duration) error {
	r := copyRequest(req)

	if d.Delay > 0 {
		time.Sleep(d.Delay)
	}

	d.mux.Lock()
	d.requests = append(d.requests, r)
	var reply Reply
	switch {
	case d.Handler != nil:
		d.mux.Unlock()
		reply = d.Handler(r)
	case len(d.replies) == 0:
		d.mux.Unlock()
		reply = Reply{StatusCode: fasthttp.StatusNotFound}
	default:
		reply = d.replies[0]
		if len(d.replies) > 1 {
			d.replies = d.replies[1:]
		}
		d.mux.Unlock()
	}

	if reply.Err != nil {
		return reply.Err
	}
	resp.SetStatusCode(reply.StatusCode)
	if reply.ContentType != "" {
		resp.Header.SetContentType(reply.ContentType)
	}
	resp.SetBodyString(reply.Body)
	return nil
}

// Requests returns copies of all requests received so far.
func (d *Doer) Requests() []Request {
	d.mux.Lock()
	defer d.mux.Unlock()
	return append([]Request(nil), d.requests...)
}

// Calls returns the number of requests received so far.
func (d *Doer) Calls() int {
	d.mux.Lock()
	defer d.mux.Unlock()
	return len(d.requests)
}

// Last returns the last received request.
func (d *Doer) Last() Request {
	d.mux.Lock()
	defer d.mux.Unlock()
	if len(d.requests) == 0 {
		return Request{}
	}
	return d.requests[len(d.requests)-1]
}

func copyRequest(req *fasthttp.Request) Request {
	r := Request{
		Method: string(req.Header.Method()),
		URL:    req.URI().String(),
		Header: make(map[string]string),
		Form:   make(map[string]string),
		Body:   append([]byte(nil), req.Body()...),
	}
	req.Header.VisitAll(func(k, v []byte) {
		r.Header[string(k)] = string(v)
	})
	req.PostArgs().VisitAll(func(k, v []byte) {
		r.Form[string(k)] = string(v)
	})
	return r
}
