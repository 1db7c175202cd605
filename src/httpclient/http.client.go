package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// DefaultTimeout is used when neither the caller nor the context sets a timeout.
const DefaultTimeout = time.Second * 10

const (
	contentTypeJSON = "application/json"
	contentTypeForm = "application/x-www-form-urlencoded"
	maxBodyInError  = 1024
)

var (
	ErrStatusCodeMismatch  = errors.New("status code mismatch")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrDecodeFailed        = errors.New("decoding response body failed")
	ErrTransportFailed     = errors.New("transport failed")
)

// Doer sends a request and reads the response within the given timeout.
// *fasthttp.Client and *fasthttp.HostClient satisfy it.
type Doer interface {
	DoTimeout(req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error
}

// NewClient creates the fasthttp client used against the WHO endpoints.
func NewClient(name string) *fasthttp.Client {
	return &fasthttp.Client{
		Name:                   name,
		DisablePathNormalizing: true,
		MaxIdleConnDuration:    time.Minute,
		ReadTimeout:            DefaultTimeout,
		WriteTimeout:           DefaultTimeout,
	}
}

// Response is a copy of the transport response that outlives the pooled fasthttp objects.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// RequestError describes a failed request against a remote endpoint.
// StatusCode is zero when the request never got a response.
type RequestError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s failed: %s", e.Method, e.URL, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed with status %d: %s: %s", e.Method, e.URL, e.StatusCode, e.Err, e.Body)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Do sends the request and copies the response.
// Only transport and context failures are reported as errors, the status code is left to the caller.
func Do(ctx context.Context, c Doer, timeout time.Duration, req *fasthttp.Request) (Response, error) {
	method, url := string(req.Header.Method()), req.URI().String()

	t, err := remaining(ctx, timeout)
	if err != nil {
		return Response{}, &RequestError{Method: method, URL: url, Err: err}
	}

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := c.DoTimeout(req, resp, t); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) && ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
		return Response{}, &RequestError{Method: method, URL: url, Err: errors.Join(ErrTransportFailed, err)}
	}

	return Response{
		StatusCode:  resp.StatusCode(),
		ContentType: string(resp.Header.ContentType()),
		Body:        append([]byte(nil), resp.Body()...),
	}, nil
}

// GetJSON makes a get request to the given 'url' with the given headers.
// 'in' is a pointer to the structure to be deserialized from the received json data.
// The url is sent as is, without path normalization, so caller encoded path segments are preserved.
func GetJSON(ctx context.Context, c Doer, timeout time.Duration, url string, header map[string]string, in any) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(url)
	req.URI().DisablePathNormalizing = true
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAccept, contentTypeJSON)
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := Do(ctx, c, timeout, req)
	if err != nil {
		return err
	}

	return decode(fasthttp.MethodGet, url, resp, in)
}

// PostForm makes a post request with the form encoded 'form' arguments as the body.
func PostForm(ctx context.Context, c Doer, timeout time.Duration, url string, form *fasthttp.Args) (Response, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(contentTypeForm)
	req.Header.Set(fasthttp.HeaderAccept, contentTypeJSON)
	req.SetBody(form.QueryString())

	return Do(ctx, c, timeout, req)
}

// IsJSON reports whether the content type describes a json document.
// An empty content type is accepted as json.
func IsJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	return bytes.Contains(bytes.ToLower([]byte(contentType)), []byte("json"))
}

func decode(method, url string, resp Response, in any) error {
	switch {
	case resp.StatusCode == fasthttp.StatusNoContent:
		return nil
	case resp.StatusCode >= fasthttp.StatusOK && resp.StatusCode < fasthttp.StatusMultipleChoices:
	default:
		return &RequestError{
			Method: method, URL: url, StatusCode: resp.StatusCode, Body: snippet(resp.Body),
			Err: errors.Join(
				ErrStatusCodeMismatch,
				fmt.Errorf("expected status code %d but got %d", fasthttp.StatusOK, resp.StatusCode)),
		}
	}

	if !IsJSON(resp.ContentType) {
		return &RequestError{
			Method: method, URL: url, StatusCode: resp.StatusCode, Body: snippet(resp.Body),
			Err: errors.Join(
				ErrContentTypeMismatch,
				fmt.Errorf("expected content type %s but got %s", contentTypeJSON, resp.ContentType)),
		}
	}

	if in == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, in); err != nil {
		return &RequestError{
			Method: method, URL: url, StatusCode: resp.StatusCode, Body: snippet(resp.Body),
			Err: errors.Join(ErrDecodeFailed, err),
		}
	}
	return nil
}

func remaining(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return 0, context.DeadlineExceeded
		}
		if left < timeout {
			timeout = left
		}
	}
	return timeout, nil
}

func snippet(body []byte) string {
	if len(body) > maxBodyInError {
		return string(body[:maxBodyInError])
	}
	return string(body)
}
