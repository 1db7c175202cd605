package httpclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/camelot/whoicd/src/httpclient/httpstub"
)

const timeout = time.Second * 5

func TestGetJSONDecodesBodyAndSendsHeaders(t *testing.T) {
	doer := httpstub.New(httpstub.JSON(fasthttp.StatusOK, `{"title":{"@value":"Cholera"}}`))

	var out map[string]any
	err := GetJSON(context.Background(), doer, timeout, "https://id.who.int/icd/release/10/A00",
		map[string]string{"API-Version": "v2", "Authorization": "Bearer abc"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "Cholera", out["title"].(map[string]any)["@value"])
	last := doer.Last()
	assert.Equal(t, fasthttp.MethodGet, last.Method)
	assert.Equal(t, "https://id.who.int/icd/release/10/A00", last.URL)
	assert.Equal(t, "v2", last.HeaderValue("API-Version"))
	assert.Equal(t, "Bearer abc", last.HeaderValue("Authorization"))
	assert.Equal(t, "application/json", last.HeaderValue("Accept"))
}

func TestGetJSONKeepsEncodedPathSegments(t *testing.T) {
	doer := httpstub.New(httpstub.JSON(fasthttp.StatusOK, `{}`))

	var out map[string]any
	err := GetJSON(context.Background(), doer, timeout,
		"https://id.who.int/icd/release/11/2021-05/mms/codeinfo/2C82.0%2FXH8PK9", nil, &out)
	require.NoError(t, err)

	assert.Equal(t, "https://id.who.int/icd/release/11/2021-05/mms/codeinfo/2C82.0%2FXH8PK9", doer.Last().URL)
}

func TestGetJSONStatusCodeMismatch(t *testing.T) {
	doer := httpstub.New(httpstub.JSON(fasthttp.StatusNotFound, `{"error":"not found"}`))

	var out map[string]any
	err := GetJSON(context.Background(), doer, timeout, "https://id.who.int/icd/release/10/XXX", nil, &out)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.True(t, errors.Is(err, ErrStatusCodeMismatch))
	assert.Equal(t, fasthttp.StatusNotFound, reqErr.StatusCode)
	assert.Equal(t, `{"error":"not found"}`, reqErr.Body)
	assert.Equal(t, fasthttp.MethodGet, reqErr.Method)
	assert.Contains(t, err.Error(), "failed with status 404")
}

func TestGetJSONContentTypeMismatch(t *testing.T) {
	doer := httpstub.New(httpstub.Reply{StatusCode: fasthttp.StatusOK, ContentType: "text/html", Body: "<html/>"})

	var out map[string]any
	err := GetJSON(context.Background(), doer, timeout, "https://id.who.int/", nil, &out)

	assert.True(t, errors.Is(err, ErrContentTypeMismatch))
}

func TestGetJSONAcceptsJSONLD(t *testing.T) {
	doer := httpstub.New(httpstub.Reply{StatusCode: fasthttp.StatusOK, ContentType: "application/ld+json; charset=utf-8", Body: `{"a":1}`})

	var out map[string]any
	err := GetJSON(context.Background(), doer, timeout, "https://id.who.int/", nil, &out)

	assert.NoError(t, err)
	assert.Equal(t, float64(1), out["a"])
}

func TestGetJSONDecodeFailure(t *testing.T) {
	doer := httpstub.New(httpstub.JSON(fasthttp.StatusOK, `{"broken"`))

	var out map[string]any
	err := GetJSON(context.Background(), doer, timeout, "https://id.who.int/", nil, &out)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.True(t, errors.Is(err, ErrDecodeFailed))
	assert.Equal(t, fasthttp.StatusOK, reqErr.StatusCode)
}

func TestGetJSONNoContent(t *testing.T) {
	doer := httpstub.New(httpstub.Reply{StatusCode: fasthttp.StatusNoContent})

	var out map[string]any
	err := GetJSON(context.Background(), doer, timeout, "https://id.who.int/", nil, &out)

	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestGetJSONTransportFailure(t *testing.T) {
	doer := httpstub.New(httpstub.Reply{Err: fasthttp.ErrConnectionClosed})

	var out map[string]any
	err := GetJSON(context.Background(), doer, timeout, "https://id.who.int/", nil, &out)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 0, reqErr.StatusCode)
	assert.True(t, errors.Is(err, ErrTransportFailed))
	assert.True(t, errors.Is(err, fasthttp.ErrConnectionClosed))
}

func TestGetJSONCanceledContextSkipsRequest(t *testing.T) {
	doer := httpstub.New(httpstub.JSON(fasthttp.StatusOK, `{}`))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out map[string]any
	err := GetJSON(ctx, doer, timeout, "https://id.who.int/", nil, &out)

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, doer.Calls())
}

func TestPostFormSendsEncodedBody(t *testing.T) {
	doer := httpstub.New(httpstub.JSON(fasthttp.StatusOK, `{"access_token":"abc"}`))

	form := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(form)
	form.Add("client_id", "id")
	form.Add("scope", "icdapi_access")

	resp, err := PostForm(context.Background(), doer, timeout, "https://icdaccessmanagement.who.int/connect/token", form)
	require.NoError(t, err)

	assert.Equal(t, fasthttp.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"access_token":"abc"}`, string(resp.Body))
	last := doer.Last()
	assert.Equal(t, fasthttp.MethodPost, last.Method)
	assert.Equal(t, "client_id=id&scope=icdapi_access", string(last.Body))
	assert.Equal(t, "id", last.Form["client_id"])
}

func TestRemaining(t *testing.T) {
	got, err := remaining(context.Background(), 0)
	assert.NoError(t, err)
	assert.Equal(t, DefaultTimeout, got)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err = remaining(ctx, time.Minute)
	assert.NoError(t, err)
	assert.LessOrEqual(t, got, time.Second)

	ctx, cancel = context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err = remaining(ctx, time.Minute)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestIsJSON(t *testing.T) {
	assert.True(t, IsJSON(""))
	assert.True(t, IsJSON("application/json"))
	assert.True(t, IsJSON("Application/JSON; charset=utf-8"))
	assert.False(t, IsJSON("text/plain"))
}
