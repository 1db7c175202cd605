package icd11

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/camelot/whoicd/src/httpclient"
	"github.com/camelot/whoicd/src/httpclient/httpstub"
	"github.com/camelot/whoicd/src/searchquery"
)

type staticToken string

func (s staticToken) Token(context.Context, bool) (string, error) {
	return string(s), nil
}

func newClient(cfg Config) (*Client, *httpstub.Doer) {
	doer := httpstub.New(httpstub.JSON(fasthttp.StatusOK, `{"title":{"@value":"Endocrine, nutritional or metabolic diseases"}}`))
	return New(cfg, doer, staticToken("abc123"), nil), doer
}

func TestPaths(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name     string
		call     func(c *Client) (map[string]any, error)
		expected string
	}{
		{
			"foundations",
			func(c *Client) (map[string]any, error) { return c.Foundations(ctx, nil) },
			"https://id.who.int/icd/entity",
		},
		{
			"foundation",
			func(c *Client) (map[string]any, error) { return c.Foundation(ctx, "120443468", nil) },
			"https://id.who.int/icd/entity/120443468",
		},
		{
			"foundation in release",
			func(c *Client) (map[string]any, error) { return c.Foundation(ctx, "120443468", String("2019-04")) },
			"https://id.who.int/icd/entity/120443468?releaseId=2019-04",
		},
		{
			"linearization",
			func(c *Client) (map[string]any, error) { return c.Linearization(ctx, "mms") },
			"https://id.who.int/icd/release/11/mms",
		},
		{
			"release linearization",
			func(c *Client) (map[string]any, error) { return c.ReleaseLinearization(ctx, "2019-04", "mms") },
			"https://id.who.int/icd/release/11/2019-04/mms",
		},
		{
			"linearization by id",
			func(c *Client) (map[string]any, error) { return c.LinearizationByID(ctx, "mms", "21500692") },
			"https://id.who.int/icd/release/11/mms/21500692",
		},
		{
			"linearization by id residual",
			func(c *Client) (map[string]any, error) {
				return c.LinearizationByIDResidual(ctx, "mms", "135352227", ResidualOther)
			},
			"https://id.who.int/icd/release/11/mms/135352227/other",
		},
		{
			"release linearization by id",
			func(c *Client) (map[string]any, error) {
				return c.ReleaseLinearizationByID(ctx, "2021-05", "mms", "21500692")
			},
			"https://id.who.int/icd/release/11/2021-05/mms/21500692",
		},
		{
			"release linearization by id residual",
			func(c *Client) (map[string]any, error) {
				return c.ReleaseLinearizationByIDResidual(ctx, "2019-04", "mms", "135352227", "other")
			},
			"https://id.who.int/icd/release/11/2019-04/mms/135352227/other",
		},
		{
			"release linearization by code",
			func(c *Client) (map[string]any, error) { return c.ReleaseLinearizationByCode(ctx, "2021-05", "mms", "02") },
			"https://id.who.int/icd/release/11/2021-05/mms/codeinfo/02",
		},
		{
			"release linearization by encoded code",
			func(c *Client) (map[string]any, error) {
				return c.ReleaseLinearizationByCode(ctx, "2021-05", "mms", "2C82.0%2FXH8PK9%26XA7K33")
			},
			"https://id.who.int/icd/release/11/2021-05/mms/codeinfo/2C82.0%2FXH8PK9%26XA7K33",
		},
		{
			"lookup",
			func(c *Client) (map[string]any, error) {
				return c.ReleaseLinearizationLookup(ctx, "2021-05", "mms", String("http://id.who.int/icd/entity/1435254666"))
			},
			"https://id.who.int/icd/release/11/2021-05/mms/lookup?foundationUri=http%3A%2F%2Fid.who.int%2Ficd%2Fentity%2F1435254666",
		},
		{
			"lookup without foundation uri",
			func(c *Client) (map[string]any, error) { return c.ReleaseLinearizationLookup(ctx, "2021-05", "mms", nil) },
			"https://id.who.int/icd/release/11/2021-05/mms/lookup",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, doer := newClient(Config{})

			out, err := tc.call(c)
			require.NoError(t, err)

			assert.NotEmpty(t, out["title"])
			assert.Equal(t, fasthttp.MethodGet, doer.Last().Method)
			assert.Equal(t, tc.expected, doer.Last().URL)
		})
	}
}

func TestFoundationsReleaseID(t *testing.T) {
	cases := []struct {
		name      string
		releaseID *string
		expected  string
	}{
		{"absent", nil, "https://id.who.int/icd/entity"},
		{"empty string", String(""), "https://id.who.int/icd/entity"},
		{"2019-04", String("2019-04"), "https://id.who.int/icd/entity?releaseId=2019-04"},
		{"2021-05", String("2021-05"), "https://id.who.int/icd/entity?releaseId=2021-05"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, doer := newClient(Config{})

			_, err := c.Foundations(context.Background(), tc.releaseID)
			require.NoError(t, err)

			assert.Equal(t, tc.expected, doer.Last().URL)
		})
	}
}

func TestSearchFoundation(t *testing.T) {
	c, doer := newClient(Config{})

	_, err := c.SearchFoundation(context.Background(), searchquery.New("adhd").SetHighlightingEnabled(false))
	require.NoError(t, err)

	assert.Equal(t,
		"https://id.who.int/icd/entity/search?q=adhd&useFlexisearch=false&flatResults=true&highlightingEnabled=false",
		doer.Last().URL)
}

func TestSearchReleaseLinearization(t *testing.T) {
	c, doer := newClient(Config{})
	q := searchquery.New("autism%").
		SetSubtreesFilter("/icd/entity/334423054").
		SetChapterFilter("06")

	_, err := c.SearchReleaseLinearization(context.Background(), "2019-04", "mms", q)
	require.NoError(t, err)

	assert.Equal(t,
		"https://id.who.int/icd/release/11/2019-04/mms/search?"+q.String(),
		doer.Last().URL)
	assert.Contains(t, doer.Last().URL, "subtreesFilter=%252Ficd%252Fentity%252F334423054")
}

func TestDefaultHeaders(t *testing.T) {
	c, doer := newClient(Config{})

	_, err := c.Linearization(context.Background(), "mms")
	require.NoError(t, err)

	last := doer.Last()
	assert.Equal(t, "v2", last.HeaderValue("API-Version"))
	assert.Equal(t, "en", last.HeaderValue("Accept-Language"))
	assert.Equal(t, "Bearer abc123", last.HeaderValue("Authorization"))
}

func TestConfiguredHeaders(t *testing.T) {
	c, doer := newClient(Config{APIVersion: "v1", Language: "fr"})
	ctx := context.Background()

	_, err := c.Foundations(ctx, nil)
	require.NoError(t, err)
	_, err = c.SearchReleaseLinearization(ctx, "2019-04", "mms", searchquery.New("cholera"))
	require.NoError(t, err)

	for _, r := range doer.Requests() {
		assert.Equal(t, "v1", r.HeaderValue("API-Version"))
		assert.Equal(t, "fr", r.HeaderValue("Accept-Language"))
		assert.Equal(t, "Bearer abc123", r.HeaderValue("Authorization"))
	}
	assert.Equal(t, 2, doer.Calls())
}

func TestRequestErrorCarriesStatusAndBody(t *testing.T) {
	doer := httpstub.New(httpstub.JSON(fasthttp.StatusInternalServerError, `{"error":"boom"}`))
	c := New(Config{}, doer, staticToken("abc123"), nil)

	_, err := c.ReleaseLinearizationByID(context.Background(), "2021-05", "mms", "0")

	var reqErr *httpclient.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, fasthttp.StatusInternalServerError, reqErr.StatusCode)
	assert.Equal(t, `{"error":"boom"}`, reqErr.Body)
}
