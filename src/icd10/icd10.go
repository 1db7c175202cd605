// Package icd10 is a client of the WHO ICD-10 API.
package icd10

import (
	"context"
	"fmt"
	"time"

	"github.com/camelot/whoicd/src/httpclient"
	"github.com/camelot/whoicd/src/logger"
	"github.com/camelot/whoicd/src/logging"
)

const (
	BaseURI    = "https://id.who.int/icd/release/10/"
	APIVersion = "v2"
	Language   = "en"
)

// TokenSource provides the bearer token of every request.
type TokenSource interface {
	Token(ctx context.Context, refresh bool) (string, error)
}

// Config is the configuration of the ICD-10 client.
type Config struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Client is a client of the ICD-10 API.
// Every call asks the token source for the token, so a refreshed token is picked up by the next call.
type Client struct {
	doer    httpclient.Doer
	tokens  TokenSource
	log     logger.Logger
	timeout time.Duration
}

// New creates a new ICD-10 client. A nil log discards logs.
func New(cfg Config, doer httpclient.Doer, tokens TokenSource, log logger.Logger) *Client {
	if log == nil {
		log = logging.Nop{}
	}
	return &Client{doer: doer, tokens: tokens, log: log, timeout: cfg.Timeout}
}

// Releases lists the available ICD-10 releases.
func (c *Client) Releases(ctx context.Context) (map[string]any, error) {
	return c.get(ctx, "")
}

// Release returns basic information on the release together with the chapters in it.
// For ICD-10 the release is generally the year, e.g. 2016.
func (c *Client) Release(ctx context.Context, release string) (map[string]any, error) {
	return c.get(ctx, release)
}

// Code returns the category or block in the latest release.
// For blocks the code is the code range.
func (c *Client) Code(ctx context.Context, code string) (map[string]any, error) {
	return c.get(ctx, code)
}

// CodeByRelease returns the category in the given release together with its children.
func (c *Client) CodeByRelease(ctx context.Context, code, release string) (map[string]any, error) {
	return c.get(ctx, fmt.Sprintf("%s/%s", release, code))
}

func (c *Client) get(ctx context.Context, path string) (map[string]any, error) {
	tok, err := c.tokens.Token(ctx, false)
	if err != nil {
		return nil, err
	}

	url := BaseURI + path
	c.log.Debug(fmt.Sprintf("GET %s", url))

	header := map[string]string{
		"API-Version":     APIVersion,
		"Accept-Language": Language,
		"Authorization":   "Bearer " + tok,
	}
	var out map[string]any
	if err := httpclient.GetJSON(ctx, c.doer, c.timeout, url, header, &out); err != nil {
		return nil, err
	}
	return out, nil
}
