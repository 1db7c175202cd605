// Package icd11 is a client of the WHO ICD-11 API, covering the foundation and the linearizations.
package icd11

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/camelot/whoicd/src/httpclient"
	"github.com/camelot/whoicd/src/logger"
	"github.com/camelot/whoicd/src/logging"
	"github.com/camelot/whoicd/src/searchquery"
)

const (
	BaseURI           = "https://id.who.int/icd/release/11/"
	DefaultAPIVersion = "v2"
	DefaultLanguage   = "en"
)

const origin = "https://id.who.int"

// Residual categories of a linearization entity.
const (
	ResidualOther       = "other"
	ResidualUnspecified = "unspecified"
)

const paramFoundationURI = "foundationUri"

const (
	foundationPath       = "/icd/entity"
	foundationSearchPath = "/icd/entity/search"
)

// TokenSource provides the bearer token of every request.
type TokenSource interface {
	Token(ctx context.Context, refresh bool) (string, error)
}

// Config is the configuration of the ICD-11 client.
type Config struct {
	APIVersion string        `yaml:"api_version"` // API-Version header, defaults to v2
	Language   string        `yaml:"language"`    // Accept-Language header, defaults to en
	Timeout    time.Duration `yaml:"timeout"`
}

// Client is a client of the ICD-11 API.
type Client struct {
	doer       httpclient.Doer
	tokens     TokenSource
	log        logger.Logger
	apiVersion string
	language   string
	timeout    time.Duration
}

// New creates a new ICD-11 client. A nil log discards logs.
func New(cfg Config, doer httpclient.Doer, tokens TokenSource, log logger.Logger) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if log == nil {
		log = logging.Nop{}
	}
	return &Client{
		doer:       doer,
		tokens:     tokens,
		log:        log,
		apiVersion: cfg.APIVersion,
		language:   cfg.Language,
		timeout:    cfg.Timeout,
	}
}

// String returns a pointer to s, for the optional arguments of the client.
func String(s string) *string {
	return &s
}

// Foundations returns the latest release of the foundation together with its top level entities.
// A releaseID such as 2019-04 pins the response to that release.
func (c *Client) Foundations(ctx context.Context, releaseID *string) (map[string]any, error) {
	return c.get(ctx, foundationPath, releaseQuery(releaseID))
}

// Foundation returns the foundation entity with the given numeric id.
func (c *Client) Foundation(ctx context.Context, id string, releaseID *string) (map[string]any, error) {
	return c.get(ctx, fmt.Sprintf("%s/%s", foundationPath, id), releaseQuery(releaseID))
}

// SearchFoundation searches the foundation.
func (c *Client) SearchFoundation(ctx context.Context, q *searchquery.Query) (map[string]any, error) {
	return c.get(ctx, foundationSearchPath, searchQuery(q))
}

// Linearization returns the linearization, e.g. mms, together with its available releases.
func (c *Client) Linearization(ctx context.Context, name string) (map[string]any, error) {
	return c.get(ctx, name, "")
}

// ReleaseLinearization returns the released linearization together with its chapters.
func (c *Client) ReleaseLinearization(ctx context.Context, releaseID, name string) (map[string]any, error) {
	return c.get(ctx, join(releaseID, name), "")
}

// LinearizationByID lists the URIs of the entity in the available releases.
func (c *Client) LinearizationByID(ctx context.Context, name, id string) (map[string]any, error) {
	return c.get(ctx, join(name, id), "")
}

// LinearizationByIDResidual lists the URIs of the residual entity in the available releases.
// The residual is ResidualOther or ResidualUnspecified, the id is the one of the parent entity.
func (c *Client) LinearizationByIDResidual(ctx context.Context, name, id, residual string) (map[string]any, error) {
	return c.get(ctx, join(name, id, residual), "")
}

// ReleaseLinearizationByID returns the linearization entity in the given release.
func (c *Client) ReleaseLinearizationByID(ctx context.Context, releaseID, name, id string) (map[string]any, error) {
	return c.get(ctx, join(releaseID, name, id), "")
}

// ReleaseLinearizationByIDResidual returns the residual linearization entity in the given release.
func (c *Client) ReleaseLinearizationByIDResidual(ctx context.Context, releaseID, name, id, residual string) (map[string]any, error) {
	return c.get(ctx, join(releaseID, name, id, residual), "")
}

// ReleaseLinearizationByCode looks up an entity by its code or postcoordinated code combination.
// The & and / characters of the code have to be URL encoded by the caller.
func (c *Client) ReleaseLinearizationByCode(ctx context.Context, releaseID, name, code string) (map[string]any, error) {
	return c.get(ctx, join(releaseID, name, "codeinfo", code), "")
}

// ReleaseLinearizationLookup maps a foundation entity URI to the linearization.
// An included entity with a code is returned as is, an included grouping without a code
// yields its unspecified residual category and an excluded entity yields the entity it is aggregated into.
func (c *Client) ReleaseLinearizationLookup(ctx context.Context, releaseID, name string, foundationURI *string) (map[string]any, error) {
	var query string
	if present(foundationURI) {
		query = paramFoundationURI + "=" + searchquery.Encode(*foundationURI)
	}
	return c.get(ctx, join(releaseID, name, "lookup"), query)
}

// SearchReleaseLinearization searches the released linearization.
func (c *Client) SearchReleaseLinearization(ctx context.Context, releaseID, name string, q *searchquery.Query) (map[string]any, error) {
	return c.get(ctx, join(releaseID, name, "search"), searchQuery(q))
}

func (c *Client) get(ctx context.Context, path, query string) (map[string]any, error) {
	tok, err := c.tokens.Token(ctx, false)
	if err != nil {
		return nil, err
	}

	url := resolve(path)
	if query != "" {
		url = fmt.Sprintf("%s?%s", url, query)
	}
	c.log.Debug(fmt.Sprintf("GET %s", url))

	header := map[string]string{
		"API-Version":     c.apiVersion,
		"Accept-Language": c.language,
		"Authorization":   "Bearer " + tok,
	}
	var out map[string]any
	if err := httpclient.GetJSON(ctx, c.doer, c.timeout, url, header, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// resolve resolves the path against the base URI, paths starting with a slash against the host.
func resolve(path string) string {
	if strings.HasPrefix(path, "/") {
		return origin + path
	}
	return BaseURI + path
}

func join(segments ...string) string {
	return strings.Join(segments, "/")
}

func present(v *string) bool {
	return v != nil && *v != ""
}

func releaseQuery(releaseID *string) string {
	if !present(releaseID) {
		return ""
	}
	return searchquery.ParamReleaseID + "=" + searchquery.Encode(*releaseID)
}

func searchQuery(q *searchquery.Query) string {
	if q == nil {
		return ""
	}
	return q.String()
}
