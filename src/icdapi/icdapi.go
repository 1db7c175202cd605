// Package icdapi exposes the ICD-10 and ICD-11 clients as a REST gateway.
// Every route forwards to a single client operation and answers with the upstream JSON document,
// so applications get the WHO API without handling credentials themselves.
package icdapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"github.com/camelot/whoicd/src/httpclient"
	"github.com/camelot/whoicd/src/logger"
	"github.com/camelot/whoicd/src/searchquery"
	"github.com/camelot/whoicd/src/token"
)

const (
	Header     = "WHO-ICD-Gateway"
	APIVersion = "1.0.0"
)

const (
	AliveURL = "/alive"

	Icd10ReleasesURL      = "/icd10/releases"
	Icd10ReleaseURL       = "/icd10/releases/:release"
	Icd10ReleaseCodeURL   = "/icd10/releases/:release/codes/:code"
	Icd10CodeURL          = "/icd10/codes/:code"
	Icd11FoundationsURL   = "/icd11/entity"
	Icd11FoundationSearch = "/icd11/entity/search"
	Icd11FoundationURL    = "/icd11/entity/:id"

	Icd11LinearizationURL         = "/icd11/linearizations/:name"
	Icd11LinearizationEntityURL   = "/icd11/linearizations/:name/:id"
	Icd11LinearizationResidualURL = "/icd11/linearizations/:name/:id/:residual"

	Icd11ReleaseLinearizationURL = "/icd11/releases/:release/:name"
	Icd11ReleaseSearchURL        = "/icd11/releases/:release/:name/search"
	Icd11ReleaseLookupURL        = "/icd11/releases/:release/:name/lookup"
	Icd11ReleaseCodeinfoURL      = "/icd11/releases/:release/:name/codeinfo/:code"
	Icd11ReleaseEntityURL        = "/icd11/releases/:release/:name/:id"
	Icd11ReleaseResidualURL      = "/icd11/releases/:release/:name/:id/:residual"
)

const (
	paramReleaseID     = "releaseId"
	paramFoundationURI = "foundationUri"
)

const defaultPort = 8080

const (
	failuresCounter = "icd_gateway_failures"
	inFlightGauge   = "icd_gateway_requests_in_flight"
)

// Config is the configuration of the gateway.
type Config struct {
	Port int `yaml:"port"` // port on which the gateway listens for http requests, 8080 when 0
}

// Icd10 is the ICD-10 API the gateway forwards to.
type Icd10 interface {
	Releases(ctx context.Context) (map[string]any, error)
	Release(ctx context.Context, release string) (map[string]any, error)
	Code(ctx context.Context, code string) (map[string]any, error)
	CodeByRelease(ctx context.Context, code, release string) (map[string]any, error)
}

// Icd11 is the ICD-11 API the gateway forwards to.
type Icd11 interface {
	Foundations(ctx context.Context, releaseID *string) (map[string]any, error)
	Foundation(ctx context.Context, id string, releaseID *string) (map[string]any, error)
	SearchFoundation(ctx context.Context, q *searchquery.Query) (map[string]any, error)
	Linearization(ctx context.Context, name string) (map[string]any, error)
	ReleaseLinearization(ctx context.Context, releaseID, name string) (map[string]any, error)
	LinearizationByID(ctx context.Context, name, id string) (map[string]any, error)
	LinearizationByIDResidual(ctx context.Context, name, id, residual string) (map[string]any, error)
	ReleaseLinearizationByID(ctx context.Context, releaseID, name, id string) (map[string]any, error)
	ReleaseLinearizationByIDResidual(ctx context.Context, releaseID, name, id, residual string) (map[string]any, error)
	ReleaseLinearizationByCode(ctx context.Context, releaseID, name, code string) (map[string]any, error)
	ReleaseLinearizationLookup(ctx context.Context, releaseID, name string, foundationURI *string) (map[string]any, error)
	SearchReleaseLinearization(ctx context.Context, releaseID, name string, q *searchquery.Query) (map[string]any, error)
}

// Recorder records the gateway measurements.
type Recorder interface {
	CreateObservableHistogram(name, description string)
	RecordHistogramTime(name string, t time.Duration) bool
	CreateCounter(name, description string)
	IncrementCounter(name string) bool
	CreateObservableGauge(name, description string)
	AddToGauge(name string, f float64) bool
}

// AliveResponse is a response for alive and version check.
type AliveResponse struct {
	Alive      bool   `json:"alive"`
	APIVersion string `json:"api_version"`
	APIHeader  string `json:"api_header"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status    int    `json:"status"`
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

type app struct {
	icd10 Icd10
	icd11 Icd11
	rec   Recorder
	log   logger.Logger
}

// Run initializes routing and runs the gateway. To stop the gateway cancel the context.
// It will block until the context is canceled.
func Run(ctx context.Context, cfg Config, log logger.Logger, i10 Icd10, i11 Icd11, rec Recorder) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return errors.New("port out of range 0 - 65535")
	}

	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}

	ctxx, cancel := context.WithCancel(ctx)
	defer cancel()

	router := New(log, i10, i11, rec)

	go func() {
		if err := router.Listen(fmt.Sprintf("0.0.0.0:%v", port)); err != nil {
			log.Error(fmt.Sprintf("gateway stopped listening: %s", err))
			cancel()
		}
	}()

	<-ctxx.Done()

	return router.Shutdown()
}

// New creates the gateway router.
func New(log logger.Logger, i10 Icd10, i11 Icd11, rec Recorder) *fiber.App {
	a := &app{icd10: i10, icd11: i11, rec: rec, log: log}

	router := fiber.New(fiber.Config{
		Prefork:               false,
		CaseSensitive:         true,
		StrictRouting:         true,
		ReadTimeout:           time.Second * 5,
		WriteTimeout:          time.Second * 30,
		ServerHeader:          Header,
		AppName:               APIVersion,
		Concurrency:           4096,
		DisableStartupMessage: true,
	})
	router.Use(recover.New())
	router.Use(requestid.New(requestid.Config{
		Header:    fiber.HeaderXRequestID,
		Generator: uuid.NewString,
	}))

	a.rec.CreateCounter(failuresCounter, "number of gateway requests answered with an error")
	a.rec.CreateObservableGauge(inFlightGauge, "number of gateway requests being forwarded")

	router.Get(AliveURL, a.alive)

	a.route(router, Icd10ReleasesURL, "icd10_releases", a.icd10Releases)
	a.route(router, Icd10ReleaseCodeURL, "icd10_release_code", a.icd10ReleaseCode)
	a.route(router, Icd10ReleaseURL, "icd10_release", a.icd10Release)
	a.route(router, Icd10CodeURL, "icd10_code", a.icd10Code)

	a.route(router, Icd11FoundationsURL, "icd11_foundations", a.icd11Foundations)
	a.route(router, Icd11FoundationSearch, "icd11_foundation_search", a.icd11FoundationSearch)
	a.route(router, Icd11FoundationURL, "icd11_foundation", a.icd11Foundation)

	a.route(router, Icd11LinearizationURL, "icd11_linearization", a.icd11Linearization)
	a.route(router, Icd11LinearizationEntityURL, "icd11_linearization_entity", a.icd11LinearizationEntity)
	a.route(router, Icd11LinearizationResidualURL, "icd11_linearization_residual", a.icd11LinearizationResidual)

	// Static segments are registered before the parameters they would otherwise be matched as.
	a.route(router, Icd11ReleaseSearchURL, "icd11_release_search", a.icd11ReleaseSearch)
	a.route(router, Icd11ReleaseLookupURL, "icd11_release_lookup", a.icd11ReleaseLookup)
	a.route(router, Icd11ReleaseCodeinfoURL, "icd11_release_codeinfo", a.icd11ReleaseCodeinfo)
	a.route(router, Icd11ReleaseLinearizationURL, "icd11_release_linearization", a.icd11ReleaseLinearization)
	a.route(router, Icd11ReleaseEntityURL, "icd11_release_entity", a.icd11ReleaseEntity)
	a.route(router, Icd11ReleaseResidualURL, "icd11_release_residual", a.icd11ReleaseResidual)

	return router
}

// route registers the handler, records its duration in a histogram named after the route
// and counts it in the in flight gauge while it runs.
func (a *app) route(router *fiber.App, path, name string, h fiber.Handler) {
	histogram := name + "_request_duration"
	a.rec.CreateObservableHistogram(histogram, fmt.Sprintf("%s request duration in microseconds", path))
	router.Get(path, func(c *fiber.Ctx) error {
		t := time.Now()
		a.rec.AddToGauge(inFlightGauge, 1)
		defer func() {
			a.rec.AddToGauge(inFlightGauge, -1)
			a.rec.RecordHistogramTime(histogram, time.Since(t))
		}()
		return h(c)
	})
}

func (a *app) alive(c *fiber.Ctx) error {
	return c.JSON(
		AliveResponse{
			Alive:      true,
			APIVersion: APIVersion,
			APIHeader:  Header,
		})
}

func (a *app) respond(c *fiber.Ctx, doc map[string]any, err error) error {
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(doc)
}

// fail maps the error to the gateway status code.
// Rejected credentials are a bad gateway and upstream client errors keep their status.
func (a *app) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var reqErr *httpclient.RequestError
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		status = fiberErr.Code
	case errors.Is(err, token.ErrAuthenticationFailed):
		status = fiber.StatusBadGateway
	case errors.As(err, &reqErr) && reqErr.StatusCode >= fiber.StatusBadRequest:
		status = reqErr.StatusCode
	}

	id, _ := c.Locals(requestid.ConfigDefault.ContextKey).(string)
	a.rec.IncrementCounter(failuresCounter)
	a.log.Error(fmt.Sprintf("%s %s, request [ %s ] failed with status %d: %s", c.Method(), c.Path(), id, status, err))

	return c.Status(status).JSON(ErrorResponse{Status: status, Error: err.Error(), RequestID: id})
}

func (a *app) badRequest(c *fiber.Ctx, msg string) error {
	return a.fail(c, fiber.NewError(fiber.StatusBadRequest, msg))
}

func (a *app) icd10Releases(c *fiber.Ctx) error {
	doc, err := a.icd10.Releases(c.UserContext())
	return a.respond(c, doc, err)
}

func (a *app) icd10Release(c *fiber.Ctx) error {
	doc, err := a.icd10.Release(c.UserContext(), c.Params("release"))
	return a.respond(c, doc, err)
}

func (a *app) icd10ReleaseCode(c *fiber.Ctx) error {
	doc, err := a.icd10.CodeByRelease(c.UserContext(), c.Params("code"), c.Params("release"))
	return a.respond(c, doc, err)
}

func (a *app) icd10Code(c *fiber.Ctx) error {
	doc, err := a.icd10.Code(c.UserContext(), c.Params("code"))
	return a.respond(c, doc, err)
}

func (a *app) icd11Foundations(c *fiber.Ctx) error {
	doc, err := a.icd11.Foundations(c.UserContext(), optionalQuery(c, paramReleaseID))
	return a.respond(c, doc, err)
}

func (a *app) icd11Foundation(c *fiber.Ctx) error {
	doc, err := a.icd11.Foundation(c.UserContext(), c.Params("id"), optionalQuery(c, paramReleaseID))
	return a.respond(c, doc, err)
}

func (a *app) icd11FoundationSearch(c *fiber.Ctx) error {
	q, err := parseQuery(c)
	if err != nil {
		return a.badRequest(c, err.Error())
	}
	doc, err := a.icd11.SearchFoundation(c.UserContext(), q)
	return a.respond(c, doc, err)
}

func (a *app) icd11Linearization(c *fiber.Ctx) error {
	doc, err := a.icd11.Linearization(c.UserContext(), c.Params("name"))
	return a.respond(c, doc, err)
}

func (a *app) icd11LinearizationEntity(c *fiber.Ctx) error {
	doc, err := a.icd11.LinearizationByID(c.UserContext(), c.Params("name"), c.Params("id"))
	return a.respond(c, doc, err)
}

func (a *app) icd11LinearizationResidual(c *fiber.Ctx) error {
	doc, err := a.icd11.LinearizationByIDResidual(c.UserContext(), c.Params("name"), c.Params("id"), c.Params("residual"))
	return a.respond(c, doc, err)
}

func (a *app) icd11ReleaseLinearization(c *fiber.Ctx) error {
	doc, err := a.icd11.ReleaseLinearization(c.UserContext(), c.Params("release"), c.Params("name"))
	return a.respond(c, doc, err)
}

func (a *app) icd11ReleaseEntity(c *fiber.Ctx) error {
	doc, err := a.icd11.ReleaseLinearizationByID(c.UserContext(), c.Params("release"), c.Params("name"), c.Params("id"))
	return a.respond(c, doc, err)
}

func (a *app) icd11ReleaseResidual(c *fiber.Ctx) error {
	doc, err := a.icd11.ReleaseLinearizationByIDResidual(
		c.UserContext(), c.Params("release"), c.Params("name"), c.Params("id"), c.Params("residual"),
	)
	return a.respond(c, doc, err)
}

// icd11ReleaseCodeinfo forwards the code path segment as received, percent encoding included.
func (a *app) icd11ReleaseCodeinfo(c *fiber.Ctx) error {
	doc, err := a.icd11.ReleaseLinearizationByCode(c.UserContext(), c.Params("release"), c.Params("name"), c.Params("code"))
	return a.respond(c, doc, err)
}

func (a *app) icd11ReleaseLookup(c *fiber.Ctx) error {
	doc, err := a.icd11.ReleaseLinearizationLookup(
		c.UserContext(), c.Params("release"), c.Params("name"), optionalQuery(c, paramFoundationURI),
	)
	return a.respond(c, doc, err)
}

func (a *app) icd11ReleaseSearch(c *fiber.Ctx) error {
	q, err := parseQuery(c)
	if err != nil {
		return a.badRequest(c, err.Error())
	}
	doc, err := a.icd11.SearchReleaseLinearization(c.UserContext(), c.Params("release"), c.Params("name"), q)
	return a.respond(c, doc, err)
}

func optionalQuery(c *fiber.Ctx, name string) *string {
	v := c.Query(name)
	if v == "" {
		return nil
	}
	return &v
}

// parseQuery builds the search query from the query string, q is required.
func parseQuery(c *fiber.Ctx) (*searchquery.Query, error) {
	text := c.Query(searchquery.ParamSearchText)
	if text == "" {
		return nil, fmt.Errorf("query parameter %q is required", searchquery.ParamSearchText)
	}
	q := searchquery.New(text)

	if v := c.Query(searchquery.ParamSubtreesFilter); v != "" {
		q.SetSubtreesFilter(v)
	}
	if v := c.Query(searchquery.ParamChapterFilter); v != "" {
		q.SetChapterFilter(v)
	}
	if v := c.Query(searchquery.ParamPropertiesToBeSearched); v != "" {
		q.SetPropertiesToBeSearched(v)
	}
	if v := c.Query(searchquery.ParamReleaseID); v != "" {
		q.SetReleaseID(v)
	}

	flags := []struct {
		name string
		set  func(bool) *searchquery.Query
	}{
		{searchquery.ParamUseFlexisearch, q.SetUseFlexisearch},
		{searchquery.ParamFlatResults, q.SetFlatResults},
		{searchquery.ParamHighlightingEnabled, q.SetHighlightingEnabled},
	}
	for _, f := range flags {
		v := c.Query(f.name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("query parameter %q is not a boolean: %s", f.name, v)
		}
		f.set(b)
	}

	return q, nil
}
