package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"

	"github.com/camelot/whoicd/src/httpclient"
	"github.com/camelot/whoicd/src/logger"
	"github.com/camelot/whoicd/src/logging"
)

const (
	Endpoint  = "https://icdaccessmanagement.who.int/connect/token"
	Scope     = "icdapi_access"
	GrantType = "client_credentials"
)

// DefaultLeeway is how long before its expiry a tracked token is renewed.
const DefaultLeeway = time.Second * 30

// FetchedGauge is the gauge set to the time of the last successful token fetch.
const FetchedGauge = "icd_token_fetched_at"

const (
	fetchKey   = "token"
	refreshKey = "refresh"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMissingAccessToken   = errors.New("token response has no access_token")
)

// AuthenticationError is returned when the token endpoint rejects the request.
// Body is the raw response body.
type AuthenticationError struct {
	StatusCode int
	Body       string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("Fetching token failed: %s", e.Body)
}

// Is makes errors.Is(err, ErrAuthenticationFailed) hold for every AuthenticationError.
func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthenticationFailed
}

// Config is the configuration of the token provider.
type Config struct {
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Endpoint     string        `yaml:"endpoint"`     // defaults to the WHO access management endpoint
	Timeout      time.Duration `yaml:"timeout"`      // defaults to httpclient.DefaultTimeout
	TrackExpiry  bool          `yaml:"track_expiry"` // renew the cached token when it is about to expire
	Leeway       time.Duration `yaml:"leeway"`       // defaults to DefaultLeeway
}

// Recorder records the token measurements.
type Recorder interface {
	CreateObservableGauge(name, description string)
	SetToCurrentTimeGauge(name string) bool
}

type response struct {
	AccessToken *string `json:"access_token"`
	ExpiresIn   int64   `json:"expires_in"`
}

// Provider obtains a bearer token with the client credentials grant and caches it.
// The cached token is returned until a refresh is requested,
// or, with Config.TrackExpiry, until it is about to expire.
// It is safe for concurrent use, concurrent fetches are collapsed into one request.
type Provider struct {
	cfg   Config
	doer  httpclient.Doer
	log   logger.Logger
	now   func() time.Time
	group singleflight.Group

	mux       sync.RWMutex
	token     string
	expiresAt time.Time
	rec       Recorder
}

// New creates a new Provider. A nil log discards logs.
func New(cfg Config, doer httpclient.Doer, log logger.Logger) *Provider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = httpclient.DefaultTimeout
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = DefaultLeeway
	}
	if log == nil {
		log = logging.Nop{}
	}
	return &Provider{cfg: cfg, doer: doer, log: log, now: time.Now}
}

// Token returns the cached token, fetching a new one when none is cached or refresh is true.
// Concurrent callers share one fetch per kind. The fetch is bounded by Config.Timeout only,
// ctx bounds how long this caller waits for it.
func (p *Provider) Token(ctx context.Context, refresh bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !refresh {
		if t, ok := p.cached(); ok {
			return t, nil
		}
	}

	key := fetchKey
	if refresh {
		key = refreshKey
	}
	ch := p.group.DoChan(key, func() (any, error) {
		if !refresh {
			if t, ok := p.cached(); ok {
				return t, nil
			}
		}
		fetchCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		defer cancel()
		return p.fetch(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

// Observe makes the provider set FetchedGauge of rec after every successful fetch.
func (p *Provider) Observe(rec Recorder) {
	rec.CreateObservableGauge(FetchedGauge, "time of the last successful access token fetch")
	p.mux.Lock()
	defer p.mux.Unlock()
	p.rec = rec
}

// ExpiresAt returns the expiry of the cached token, or zero time when it is unknown.
func (p *Provider) ExpiresAt() time.Time {
	p.mux.RLock()
	defer p.mux.RUnlock()
	return p.expiresAt
}

func (p *Provider) cached() (string, bool) {
	p.mux.RLock()
	defer p.mux.RUnlock()

	if p.token == "" {
		return "", false
	}
	if p.cfg.TrackExpiry && !p.expiresAt.IsZero() && !p.now().Add(p.cfg.Leeway).Before(p.expiresAt) {
		return "", false
	}
	return p.token, true
}

func (p *Provider) fetch(ctx context.Context) (string, error) {
	form := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(form)
	form.Add("client_id", p.cfg.ClientID)
	form.Add("client_secret", p.cfg.ClientSecret)
	form.Add("scope", Scope)
	form.Add("grant_type", GrantType)

	p.log.Debug(fmt.Sprintf("fetching token from %s", p.cfg.Endpoint))

	fetchedAt := p.now()
	resp, err := httpclient.PostForm(ctx, p.doer, p.cfg.Timeout, p.cfg.Endpoint, form)
	if err != nil {
		p.log.Error(fmt.Sprintf("fetching token failed: %s", err))
		return "", err
	}

	if resp.StatusCode >= fasthttp.StatusMultipleChoices {
		err := &AuthenticationError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
		p.log.Error(fmt.Sprintf("token endpoint responded with status %d", resp.StatusCode))
		return "", err
	}

	var r response
	if err := json.Unmarshal(resp.Body, &r); err != nil {
		return "", errors.Join(httpclient.ErrDecodeFailed, err)
	}
	if r.AccessToken == nil {
		return "", ErrMissingAccessToken
	}

	expiresAt := expiry(*r.AccessToken, r.ExpiresIn, fetchedAt)

	p.mux.Lock()
	p.token = *r.AccessToken
	p.expiresAt = expiresAt
	rec := p.rec
	p.mux.Unlock()

	if rec != nil {
		rec.SetToCurrentTimeGauge(FetchedGauge)
	}

	p.log.Debug("token fetched")

	return *r.AccessToken, nil
}

// expiry prefers the expires_in of the response and falls back to the exp claim of a JWT access token.
func expiry(accessToken string, expiresIn int64, fetchedAt time.Time) time.Time {
	if expiresIn > 0 {
		return fetchedAt.Add(time.Duration(expiresIn) * time.Second)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
