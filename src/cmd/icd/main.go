package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/camelot/whoicd/src/configuration"
	"github.com/camelot/whoicd/src/httpclient"
	"github.com/camelot/whoicd/src/icd10"
	"github.com/camelot/whoicd/src/icd11"
	"github.com/camelot/whoicd/src/icdapi"
	"github.com/camelot/whoicd/src/logging"
	"github.com/camelot/whoicd/src/logo"
	"github.com/camelot/whoicd/src/searchquery"
	"github.com/camelot/whoicd/src/stdoutwriter"
	"github.com/camelot/whoicd/src/telemetry"
	"github.com/camelot/whoicd/src/token"
)

const usage = `icd queries the WHO ICD-10 and ICD-11 API and serves it as a REST gateway`

const clientName = "whoicd"

type setup struct {
	cfg    configuration.Configuration
	log    logging.Helper
	tokens *token.Provider
	icd10  *icd10.Client
	icd11  *icd11.Client
}

func main() {
	var (
		file, envFile, clientID, clientSecret, logLevel string
		trackExpiry                                     bool
	)

	configurator := func() (configuration.Configuration, error) {
		if err := configuration.LoadEnv(envFiles(envFile)...); err != nil {
			return configuration.Configuration{}, fmt.Errorf("loading env file: %w", err)
		}

		var cfg configuration.Configuration
		if file != "" {
			var err error
			cfg, err = configuration.Read(file)
			if err != nil {
				return cfg, err
			}
		}
		cfg.ApplyEnv()

		if clientID != "" {
			cfg.Token.ClientID = clientID
		}
		if clientSecret != "" {
			cfg.Token.ClientSecret = clientSecret
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if trackExpiry {
			cfg.Token.TrackExpiry = true
		}
		if cfg.Token.ClientID == "" || cfg.Token.ClientSecret == "" {
			return cfg, fmt.Errorf(
				"please specify client credentials with --client-id and --client-secret or %s and %s",
				configuration.EnvClientID, configuration.EnvClientSecret)
		}
		return cfg, nil
	}

	build := func() (setup, error) {
		cfg, err := configurator()
		if err != nil {
			return setup{}, err
		}
		return newSetup(cfg), nil
	}

	app := &cli.App{
		Name:  "icd",
		Usage: usage,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Load configuration from `FILE`",
				Destination: &file,
			},
			&cli.StringFlag{
				Name:        "env",
				Aliases:     []string{"e"},
				Usage:       "Load environment variables from `FILE`, .env when present otherwise",
				Destination: &envFile,
			},
			&cli.StringFlag{
				Name:        "client-id",
				Usage:       "WHO API client id, overrides the configuration",
				Destination: &clientID,
			},
			&cli.StringFlag{
				Name:        "client-secret",
				Usage:       "WHO API client secret, overrides the configuration",
				Destination: &clientSecret,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Minimum `LEVEL` of the logs: debug, info, warn, error",
				Destination: &logLevel,
			},
			&cli.BoolFlag{
				Name:        "track-expiry",
				Usage:       "Renew the access token before it expires",
				Destination: &trackExpiry,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "token",
				Usage: "Fetches an access token and prints it",
				Action: func(cCtx *cli.Context) error {
					s, err := build()
					if err != nil {
						return err
					}
					tok, err := s.tokens.Token(cCtx.Context, true)
					if err != nil {
						return err
					}
					fmt.Println(tok)
					if exp := s.tokens.ExpiresAt(); !exp.IsZero() {
						pterm.Info.Printfln("expires at %s", exp.Format(time.RFC3339))
					}
					return nil
				},
			},
			{
				Name:  "icd10",
				Usage: "Queries the ICD-10 API",
				Subcommands: []*cli.Command{
					{
						Name:  "releases",
						Usage: "Lists the ICD-10 releases",
						Action: func(cCtx *cli.Context) error {
							return run10(cCtx, build, 0, func(ctx context.Context, c *icd10.Client, _ cli.Args) (map[string]any, error) {
								return c.Releases(ctx)
							})
						},
					},
					{
						Name:      "release",
						Usage:     "Shows the chapters of an ICD-10 release",
						ArgsUsage: "<release>",
						Action: func(cCtx *cli.Context) error {
							return run10(cCtx, build, 1, func(ctx context.Context, c *icd10.Client, a cli.Args) (map[string]any, error) {
								return c.Release(ctx, a.Get(0))
							})
						},
					},
					{
						Name:      "code",
						Usage:     "Shows an ICD-10 category in the latest release",
						ArgsUsage: "<code>",
						Action: func(cCtx *cli.Context) error {
							return run10(cCtx, build, 1, func(ctx context.Context, c *icd10.Client, a cli.Args) (map[string]any, error) {
								return c.Code(ctx, a.Get(0))
							})
						},
					},
					{
						Name:      "code-by-release",
						Usage:     "Shows an ICD-10 category in the given release",
						ArgsUsage: "<release> <code>",
						Action: func(cCtx *cli.Context) error {
							return run10(cCtx, build, 2, func(ctx context.Context, c *icd10.Client, a cli.Args) (map[string]any, error) {
								return c.CodeByRelease(ctx, a.Get(1), a.Get(0))
							})
						},
					},
				},
			},
			{
				Name:  "icd11",
				Usage: "Queries the ICD-11 API",
				Subcommands: []*cli.Command{
					{
						Name:  "foundations",
						Usage: "Shows the root of the foundation",
						Flags: []cli.Flag{releaseIDFlag()},
						Action: func(cCtx *cli.Context) error {
							return run11(cCtx, build, 0, func(ctx context.Context, c *icd11.Client, _ cli.Args) (map[string]any, error) {
								return c.Foundations(ctx, optional(cCtx.String("release-id")))
							})
						},
					},
					{
						Name:      "foundation",
						Usage:     "Shows a foundation entity",
						ArgsUsage: "<id>",
						Flags:     []cli.Flag{releaseIDFlag()},
						Action: func(cCtx *cli.Context) error {
							return run11(cCtx, build, 1, func(ctx context.Context, c *icd11.Client, a cli.Args) (map[string]any, error) {
								return c.Foundation(ctx, a.Get(0), optional(cCtx.String("release-id")))
							})
						},
					},
					{
						Name:      "search-foundation",
						Usage:     "Searches the foundation",
						ArgsUsage: "<text>",
						Flags:     searchFlags(),
						Action: func(cCtx *cli.Context) error {
							return run11(cCtx, build, 1, func(ctx context.Context, c *icd11.Client, a cli.Args) (map[string]any, error) {
								return c.SearchFoundation(ctx, searchQuery(cCtx, a.Get(0)))
							})
						},
					},
					{
						Name:      "linearization",
						Usage:     "Shows the latest release of a linearization",
						ArgsUsage: "<name>",
						Action: func(cCtx *cli.Context) error {
							return run11(cCtx, build, 1, func(ctx context.Context, c *icd11.Client, a cli.Args) (map[string]any, error) {
								return c.Linearization(ctx, a.Get(0))
							})
						},
					},
					{
						Name:      "release-linearization",
						Usage:     "Shows a release of a linearization",
						ArgsUsage: "<release> <name>",
						Action: func(cCtx *cli.Context) error {
							return run11(cCtx, build, 2, func(ctx context.Context, c *icd11.Client, a cli.Args) (map[string]any, error) {
								return c.ReleaseLinearization(ctx, a.Get(0), a.Get(1))
							})
						},
					},
					{
						Name:      "entity",
						Usage:     "Shows a linearization entity in the latest release",
						ArgsUsage: "<name> <id>",
						Flags:     []cli.Flag{residualFlag()},
						Action: func(cCtx *cli.Context) error {
							return run11(cCtx, build, 2, func(ctx context.Context, c *icd11.Client, a cli.Args) (map[string]any, error) {
								if r := cCtx.String("residual"); r != "" {
									return c.LinearizationByIDResidual(ctx, a.Get(0), a.Get(1), r)
								}
								return c.LinearizationByID(ctx, a.Get(0), a.Get(1))
							})
						},
					},
					{
						Name:      "release-entity",
						Usage:     "Shows a linearization entity in the given release",
						ArgsUsage: "<release> <name> <id>",
						Flags:     []cli.Flag{residualFlag()},
						Action: func(cCtx *cli.Context) error {
							return run11(cCtx, build, 3, func(ctx context.Context, c *icd11.Client, a cli.Args) (map[string]any, error) {
								if r := cCtx.String("residual"); r != "" {
									return c.ReleaseLinearizationByIDResidual(ctx, a.Get(0), a.Get(1), a.Get(2), r)
								}
								return c.ReleaseLinearizationByID(ctx, a.Get(0), a.Get(1), a.Get(2))
							})
						},
					},
					{
						Name:      "codeinfo",
						Usage:     "Looks up a code or a postcoordinated code combination, & and / URL encoded",
						ArgsUsage: "<release> <name> <code>",
						Action: func(cCtx *cli.Context) error {
							return run11(cCtx, build, 3, func(ctx context.Context, c *icd11.Client, a cli.Args) (map[string]any, error) {
								return c.ReleaseLinearizationByCode(ctx, a.Get(0), a.Get(1), a.Get(2))
							})
						},
					},
					{
						Name:      "lookup",
						Usage:     "Maps a foundation entity to the linearization",
						ArgsUsage: "<release> <name>",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "foundation-uri", Usage: "`URI` of the foundation entity"},
						},
						Action: func(cCtx *cli.Context) error {
							return run11(cCtx, build, 2, func(ctx context.Context, c *icd11.Client, a cli.Args) (map[string]any, error) {
								return c.ReleaseLinearizationLookup(ctx, a.Get(0), a.Get(1), optional(cCtx.String("foundation-uri")))
							})
						},
					},
					{
						Name:      "search",
						Usage:     "Searches a release of a linearization",
						ArgsUsage: "<release> <name> <text>",
						Flags:     searchFlags(),
						Action: func(cCtx *cli.Context) error {
							return run11(cCtx, build, 3, func(ctx context.Context, c *icd11.Client, a cli.Args) (map[string]any, error) {
								return c.SearchReleaseLinearization(ctx, a.Get(0), a.Get(1), searchQuery(cCtx, a.Get(2)))
							})
						},
					},
				},
			},
			{
				Name:  "serve",
				Usage: "Runs the REST gateway and the telemetry server",
				Action: func(_ *cli.Context) error {
					s, err := build()
					if err != nil {
						return err
					}
					logo.Display()
					serve(s)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func newSetup(cfg configuration.Configuration) setup {
	callbackOnErr := func(err error) {
		fmt.Println("error with logger: ", err)
	}

	callbackOnFatal := func(err error) {
		panic(fmt.Sprintf("error with logger: %s", err))
	}

	log := logging.New(callbackOnErr, callbackOnFatal, stdoutwriter.Logger{}).WithLevel(cfg.Level())

	client := httpclient.NewClient(clientName)
	tokens := token.New(cfg.Token, client, log)

	return setup{
		cfg:    cfg,
		log:    log,
		tokens: tokens,
		icd10:  icd10.New(cfg.Icd10, client, tokens, log),
		icd11:  icd11.New(cfg.Icd11, client, tokens, log),
	}
}

func run10(
	cCtx *cli.Context, build func() (setup, error), args int,
	call func(ctx context.Context, c *icd10.Client, a cli.Args) (map[string]any, error),
) error {
	if err := expectArgs(cCtx, args); err != nil {
		return err
	}
	s, err := build()
	if err != nil {
		return err
	}
	return output(call(cCtx.Context, s.icd10, cCtx.Args()))
}

func run11(
	cCtx *cli.Context, build func() (setup, error), args int,
	call func(ctx context.Context, c *icd11.Client, a cli.Args) (map[string]any, error),
) error {
	if err := expectArgs(cCtx, args); err != nil {
		return err
	}
	s, err := build()
	if err != nil {
		return err
	}
	return output(call(cCtx.Context, s.icd11, cCtx.Args()))
}

func expectArgs(cCtx *cli.Context, n int) error {
	if cCtx.NArg() != n {
		return fmt.Errorf("%s expects %d argument(s): %s", cCtx.Command.FullName(), n, cCtx.Command.ArgsUsage)
	}
	return nil
}

func output(doc map[string]any, err error) error {
	if err != nil {
		return err
	}
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(buf))
	return nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func releaseIDFlag() cli.Flag {
	return &cli.StringFlag{Name: "release-id", Usage: "Restrict the foundation to the `RELEASE`"}
}

func residualFlag() cli.Flag {
	return &cli.StringFlag{Name: "residual", Usage: "Residual category, `other` or `unspecified`"}
}

func searchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "subtrees-filter", Usage: "Comma separated entity `URIS` limiting the search"},
		&cli.StringFlag{Name: "chapter-filter", Usage: "Semicolon separated `CHAPTERS` limiting the search"},
		&cli.BoolFlag{Name: "flexisearch", Usage: "Use flexible search"},
		&cli.BoolFlag{Name: "flat-results", Value: true, Usage: "Return a flat result list"},
		&cli.StringFlag{Name: "properties", Usage: "Comma separated `PROPERTIES` to search"},
		&cli.StringFlag{Name: "release-id", Usage: "Search the given `RELEASE`"},
		&cli.BoolFlag{Name: "highlighting", Usage: "Highlight the matches"},
	}
}

func searchQuery(cCtx *cli.Context, text string) *searchquery.Query {
	q := searchquery.New(text).
		SetUseFlexisearch(cCtx.Bool("flexisearch")).
		SetFlatResults(cCtx.Bool("flat-results")).
		SetHighlightingEnabled(cCtx.Bool("highlighting"))
	if v := cCtx.String("subtrees-filter"); v != "" {
		q.SetSubtreesFilter(v)
	}
	if v := cCtx.String("chapter-filter"); v != "" {
		q.SetChapterFilter(v)
	}
	if v := cCtx.String("properties"); v != "" {
		q.SetPropertiesToBeSearched(v)
	}
	if v := cCtx.String("release-id"); v != "" {
		q.SetReleaseID(v)
	}
	return q
}

func serve(s setup) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		<-c
		cancel()
	}()

	m := telemetry.New()
	s.tokens.Observe(m)
	if err := telemetry.Run(ctx, cancel, s.cfg.Telemetry, m, s.log); err != nil {
		s.log.Error(err.Error())
		return
	}

	s.log.Info("starting the gateway")
	if err := icdapi.Run(ctx, s.cfg.Gateway, s.log, s.icd10, s.icd11, m); err != nil {
		s.log.Error(err.Error())
	}
	time.Sleep(time.Second)
}

func envFiles(file string) []string {
	if file == "" {
		return nil
	}
	return []string{file}
}
