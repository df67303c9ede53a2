package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"github.com/walletnames/go-namecache/address"
	"github.com/walletnames/go-namecache/coalesce"
	"github.com/walletnames/go-namecache/namecache"
	"github.com/walletnames/go-namecache/nameserver"
	"github.com/walletnames/go-namecache/store"
	"golang.org/x/time/rate"
)

var log = logging.Logger("namecache/cmd")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := &cli.App{
		Name:  "namecache",
		Usage: "Look up and set wallet display names through a local cache",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "Base URL of the name store",
				EnvVars: []string{"NAMECACHE_URL"},
			},
			&cli.StringFlag{
				Name:    "datadir",
				Usage:   "Directory of the on-disk cache. If empty, the cache is kept in memory",
				EnvVars: []string{"NAMECACHE_DATADIR"},
			},
			&cli.DurationFlag{
				Name:    "ttl",
				Usage:   "Time after which cached names are refreshed",
				EnvVars: []string{"NAMECACHE_TTL"},
				Value:   5 * time.Minute,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "Time limit for each request to the name store",
				EnvVars: []string{"NAMECACHE_TIMEOUT"},
				Value:   10 * time.Second,
			},
			&cli.Float64Flag{
				Name:    "rate",
				Usage:   "Maximum requests per second sent to the name store",
				EnvVars: []string{"NAMECACHE_RATE"},
				Value:   10,
			},
			&cli.StringFlag{
				Name:    "normalize",
				Usage:   "Address normalization: identity, lowercase, base58, or checksum",
				EnvVars: []string{"NAMECACHE_NORMALIZE"},
				Value:   "identity",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: debug, info, warn, or error",
				EnvVars: []string{"NAMECACHE_LOG_LEVEL"},
				Value:   "warn",
			},
		},
		Before: func(cctx *cli.Context) error {
			return logging.SetLogLevel("*", cctx.String("log-level"))
		},
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Print the display names of addresses",
				ArgsUsage: "ADDRESS...",
				Action:    getAction,
			},
			{
				Name:      "set",
				Usage:     "Set the display name of an address",
				ArgsUsage: "ADDRESS NAME",
				Action:    setAction,
			},
			{
				Name:  "refresh",
				Usage: "Refresh all cached names from the name store",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Refresh even if names are fresh or a previous refresh failed",
					},
				},
				Action: refreshAction,
			},
			{
				Name:   "list",
				Usage:  "Print all cached names",
				Action: listAction,
			},
			{
				Name:   "reset",
				Usage:  "Discard all cached names",
				Action: resetAction,
			},
			{
				Name:  "serve",
				Usage: "Run a name store for local development",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "listen",
						Usage:   "HTTP listen address",
						EnvVars: []string{"NAMESERVER_LISTEN"},
						Value:   "localhost:8080",
					},
					&cli.StringFlag{
						Name:    "store-dir",
						Usage:   "Directory where names are stored. If empty, names are kept in memory",
						EnvVars: []string{"NAMESERVER_STORE_DIR"},
					},
					&cli.StringFlag{
						Name:    "token",
						Usage:   "Bearer token required to set names",
						EnvVars: []string{"NAMESERVER_TOKEN"},
					},
					&cli.Float64Flag{
						Name:  "rate",
						Usage: "Maximum requests per second served. 0 is unlimited",
					},
				},
				Action: serveAction,
			},
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getAction(cctx *cli.Context) error {
	if cctx.NArg() == 0 {
		return errors.New("missing address")
	}
	c, err := openCache(cctx)
	if err != nil {
		return err
	}
	defer closeCache(c)

	// Request all names before waiting so they are fetched in one batch.
	futures := make([]*coalesce.Future, cctx.NArg())
	for i, addr := range cctx.Args().Slice() {
		futures[i] = c.GetAsync(addr)
	}

	var errs error
	for i, addr := range cctx.Args().Slice() {
		name, found, err := futures[i].Wait(cctx.Context)
		switch {
		case err != nil:
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", addr, err))
		case !found:
			fmt.Printf("%s\t%s (no name)\n", addr, address.Shorten(addr))
		default:
			fmt.Printf("%s\t%s\n", addr, name)
		}
	}
	return errs
}

func setAction(cctx *cli.Context) error {
	if cctx.NArg() != 2 {
		return errors.New("set requires an address and a name")
	}
	c, err := openCache(cctx)
	if err != nil {
		return err
	}
	defer closeCache(c)

	return c.Set(cctx.Context, cctx.Args().Get(0), cctx.Args().Get(1))
}

func refreshAction(cctx *cli.Context) error {
	c, err := openCache(cctx)
	if err != nil {
		return err
	}
	defer closeCache(c)

	if err = c.Refresh(cctx.Context, cctx.Bool("force")); err != nil {
		return err
	}
	fmt.Println("Cached names:", c.Len(), "state:", c.State())
	return nil
}

func listAction(cctx *cli.Context) error {
	c, err := openCache(cctx)
	if err != nil {
		return err
	}
	defer closeCache(c)

	for _, rec := range c.List() {
		fmt.Printf("%s\t%s\n", rec.Address, rec.Name)
	}
	return nil
}

func resetAction(cctx *cli.Context) error {
	c, err := openCache(cctx)
	if err != nil {
		return err
	}
	defer closeCache(c)

	c.Reset(cctx.Context)
	return nil
}

func serveAction(cctx *cli.Context) error {
	normalize, err := normalizer(cctx.String("normalize"))
	if err != nil {
		return err
	}
	opts := []nameserver.Option{
		nameserver.WithNormalizer(normalize),
		nameserver.WithToken(cctx.String("token")),
	}
	if r := cctx.Float64("rate"); r > 0 {
		opts = append(opts, nameserver.WithRateLimit(rate.Limit(r), int(r)+1))
	}
	if dir := cctx.String("store-dir"); dir != "" {
		backend, err := store.OpenLevelDB(dir)
		if err != nil {
			return fmt.Errorf("cannot open store in %s: %w", dir, err)
		}
		opts = append(opts, nameserver.WithStore(store.New(backend)))
	}

	ns, err := nameserver.New(opts...)
	if err != nil {
		return err
	}
	defer ns.Close()

	srv := &http.Server{
		Addr:              cctx.String("listen"),
		Handler:           ns,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Infow("Name store listening", "addr", srv.Addr, "names", ns.Len())

	select {
	case err = <-errCh:
		return err
	case <-cctx.Context.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openCache(cctx *cli.Context) (*namecache.Cache, error) {
	if cctx.String("url") == "" {
		return nil, errors.New("missing name store url")
	}
	normalize, err := normalizer(cctx.String("normalize"))
	if err != nil {
		return nil, err
	}

	gw, err := namecache.NewHTTPGateway(cctx.String("url"),
		namecache.WithRateLimit(rate.Limit(cctx.Float64("rate")), 1))
	if err != nil {
		return nil, err
	}

	var backend store.Backend
	if dir := cctx.String("datadir"); dir != "" {
		backend, err = store.OpenLevelDB(dir)
		if err != nil {
			return nil, fmt.Errorf("cannot open cache in %s: %w", dir, err)
		}
	} else {
		backend = store.NewMemoryBackend()
	}

	c, err := namecache.New(gw,
		namecache.WithStore(store.New(backend)),
		namecache.WithTTL(cctx.Duration("ttl")),
		namecache.WithRemoteTimeout(cctx.Duration("timeout")),
		namecache.WithNormalizer(normalize))
	if err != nil {
		backend.Close()
		return nil, err
	}
	return c, nil
}

func closeCache(c *namecache.Cache) {
	if err := c.Close(); err != nil {
		log.Errorw("Error closing cache", "err", err)
	}
}

func normalizer(name string) (address.Normalizer, error) {
	switch name {
	case "", "identity":
		return address.Identity, nil
	case "lowercase":
		return address.Lowercase, nil
	case "base58":
		return address.Base58, nil
	case "checksum":
		return address.Checksum, nil
	}
	return nil, fmt.Errorf("unknown normalization %q", name)
}
