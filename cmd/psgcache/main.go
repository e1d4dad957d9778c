package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/psgcache/pkg/blobprop"
	"github.com/jacktea/psgcache/pkg/metrics"
	"github.com/jacktea/psgcache/pkg/server/httpapi"
	"github.com/jacktea/psgcache/pkg/server/middleware"
	"github.com/jacktea/psgcache/pkg/stats"
	"github.com/jacktea/psgcache/pkg/xerrors"
)

// skipCache marks commands that run without an opened cache.
const skipCache = "skip-cache"

type app struct {
	ctx      context.Context
	cache    *blobprop.Cache
	logger   *log.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	cleanup  func()
}

func (a *app) ensureLogger() {
	if a.logger != nil {
		return
	}
	out := io.Writer(os.Stderr)
	if viper.GetBool("quiet") {
		out = io.Discard
	}
	a.logger = log.New(out, "psgcache: ", log.LstdFlags)
}

func (a *app) ensureCache() error {
	if a.cache != nil {
		return nil
	}
	a.ensureLogger()
	sats := viper.GetIntSlice("sat")
	if err := requireSatellites(sats); err != nil {
		return err
	}
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	c := blobprop.NewCache(blobprop.Config{
		Path:    viper.GetString("db"),
		Timeout: viper.GetDuration("timeout"),
		Logger:  a.logger.Printf,
		Metrics: a.metrics,
	})
	if err := c.Open(sats); err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	a.cache = c
	a.cleanup = func() { _ = c.Close() }
	return nil
}

func requireSatellites(sats []int) error {
	if len(sats) == 0 {
		return xerrors.E(xerrors.KindInvalid, "psgcache", "at least one --sat is required")
	}
	return nil
}

func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}

var (
	cfgFile     string
	application = &app{ctx: context.Background()}
	rootCmd     = &cobra.Command{
		Use:           "psgcache",
		Short:         "Read-only blob property cache for PubSeq Gateway satellites",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipCache] != "" {
				application.ensureLogger()
				return nil
			}
			return application.ensureCache()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		application.close()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindInvalid:
		return 2
	case xerrors.KindNotFound:
		return 3
	default:
		return 1
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("psgcache")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "psgcache"))
		}
	}
	viper.SetEnvPrefix("PSGCACHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("db", "blob_prop.db", "path to the pre-built blob property store")
	rootCmd.PersistentFlags().IntSlice("sat", nil, "satellite ids to open (repeatable or comma separated)")
	rootCmd.PersistentFlags().Duration("timeout", time.Second, "time to wait for the store file lock")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress diagnostic logging")

	bindConfig("db", rootCmd.PersistentFlags().Lookup("db"))
	bindConfig("sat", rootCmd.PersistentFlags().Lookup("sat"))
	bindConfig("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	bindConfig("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
}

func initCommands() {
	rootCmd.AddCommand(
		newFetchCmd(),
		newSatellitesCmd(),
		newServeHTTPCmd(),
		newBuildCmd(),
	)
}

func newFetchCmd() *cobra.Command {
	var (
		mode         string
		lastModified int64
	)
	cmd := &cobra.Command{
		Use:   "fetch <sat.sat_key>",
		Short: "Print the blob property records for a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildFetchRequest(args[0], mode, lastModified, cmd.Flags().Changed("last-modified"))
			if err != nil {
				return err
			}
			return doFetch(cmd.OutOrStdout(), application.cache, req)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "all", "all|latest|at_or_before|exact")
	cmd.Flags().Int64Var(&lastModified, "last-modified", 0, "version stamp for at_or_before and exact")
	return cmd
}

func newSatellitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "satellites",
		Short: "List opened satellites and their record counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doSatellites(cmd.OutOrStdout(), application.cache)
		},
	}
}

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "build <manifest>",
		Short:       "Build a blob property store from a YAML or JSON manifest",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipCache: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return doBuild(args[0], viper.GetString("db"), blobprop.BuildOptions{
				Compress:  viper.GetBool("build.compress"),
				Overwrite: viper.GetBool("build.overwrite"),
			}, application.logger)
		},
	}
	cmd.Flags().Bool("compress", false, "zstd-compress stored values")
	cmd.Flags().Bool("overwrite", false, "replace an existing store")
	bindConfig("build.compress", cmd.Flags().Lookup("compress"))
	bindConfig("build.overwrite", cmd.Flags().Lookup("overwrite"))
	return cmd
}

func newServeHTTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Serve blob property lookups over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := httpServeOptions{
				Addr:           viper.GetString("serve_http.addr"),
				APIKey:         viper.GetString("serve_http.api_key"),
				RateLimit:      viper.GetInt("serve_http.rate_limit"),
				RateWindow:     viper.GetDuration("serve_http.rate_window"),
				PerClient:      viper.GetBool("serve_http.per_client"),
				FrontCacheSize: viper.GetInt("serve_http.front_cache_size"),
				FrontCacheTTL:  viper.GetDuration("serve_http.front_cache_ttl"),
				AccessLog:      viper.GetBool("serve_http.access_log"),
				StatsInterval:  viper.GetDuration("serve_http.stats_interval"),
			}
			ctx, stop := signal.NotifyContext(application.ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServeHTTP(ctx, application, opts)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Bool("per-client", false, "apply the rate limit per remote address")
	cmd.Flags().Int("front-cache-size", 4096, "fetch results kept in memory (0 disables)")
	cmd.Flags().Duration("front-cache-ttl", 10*time.Minute, "time to keep in-memory fetch results")
	cmd.Flags().Bool("access-log", false, "log every request")
	cmd.Flags().Duration("stats-interval", 5*time.Minute, "interval between record count reports (0 disables)")
	bindConfig("serve_http.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_http.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_http.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_http.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve_http.per_client", cmd.Flags().Lookup("per-client"))
	bindConfig("serve_http.front_cache_size", cmd.Flags().Lookup("front-cache-size"))
	bindConfig("serve_http.front_cache_ttl", cmd.Flags().Lookup("front-cache-ttl"))
	bindConfig("serve_http.access_log", cmd.Flags().Lookup("access-log"))
	bindConfig("serve_http.stats_interval", cmd.Flags().Lookup("stats-interval"))
	return cmd
}

type httpServeOptions struct {
	Addr           string
	APIKey         string
	RateLimit      int
	RateWindow     time.Duration
	PerClient      bool
	FrontCacheSize int
	FrontCacheTTL  time.Duration
	AccessLog      bool
	StatsInterval  time.Duration
}

func runServeHTTP(ctx context.Context, a *app, opt httpServeOptions) error {
	httpOpts := httpapi.Options{
		APIKey:         opt.APIKey,
		FrontCacheSize: opt.FrontCacheSize,
		FrontCacheTTL:  opt.FrontCacheTTL,
		AccessLog:      opt.AccessLog,
	}
	if opt.RateLimit > 0 {
		httpOpts.RateLimit = middleware.RateLimitOptions{
			Requests:  opt.RateLimit,
			Window:    opt.RateWindow,
			PerClient: opt.PerClient,
		}
	}
	server := &httpapi.Server{
		Cache:    a.cache,
		Log:      a.logger,
		Opts:     httpOpts,
		Metrics:  a.metrics,
		Gatherer: a.registry,
	}
	if opt.StatsInterval > 0 {
		reporter := stats.NewReporter(stats.Options{
			Source:  a.cache,
			Metrics: a.metrics,
			Logger:  a.logger.Printf,
		})
		stop := reporter.Start(ctx, opt.StatsInterval)
		defer stop()
	}
	a.logger.Printf("serving blob properties on %s (satellites %v)", opt.Addr, a.cache.Satellites())
	if err := server.Start(ctx, opt.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildFetchRequest(id, modeStr string, lastModified int64, haveLastModified bool) (blobprop.FetchRequest, error) {
	blobID, err := blobprop.ParseBlobID(id)
	if err != nil {
		return blobprop.FetchRequest{}, err
	}
	mode, err := blobprop.ParseMode(modeStr)
	if err != nil {
		return blobprop.FetchRequest{}, err
	}
	switch mode {
	case blobprop.ModeAtOrBefore:
		if !haveLastModified {
			return blobprop.FetchRequest{}, xerrors.E(xerrors.KindInvalid, "fetch", "--last-modified is required for at_or_before")
		}
		return blobprop.RequestAtOrBefore(blobID, lastModified), nil
	case blobprop.ModeExact:
		if !haveLastModified {
			return blobprop.FetchRequest{}, xerrors.E(xerrors.KindInvalid, "fetch", "--last-modified is required for exact")
		}
		return blobprop.RequestExact(blobID, lastModified), nil
	case blobprop.ModeLatest:
		return blobprop.RequestLatest(blobID), nil
	default:
		return blobprop.RequestAll(blobID), nil
	}
}

type fetcher interface {
	Fetch(req blobprop.FetchRequest) []blobprop.BlobRecord
}

func doFetch(w io.Writer, c fetcher, req blobprop.FetchRequest) error {
	records := c.Fetch(req)
	if len(records) == 0 {
		fmt.Fprintf(w, "no records for %s (mode %s)\n", req.BlobID(), req.Mode)
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func doSatellites(w io.Writer, c *blobprop.Cache) error {
	for _, sat := range c.Satellites() {
		n, _, err := c.KeyCount(sat)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%d\n", sat, n)
	}
	return nil
}

func doBuild(manifestPath, dbPath string, opts blobprop.BuildOptions, logger *log.Logger) error {
	f, err := os.Open(manifestPath)
	if err != nil {
		return xerrors.Wrap(xerrors.KindNotFound, "build", manifestPath, err)
	}
	defer f.Close()
	sats, err := blobprop.LoadManifest(f)
	if err != nil {
		return err
	}
	if err := blobprop.Build(dbPath, sats, opts); err != nil {
		return err
	}
	total := 0
	for _, records := range sats {
		total += len(records)
	}
	if logger != nil {
		logger.Printf("built %s: %d satellites, %d records", dbPath, len(sats), total)
	}
	return nil
}
