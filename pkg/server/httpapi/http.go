package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jacktea/psgcache/pkg/blobprop"
	"github.com/jacktea/psgcache/pkg/cache"
	"github.com/jacktea/psgcache/pkg/metrics"
	"github.com/jacktea/psgcache/pkg/server/middleware"
	"github.com/jacktea/psgcache/pkg/xerrors"
)

// Fetcher is the read side of blobprop.Cache.
type Fetcher interface {
	Lookup(req blobprop.FetchRequest) ([]blobprop.BlobRecord, error)
	Satellites() []int
}

const shutdownTimeout = 5 * time.Second

// Server exposes a Fetcher over a small HTTP+JSON API.
type Server struct {
	Cache    Fetcher
	Log      *log.Logger
	Opts     Options
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	front *cache.Cache[blobprop.FetchRequest, []blobprop.BlobRecord]
}

// Options configure auth, rate limiting and the in-memory result cache.
type Options struct {
	APIKey         string
	RateLimit      middleware.RateLimitOptions
	FrontCacheSize int
	FrontCacheTTL  time.Duration
	AccessLog      bool
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve handles requests on ln until ctx is canceled. It returns only after
// every handler has finished, so the caller may close the Fetcher right after.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var inflight sync.WaitGroup
	router := s.router()
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			inflight.Add(1)
			defer inflight.Done()
			router.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			s.logger().Printf("httpapi: shutdown: %v", err)
		}
		inflight.Wait()
	}()
	defer s.closeFront()
	err := srv.Serve(ln)
	cancel()
	<-drained
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) router() http.Handler {
	if s.Opts.FrontCacheSize > 0 && s.front == nil {
		s.front = cache.New[blobprop.FetchRequest, []blobprop.BlobRecord](s.Opts.FrontCacheSize, s.Opts.FrontCacheTTL)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/satellites", s.handleSatellites)
	mux.HandleFunc("/blob_prop/", s.handleBlobProp)
	return s.applyMiddleware(mux)
}

func (s *Server) closeFront() {
	if s.front != nil {
		s.front.Close()
	}
}

func (s *Server) handleSatellites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sats := s.Cache.Satellites()
	if sats == nil {
		sats = []int{}
	}
	writeJSON(w, struct {
		Satellites []int `json:"satellites"`
	}{Satellites: sats})
}

type blobPropResponse struct {
	BlobID  string                `json:"blob_id"`
	Mode    string                `json:"mode"`
	Records []blobprop.BlobRecord `json:"records"`
}

func (s *Server) handleBlobProp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, err := parseFetchRequest(r)
	if err != nil {
		httpError(w, err)
		return
	}
	records, err := s.fetch(req)
	if err != nil {
		httpError(w, err)
		return
	}
	if records == nil {
		records = []blobprop.BlobRecord{}
	}
	writeJSON(w, blobPropResponse{
		BlobID:  req.BlobID().String(),
		Mode:    req.Mode.String(),
		Records: records,
	})
}

// fetch goes through the front cache when one is configured. Failed lookups
// are not cached.
func (s *Server) fetch(req blobprop.FetchRequest) ([]blobprop.BlobRecord, error) {
	if s.front == nil {
		return s.Cache.Lookup(req)
	}
	records, hit, err := s.front.GetOrLoad(req, func() ([]blobprop.BlobRecord, error) {
		return s.Cache.Lookup(req)
	})
	s.Metrics.RecordFrontCache(hit)
	return records, err
}

func parseFetchRequest(r *http.Request) (blobprop.FetchRequest, error) {
	const op = "httpapi.parse"
	id, err := blobprop.ParseBlobID(strings.TrimPrefix(r.URL.Path, "/blob_prop/"))
	if err != nil {
		return blobprop.FetchRequest{}, err
	}
	q := r.URL.Query()
	mode, err := blobprop.ParseMode(q.Get("mode"))
	if err != nil {
		return blobprop.FetchRequest{}, err
	}
	req := blobprop.FetchRequest{Sat: id.Sat, SatKey: id.SatKey, Mode: mode}
	raw := q.Get("last_modified")
	switch mode {
	case blobprop.ModeAtOrBefore, blobprop.ModeExact:
		if raw == "" {
			return blobprop.FetchRequest{}, xerrors.E(xerrors.KindInvalid, op, "last_modified is required for mode "+mode.String())
		}
		req.LastModified, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return blobprop.FetchRequest{}, xerrors.Wrap(xerrors.KindInvalid, op, "last_modified", err)
		}
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindInvalid:
		status = http.StatusBadRequest
	case xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindClosed:
		status = http.StatusServiceUnavailable
	case xerrors.KindNotSupported:
		status = http.StatusNotImplemented
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	var accessLog middleware.HTTPMiddleware
	if s.Opts.AccessLog {
		accessLog = middleware.AccessLog(s.logger())
	}
	return middleware.Wrap(handler,
		accessLog,
		middleware.Recover(s.logger()),
		middleware.APIKeyAuth(s.Opts.APIKey, "/healthz"),
		middleware.RateLimit(s.Opts.RateLimit),
	)
}

func (s *Server) logger() *log.Logger {
	if s.Log != nil {
		return s.Log
	}
	return log.Default()
}
