package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"imgserver/internal/config"
	"imgserver/internal/fsutil"
	"imgserver/internal/gallery"
	"imgserver/internal/logging"
	"imgserver/internal/metrics"
	"imgserver/internal/storage"
	"imgserver/internal/variant"
)

const (
	imagesPrefix = "/.be/images/"
	listPath     = "/.be/api/list-files"
	metricsPath  = "/.be/metrics"
)

type Options struct {
	Config config.Config
	Logger *zap.Logger
}

type Server struct {
	cfg    config.Config
	logger *zap.Logger

	variants *gallery.VariantService
	listings *gallery.ListingService
}

// New wires the services for cfg. cfg must already be validated.
func New(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	if _, err := storage.LookupEncoding(cfg.DefaultEncoding); err != nil {
		return nil, err
	}

	resolver := fsutil.NewResolver(cfg.Root, logger)
	local := storage.NewLocal(cfg.Root, cfg.FollowSymlinks)
	archives := storage.NewArchives(cfg.Root, cfg.FollowSymlinks)

	return &Server{
		cfg:    cfg,
		logger: logger,
		variants: gallery.NewVariantService(resolver, local, archives,
			variant.NewTransformer(variant.TransformOptions{
				AutoOrient:   cfg.AutoOrient,
				KeepMetadata: cfg.KeepMetadata,
			}),
			gallery.VariantOptions{
				DefaultEncoding:         cfg.DefaultEncoding,
				MaxConcurrentTransforms: cfg.MaxConcurrentTransforms,
			}, logger.Named("variant")),
		listings: gallery.NewListingService(resolver, local, archives,
			gallery.ListingOptions{
				DefaultEncoding:   cfg.DefaultEncoding,
				ImageExtensions:   cfg.ImageExtensions,
				ArchiveExtensions: cfg.ArchiveExtensions,
			}, logger.Named("listing")),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	mux.HandleFunc(listPath, s.handleList)
	if s.cfg.MetricsAddr == "" {
		mux.Handle(metricsPath, metrics.Handler())
	}
	if s.cfg.WebDAV {
		mux.Handle("/dav/", s.davHandler())
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, &gallery.Error{Kind: gallery.KindNotFound, Message: "File not found"})
	})

	// Image paths are matched before the mux so that it cannot clean or
	// redirect paths that must be rejected.
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, imagesPrefix) {
			s.handleImage(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	var h http.Handler = root
	h = s.withRateLimit(h)
	h = withCORS(s.cfg.CORSOrigins, h)
	h = withHeaders(h)
	h = logging.Middleware(s.logger, s.cfg.AccessLog)(h)
	return metrics.Middleware(h)
}

// --- handlers ---

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSONStatus(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
		return
	}
	q := r.URL.Query()
	res, err := s.variants.Serve(r.Context(), gallery.VariantRequest{
		Path:        strings.TrimPrefix(r.URL.Path, imagesPrefix),
		Archive:     q.Get("archive"),
		Encoding:    q.Get("encoding"),
		Query:       q,
		IfNoneMatch: r.Header.Get("If-None-Match"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("ETag", res.ETag)
	h.Set("Cache-Control", s.imageCacheControl())
	if res.Status == http.StatusNotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if res.ContentType != "" {
		h.Set("Content-Type", res.ContentType)
	}
	h.Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(res.Body)
}

func (s *Server) imageCacheControl() string {
	if s.cfg.CacheMaxAge <= 0 {
		return "no-cache"
	}
	return "public, max-age=" + strconv.Itoa(s.cfg.CacheMaxAge)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSONStatus(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
		return
	}
	q := r.URL.Query()
	listing, err := s.listings.List(r.Context(), gallery.ListRequest{
		Path:     q.Get("path"),
		Archive:  q.Get("archive"),
		Sort:     q.Get("sort"),
		Encoding: q.Get("encoding"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, listing)
}

// --- helpers ---

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status int
		msg    string
	)
	var gerr *gallery.Error
	switch {
	case !errors.As(err, &gerr):
		status, msg = http.StatusInternalServerError, "Internal server error"
		logging.FromContext(r.Context(), s.logger).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	case gerr.Kind == gallery.KindNotFound:
		status, msg = http.StatusNotFound, "File not found"
	case gerr.Kind == gallery.KindBadRequest:
		status, msg = http.StatusBadRequest, gerr.Message
	default:
		// Already logged by the service with its context.
		status, msg = http.StatusInternalServerError, "Internal server error"
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSONStatus(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
