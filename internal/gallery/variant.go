package gallery

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/encoding"

	"imgserver/internal/fsutil"
	"imgserver/internal/logging"
	"imgserver/internal/metrics"
	"imgserver/internal/storage"
	"imgserver/internal/variant"
)

// VariantRequest is one request for an image variant. Path and Archive are
// percent-decoded logical paths; Archive is empty for plain files.
type VariantRequest struct {
	Path        string
	Archive     string
	Encoding    string
	Query       url.Values
	IfNoneMatch string
}

// VariantResult is a successful response. Status is http.StatusOK or
// http.StatusNotModified; Body is empty for the latter.
type VariantResult struct {
	Status      int
	Body        []byte
	ContentType string
	ETag        string
}

// VariantOptions tunes a VariantService.
type VariantOptions struct {
	DefaultEncoding         string
	MaxConcurrentTransforms int
}

// VariantService resolves, validates, transforms and tags image variants.
type VariantService struct {
	resolver    *fsutil.Resolver
	local       *storage.Local
	archives    *storage.Archives
	transformer *variant.Transformer
	defaultEnc  string
	sem         *semaphore.Weighted
	group       singleflight.Group
	logger      *zap.Logger
}

func NewVariantService(resolver *fsutil.Resolver, local *storage.Local, archives *storage.Archives,
	transformer *variant.Transformer, opts VariantOptions, logger *zap.Logger) *VariantService {
	n := opts.MaxConcurrentTransforms
	if n < 1 {
		n = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VariantService{
		resolver:    resolver,
		local:       local,
		archives:    archives,
		transformer: transformer,
		defaultEnc:  opts.DefaultEncoding,
		sem:         semaphore.NewWeighted(int64(n)),
		logger:      logger,
	}
}

// source is a located image whose bytes have not been read yet.
type source struct {
	id   variant.Identity
	read func() ([]byte, error)
	done func()
	// flightKey names the bytes so concurrent identical requests can share
	// one transform.
	flightKey string
}

// Serve handles a variant request. Errors are always *Error.
func (s *VariantService) Serve(ctx context.Context, req VariantRequest) (res VariantResult, err error) {
	log := logging.FromContext(ctx, s.logger)
	defer func() {
		metrics.RecordVariantResult(outcome(res, err))
	}()

	resolved, err := s.resolver.Resolve(req.Path)
	if err != nil {
		return VariantResult{}, notFoundError(err)
	}
	var selector fsutil.Resolved
	if req.Archive != "" {
		if selector, err = s.resolver.Resolve(req.Archive); err != nil {
			return VariantResult{}, notFoundError(err)
		}
	}

	params, err := variant.ParseParams(req.Query)
	if err != nil {
		var verr *variant.ValidationError
		if errors.As(err, &verr) {
			log.Debug("rejected variant parameters", zap.String("query", req.Query.Encode()), zap.Error(err))
			return VariantResult{}, badRequest(verr.Message)
		}
		return VariantResult{}, internalError(err)
	}
	encName, enc, gerr := s.encoding(req.Encoding)
	if gerr != nil {
		return VariantResult{}, gerr
	}

	var src source
	if req.Archive != "" {
		src, err = s.locateEntry(ctx, resolved, selector, encName, enc)
	} else {
		src, err = s.locateFile(ctx, resolved)
	}
	if err != nil {
		gerr := classify(err)
		if gerr.Kind == KindInternal {
			log.Error("locating source failed", zap.String("path", req.Path), zap.Error(err))
		}
		return VariantResult{}, gerr
	}
	defer src.done()

	etag := variant.ETag(src.id, params)
	if req.IfNoneMatch != "" && req.IfNoneMatch == etag {
		return VariantResult{Status: http.StatusNotModified, ETag: etag}, nil
	}

	out, err := s.transform(ctx, src, params, etag)
	if err != nil {
		if errors.Is(err, variant.ErrUndecodable) || storage.IsNotFound(err) {
			log.Debug("source not renderable", zap.String("path", req.Path), zap.Error(err))
			return VariantResult{}, notFoundError(err)
		}
		if ctx.Err() == nil {
			log.Error("transform failed", zap.String("path", req.Path), zap.Error(err))
		}
		return VariantResult{}, internalError(err)
	}
	return VariantResult{
		Status:      http.StatusOK,
		Body:        out.Data,
		ContentType: out.ContentType,
		ETag:        etag,
	}, nil
}

func (s *VariantService) encoding(name string) (string, encoding.Encoding, *Error) {
	if name == "" {
		name = s.defaultEnc
	}
	enc, err := storage.LookupEncoding(name)
	if err != nil {
		return "", nil, invalidEncoding(name)
	}
	return name, enc, nil
}

func (s *VariantService) locateFile(ctx context.Context, r fsutil.Resolved) (source, error) {
	md, err := s.local.StatFile(ctx, r.Physical)
	if err != nil {
		return source{}, err
	}
	return source{
		id:        variant.Identity{ModTime: md.ModTime, Size: md.Size},
		read:      func() ([]byte, error) { return s.local.Read(ctx, r.Physical) },
		done:      func() {},
		flightKey: r.Physical,
	}, nil
}

func (s *VariantService) locateEntry(ctx context.Context, r, selector fsutil.Resolved, encName string, enc encoding.Encoding) (source, error) {
	key, ok := fsutil.ArchiveKey(r.Logical, selector.Logical)
	if !ok {
		return source{}, fsutil.ErrInvalidPath
	}
	entry, err := s.archives.OpenEntry(ctx, selector.Physical, key, enc)
	if err != nil {
		return source{}, err
	}
	return source{
		id:        variant.Identity{ModTime: entry.Modified, Size: entry.Size},
		read:      entry.ReadAll,
		done:      func() { _ = entry.Close() },
		flightKey: selector.Physical + "\x00" + encName + "\x00" + key,
	}, nil
}

// transform runs the transformer under the concurrency bound. Requests for
// the same bytes and token wait for a single run.
func (s *VariantService) transform(ctx context.Context, src source, p variant.Params, etag string) (variant.Output, error) {
	run := func() (any, error) {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return variant.Output{}, err
		}
		defer s.sem.Release(1)
		metrics.TransformStarted()
		defer metrics.TransformFinished()

		data, err := src.read()
		if err != nil {
			return variant.Output{}, err
		}
		start := time.Now()
		out, err := s.transformer.Transform(ctx, data, p)
		if err != nil {
			return variant.Output{}, err
		}
		metrics.RecordTransform(string(out.Format), time.Since(start))
		return out, nil
	}

	v, err, shared := s.group.Do(src.flightKey+"\x00"+etag, run)
	if shared {
		metrics.RecordSharedTransform()
	}
	if err != nil && shared && isContextErr(err) && ctx.Err() == nil {
		// The request that started the shared run went away; do our own.
		v, err = run()
	}
	if err != nil {
		return variant.Output{}, err
	}
	return v.(variant.Output), nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func outcome(res VariantResult, err error) string {
	if err != nil {
		return KindOf(err).String()
	}
	if res.Status == http.StatusNotModified {
		return "not_modified"
	}
	return "ok"
}
