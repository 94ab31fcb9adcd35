package gallery

import (
	"bytes"
	"context"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"imgserver/internal/fsutil"
	"imgserver/internal/logging"
	"imgserver/internal/metrics"
	"imgserver/internal/storage"
)

// FileItem is one entry of a listing.
type FileItem struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"isDirectory"`
	IsImage     bool   `json:"isImage"`
	IsArchive   bool   `json:"isArchive"`
	Modified    int64  `json:"modified"` // epoch milliseconds
	Size        int64  `json:"size"`
	Path        string `json:"path"`
	Archive     string `json:"archive"`
}

// Listing is the response of List. Files is never nil.
type Listing struct {
	Exists bool       `json:"exists"`
	Files  []FileItem `json:"files"`
}

// SortKey orders listing entries after directories and archives.
type SortKey string

const (
	SortName SortKey = "name"
	SortDate SortKey = "date"
	SortSize SortKey = "size"
)

// ListRequest selects the directory to list. Path and Archive are
// percent-decoded logical paths.
type ListRequest struct {
	Path     string
	Archive  string
	Sort     string
	Encoding string
}

// ListingOptions tunes a ListingService.
type ListingOptions struct {
	DefaultEncoding   string
	ImageExtensions   []string
	ArchiveExtensions []string
	// Language drives name collation; the zero value sorts by root collation.
	Language language.Tag
}

// ListingService lists directories and archive levels.
type ListingService struct {
	resolver   *fsutil.Resolver
	local      *storage.Local
	archives   *storage.Archives
	defaultEnc string
	images     map[string]bool
	archiveExt map[string]bool
	lang       language.Tag
	logger     *zap.Logger
}

func NewListingService(resolver *fsutil.Resolver, local *storage.Local, archives *storage.Archives,
	opts ListingOptions, logger *zap.Logger) *ListingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListingService{
		resolver:   resolver,
		local:      local,
		archives:   archives,
		defaultEnc: opts.DefaultEncoding,
		images:     extSet(opts.ImageExtensions),
		archiveExt: extSet(opts.ArchiveExtensions),
		lang:       opts.Language,
		logger:     logger,
	}
}

func extSet(exts []string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		m[e] = true
	}
	return m
}

func absent() Listing { return Listing{Exists: false, Files: []FileItem{}} }

// List returns the entries of a directory, or of one level of an archive
// when req.Archive is set. Paths that fail validation or do not name a
// listable directory give an absent listing rather than an error.
func (s *ListingService) List(ctx context.Context, req ListRequest) (Listing, error) {
	log := logging.FromContext(ctx, s.logger)

	key := SortKey(req.Sort)
	switch key {
	case "":
		key = SortName
	case SortName, SortDate, SortSize:
	default:
		return Listing{}, badRequest("Invalid sort parameter. Valid values are: name, date, size")
	}

	resolved, err := s.resolver.Resolve(req.Path)
	if err != nil {
		return absent(), nil
	}

	var files []FileItem
	if req.Archive != "" {
		encName := req.Encoding
		if encName == "" {
			encName = s.defaultEnc
		}
		enc, err := storage.LookupEncoding(encName)
		if err != nil {
			return Listing{}, invalidEncoding(encName)
		}
		selector, err := s.resolver.Resolve(req.Archive)
		if err != nil {
			return absent(), nil
		}
		prefix, ok := fsutil.ArchiveKey(resolved.Logical, selector.Logical)
		if !ok {
			return absent(), nil
		}
		entries, err := s.archives.ListEntries(ctx, selector.Physical, prefix, enc)
		if err != nil {
			return s.failed(log, req, err)
		}
		files = s.archiveItems(selector.Logical, prefix, entries)
	} else {
		entries, err := s.local.ListDir(ctx, resolved.Physical)
		if err != nil {
			return s.failed(log, req, err)
		}
		files = s.dirItems(resolved.Logical, entries)
	}

	s.sortItems(files, key)
	metrics.RecordListing(len(files))
	return Listing{Exists: true, Files: files}, nil
}

func (s *ListingService) failed(log *zap.Logger, req ListRequest, err error) (Listing, error) {
	if storage.IsNotFound(err) {
		return absent(), nil
	}
	log.Error("listing failed", zap.String("path", req.Path), zap.String("archive", req.Archive), zap.Error(err))
	return Listing{}, internalError(err)
}

func (s *ListingService) dirItems(parent string, entries []storage.DirEntry) []FileItem {
	files := make([]FileItem, 0, len(entries))
	for _, e := range entries {
		item := FileItem{Name: e.Name, Path: fsutil.JoinRel(parent, e.Name)}
		if e.Err == nil {
			ext := strings.ToLower(path.Ext(e.Name))
			item.IsDirectory = e.Meta.IsDir
			item.IsImage = !e.Meta.IsDir && s.images[ext]
			item.IsArchive = !e.Meta.IsDir && e.Meta.Regular && s.archiveExt[ext]
			item.Modified = e.Meta.ModTime.UnixMilli()
			item.Size = e.Meta.Size
			if e.Meta.IsDir {
				item.Size = 0
			}
		}
		files = append(files, item)
	}
	return files
}

func (s *ListingService) archiveItems(selector, prefix string, entries []storage.EntryInfo) []FileItem {
	files := make([]FileItem, 0, len(entries))
	for _, e := range entries {
		item := FileItem{
			Name:        e.Name,
			IsDirectory: e.IsDir,
			IsImage:     !e.IsDir && s.images[strings.ToLower(path.Ext(e.Name))],
			Size:        e.Size,
			Path:        fsutil.JoinRel(selector, fsutil.JoinRel(prefix, e.Name)),
			Archive:     selector,
		}
		if !e.Modified.IsZero() {
			item.Modified = e.Modified.UnixMilli()
		}
		files = append(files, item)
	}
	return files
}

// sortItems puts directories and archives first, then orders by key.
// Ties fall back to name order so results are stable across calls.
func (s *ListingService) sortItems(files []FileItem, key SortKey) {
	col := collate.New(s.lang, collate.Numeric, collate.IgnoreCase)
	var buf collate.Buffer
	keys := make(map[string][]byte, len(files))
	for _, f := range files {
		if _, ok := keys[f.Name]; !ok {
			keys[f.Name] = append([]byte(nil), col.KeyFromString(&buf, f.Name)...)
			buf.Reset()
		}
	}
	byName := func(a, b FileItem) int {
		if c := bytes.Compare(keys[a.Name], keys[b.Name]); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	}

	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		ga, gb := a.IsDirectory || a.IsArchive, b.IsDirectory || b.IsArchive
		if ga != gb {
			return ga
		}
		switch key {
		case SortDate:
			if a.Modified != b.Modified {
				return a.Modified > b.Modified
			}
		case SortSize:
			if a.Size != b.Size {
				return a.Size > b.Size
			}
		}
		return byName(a, b) < 0
	})
}
