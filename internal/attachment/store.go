package attachment

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"chatrelay/internal/constants"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/security"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Stored describes a file written to the blob store.
type Stored struct {
	FileName  string
	URL       string
	FullURL   string
	SizeBytes int64
}

// Download is a fetched remote file held in memory, bounded by the store's
// size ceiling.
type Download struct {
	Data          []byte
	SuggestedName string
	ContentType   string
}

// DownloadError is returned by Fetch for any failed remote fetch.
type DownloadError struct {
	URL    string
	Reason string
	Err    error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("download %s: %s", e.URL, e.Reason)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Store is the blob store used for uploads and downloaded attachments.
type Store interface {
	Save(r io.Reader, suggestedName, baseURL string) (*Stored, error)
	Fetch(ctx context.Context, rawURL string) (*Download, error)
	Open(name string) (*os.File, os.FileInfo, error)
	Size(name string) (int64, bool)
	CleanupOldFiles(maxAge time.Duration) (int, error)
}

// LocalStore keeps files in a single flat directory served under
// constants.UploadsRoutePrefix.
type LocalStore struct {
	dir             string
	maxBytes        int64
	downloadTimeout time.Duration
	userAgent       string
	httpClient      *http.Client
	logger          logrus.FieldLogger
	now             func() time.Time
}

// StoreOption configures a LocalStore.
type StoreOption func(*LocalStore)

// WithMaxBytes overrides the upload and download ceiling.
func WithMaxBytes(n int64) StoreOption {
	return func(s *LocalStore) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithDownloadTimeout overrides the remote fetch timeout.
func WithDownloadTimeout(d time.Duration) StoreOption {
	return func(s *LocalStore) {
		if d > 0 {
			s.downloadTimeout = d
		}
	}
}

// WithHTTPClient replaces the client used by Fetch.
func WithHTTPClient(c *http.Client) StoreOption {
	return func(s *LocalStore) { s.httpClient = c }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger logrus.FieldLogger) StoreOption {
	return func(s *LocalStore) { s.logger = logger }
}

// WithStoreClock replaces time.Now for naming and retention.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *LocalStore) { s.now = now }
}

func NewLocalStore(dir string, opts ...StoreOption) (*LocalStore, error) {
	if err := os.MkdirAll(dir, constants.DefaultDirectoryPermissions); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	s := &LocalStore{
		dir:             dir,
		maxBytes:        int64(constants.DefaultMaxUploadSizeMB) * constants.BytesPerMegabyte,
		downloadTimeout: time.Duration(constants.DefaultAttachmentDownloadSec) * time.Second,
		userAgent:       constants.DefaultDownloadUserAgent,
		logger:          logrus.StandardLogger(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: s.downloadTimeout}
	}
	return s, nil
}

// Dir returns the directory files are stored in.
func (s *LocalStore) Dir() string { return s.dir }

// MaxBytes returns the size ceiling.
func (s *LocalStore) MaxBytes() int64 { return s.maxBytes }

// Save writes r under a unique name derived from suggestedName's extension.
// Content beyond the ceiling is rejected and the partial file removed.
func (s *LocalStore) Save(r io.Reader, suggestedName, baseURL string) (*Stored, error) {
	ext := extensionOf(suggestedName)
	if ext == "" {
		ext = "bin"
	}
	name := UniqueName(ext, s.now())

	fullPath, err := security.SafeJoin(s.dir, name)
	if err != nil {
		return nil, apperrors.NewAttachmentError("save", err)
	}

	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, constants.DefaultFilePermissions)
	if err != nil {
		return nil, apperrors.NewAttachmentError("save", fmt.Errorf("failed to create file: %w", err))
	}

	written, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(fullPath)
		return nil, apperrors.NewAttachmentError("save", fmt.Errorf("failed to write file: %w", err))
	}
	if written > s.maxBytes {
		_ = os.Remove(fullPath)
		return nil, apperrors.NewTooLargeError(written, s.maxBytes)
	}

	relURL := constants.UploadsRoutePrefix + name
	return &Stored{
		FileName:  name,
		URL:       relURL,
		FullURL:   strings.TrimRight(baseURL, "/") + relURL,
		SizeBytes: written,
	}, nil
}

// Fetch downloads rawURL with the store's timeout and size ceiling.
func (s *LocalStore) Fetch(ctx context.Context, rawURL string) (*Download, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &DownloadError{URL: rawURL, Reason: "unsupported url", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Reason: "failed to create request", Err: err}
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Reason: "network error", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DownloadError{URL: rawURL, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	if resp.ContentLength > s.maxBytes {
		return nil, &DownloadError{URL: rawURL, Reason: "too large", Err: apperrors.NewTooLargeError(resp.ContentLength, s.maxBytes)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Reason: "read failed", Err: err}
	}
	if int64(len(data)) > s.maxBytes {
		return nil, &DownloadError{URL: rawURL, Reason: "too large", Err: apperrors.NewTooLargeError(int64(len(data)), s.maxBytes)}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" && len(data) > 0 {
		contentType = mimetype.Detect(data).String()
	}

	return &Download{
		Data:          data,
		SuggestedName: FilenameFromResponse(resp.Header, u, contentType),
		ContentType:   contentType,
	}, nil
}

// Open returns the stored file for name. Names with path components are
// rejected as not found.
func (s *LocalStore) Open(name string) (*os.File, os.FileInfo, error) {
	fullPath, err := security.SafeJoin(s.dir, name)
	if err != nil {
		return nil, nil, apperrors.NewNotFoundError("file", name)
	}
	f, err := os.Open(fullPath) // #nosec G304 - path confined by SafeJoin
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, apperrors.NewNotFoundError("file", name)
		}
		return nil, nil, apperrors.NewAttachmentError("open", err)
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return nil, nil, apperrors.NewNotFoundError("file", name)
	}
	return f, info, nil
}

// Size reports the on-disk size of a stored file.
func (s *LocalStore) Size(name string) (int64, bool) {
	fullPath, err := security.SafeJoin(s.dir, name)
	if err != nil {
		return 0, false
	}
	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}

// CleanupOldFiles removes regular files whose mtime is older than maxAge and
// returns how many were removed.
func (s *LocalStore) CleanupOldFiles(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read upload directory: %w", err)
	}

	now := s.now()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return removed, fmt.Errorf("failed to get file info: %w", err)
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, info.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove old file: %w", err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.WithFields(logrus.Fields{
			"removed": removed,
			"max_age": maxAge.String(),
		}).Info("Removed expired uploads")
	}
	return removed, nil
}

// UniqueName builds "<uuidhex>_<YYYYmmdd_HHMMSS>.<ext>".
func UniqueName(ext string, at time.Time) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%s_%s.%s", id, at.Format("20060102_150405"), strings.TrimPrefix(ext, "."))
}

var contentDispositionFilename = regexp.MustCompile(`filename[^;=\n]*=(?:"([^"]*)"|'([^']*)'|([^;\n]*))`)

// FilenameFromResponse picks a filename from Content-Disposition, then the
// url path, then the MIME type, then constants.GenericDownloadName.
func FilenameFromResponse(header http.Header, u *url.URL, contentType string) string {
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := SanitizeFilename(params["filename"]); name != "" {
				return name
			}
		}
		if m := contentDispositionFilename.FindStringSubmatch(cd); m != nil {
			raw := m[1] + m[2] + m[3]
			if name := SanitizeFilename(strings.Trim(strings.TrimSpace(raw), `"'`)); name != "" {
				return name
			}
		}
	}

	if u != nil {
		if base := path.Base(u.Path); base != "." && base != "/" && strings.Contains(base, ".") {
			if name := SanitizeFilename(base); name != "" {
				return name
			}
		}
	}

	if ext := extensionForContentType(contentType); ext != "" {
		return constants.GenericAttachmentName + "." + ext
	}
	return constants.GenericDownloadName
}

func extensionForContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	mediaType = strings.ToLower(mediaType)
	if mediaType == "" {
		return ""
	}
	if ext, ok := constants.ContentTypeToExtension[mediaType]; ok {
		return ext
	}
	if mt := mimetype.Lookup(mediaType); mt != nil && mt.Extension() != "" {
		return strings.TrimPrefix(mt.Extension(), ".")
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return ""
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename reduces name to a single safe path element.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	name = strings.ReplaceAll(name, " ", "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}

func extensionOf(name string) string {
	ext := filepath.Ext(name)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsAllowedFilename reports whether name's extension is on the allow-list.
func IsAllowedFilename(name string) bool {
	_, ok := constants.AllowedExtensions[extensionOf(name)]
	return ok
}

// TypeForFilename derives the attachment type from the extension.
func TypeForFilename(name string) string {
	if t, ok := constants.AllowedExtensions[extensionOf(name)]; ok {
		return t
	}
	return constants.AttachmentFile
}

// MimeTypeFor returns the MIME type served for a stored file, sniffing the
// leading bytes when the extension is unknown.
func MimeTypeFor(name string, head []byte) string {
	if mt, ok := constants.MimeTypes["."+extensionOf(name)]; ok {
		return mt
	}
	if len(head) > 0 {
		return mimetype.Detect(head).String()
	}
	return constants.DefaultMimeType
}
