package attachment

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"path"
	"strconv"
	"strings"

	"chatrelay/internal/constants"
	"chatrelay/internal/models"
	"chatrelay/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Result is the outcome of resolving a raw attachment. Attachment is nil when
// no url was supplied.
type Result struct {
	Attachment *models.Attachment
	// Downloaded is set when a remote file was copied into the store.
	Downloaded bool
	// Local is set when the url already pointed at the store.
	Local bool
}

// Resolver turns caller-supplied attachment metadata into a stored
// attachment, fetching remote files into the store when it can.
type Resolver struct {
	store  Store
	logger logrus.FieldLogger
}

func NewResolver(store Store, logger logrus.FieldLogger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{store: store, logger: logger}
}

// Normalize applies the metadata rules without touching the network or disk.
func Normalize(raw models.RawAttachment) *models.Attachment {
	rawURL := strings.TrimSpace(raw.URL)
	if rawURL == "" {
		return nil
	}

	supplied := normalizeType(raw.Type)
	attType, _ := models.ParseAttachmentType(supplied)

	fullURL := strings.TrimSpace(raw.FullURL)
	if fullURL == "" {
		fullURL = rawURL
	}

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		name = FallbackName(supplied)
	}

	return &models.Attachment{
		URL:       rawURL,
		FullURL:   fullURL,
		Name:      name,
		Type:      attType,
		SizeBytes: ParseSize(raw.Size),
	}
}

// Resolve normalizes raw and, for remote urls, tries a single download into
// the store. Any download failure degrades to the remote reference.
func (r *Resolver) Resolve(ctx context.Context, raw models.RawAttachment, baseURL string) Result {
	rawURL := strings.TrimSpace(raw.URL)
	if rawURL == "" {
		return Result{}
	}

	if strings.HasPrefix(rawURL, constants.UploadsRoutePrefix) {
		return Result{Attachment: r.resolveLocal(raw, rawURL, baseURL), Local: true}
	}

	if r.store == nil {
		return Result{Attachment: Normalize(raw)}
	}

	att, err := r.download(ctx, raw, rawURL, baseURL)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"attachment_url": privacy.RedactURL(rawURL),
			"error":          err.Error(),
		}).Warn("Attachment download failed, keeping remote reference")
		return Result{Attachment: Normalize(raw)}
	}
	return Result{Attachment: att, Downloaded: true}
}

func (r *Resolver) resolveLocal(raw models.RawAttachment, rawURL, baseURL string) *models.Attachment {
	fileName := path.Base(rawURL)

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		name = fileName
	}

	size := ParseSize(raw.Size)
	if r.store != nil {
		if onDisk, ok := r.store.Size(fileName); ok && onDisk > 0 {
			size = onDisk
		}
	}

	fullURL := strings.TrimSpace(raw.FullURL)
	if baseURL != "" {
		fullURL = strings.TrimRight(baseURL, "/") + rawURL
	} else if fullURL == "" {
		fullURL = rawURL
	}

	return &models.Attachment{
		URL:       rawURL,
		FullURL:   fullURL,
		Name:      name,
		Type:      typeFor(normalizeType(raw.Type), name),
		SizeBytes: size,
	}
}

type rejectedError struct{ name string }

func (e *rejectedError) Error() string { return "file type not allowed: " + e.name }

func (r *Resolver) download(ctx context.Context, raw models.RawAttachment, rawURL, baseURL string) (*models.Attachment, error) {
	dl, err := r.store.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	supplied := normalizeType(raw.Type)

	filename := SanitizeFilename(raw.Name)
	if filename == "" {
		filename = dl.SuggestedName
	}

	if extensionOf(filename) != "" && !IsAllowedFilename(filename) {
		hinted, known := models.ParseAttachmentType(supplied)
		if !known || hinted == models.AttachmentFile {
			return nil, &rejectedError{name: filename}
		}
		filename = constants.GenericAttachmentName + "." + constants.AttachmentTypeExtensions[string(hinted)]
	}

	stored, err := r.store.Save(bytes.NewReader(dl.Data), filename, baseURL)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		name = filename
	}

	return &models.Attachment{
		URL:       stored.URL,
		FullURL:   stored.FullURL,
		Name:      name,
		Type:      typeFor(supplied, filename),
		SizeBytes: stored.SizeBytes,
	}, nil
}

// FallbackName is the display name for an unnamed attachment, keyed by the
// supplied type.
func FallbackName(suppliedType string) string {
	if name, ok := constants.AttachmentFallbackNames[normalizeType(suppliedType)]; ok {
		return name
	}
	return constants.GenericAttachmentName
}

// ParseSize accepts positive integers given as numbers or numeric strings.
// Anything else yields 0, meaning absent.
func ParseSize(v any) int64 {
	var n int64
	switch s := v.(type) {
	case int:
		n = int64(s)
	case int32:
		n = int64(s)
	case int64:
		n = s
	case float64:
		if s != math.Trunc(s) || s > math.MaxInt64 {
			return 0
		}
		n = int64(s)
	case json.Number:
		parsed, err := strconv.ParseInt(s.String(), 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}
	if n <= 0 {
		return 0
	}
	return n
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// typeFor trusts a supplied type, coercing unknown values to file, and only
// derives one from the filename when none was supplied.
func typeFor(supplied, filename string) models.AttachmentType {
	if supplied != "" {
		t, _ := models.ParseAttachmentType(supplied)
		return t
	}
	t, _ := models.ParseAttachmentType(TypeForFilename(filename))
	return t
}
