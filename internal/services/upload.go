package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/farmx/apiserver/internal/storage"
	"github.com/farmx/apiserver/types"
)

const (
	// randomSuffixRange bounds the random component of generated names.
	randomSuffixRange = 1_000_000_000_000_000
	maxOriginalName   = 100
	fallbackName      = "upload"
)

// ObjectStore is the subset of storage the upload intake needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Location(key string) string
}

// EventPublisher announces stored assets to downstream consumers.
type EventPublisher interface {
	PublishJSON(ctx context.Context, channel, kind string, v any, attrs map[string]string) (string, error)
}

// Analyzer produces the analysis text returned for an uploaded image.
type Analyzer interface {
	Analyze(ctx context.Context, asset types.UploadedAsset) (string, error)
}

// StaticAnalyzer returns the same configured text for every image.
type StaticAnalyzer struct {
	Text string
}

func (a StaticAnalyzer) Analyze(ctx context.Context, asset types.UploadedAsset) (string, error) {
	return a.Text, nil
}

// UploadOptions configures an UploadService.
type UploadOptions struct {
	PublicBaseURL string
	Analyzer      Analyzer
	Publisher     EventPublisher
	Topic         string
	Logger        *slog.Logger
}

// UploadService stores uploaded images and returns where they can be fetched.
type UploadService struct {
	store     ObjectStore
	baseURL   *url.URL
	analyzer  Analyzer
	publisher EventPublisher
	topic     string
	logger    *slog.Logger
	now       func() time.Time
}

func NewUploadService(store ObjectStore, opts UploadOptions) (*UploadService, error) {
	base, err := url.Parse(strings.TrimSpace(opts.PublicBaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid public base url %q", opts.PublicBaseURL)
	}
	analyzer := opts.Analyzer
	if analyzer == nil {
		analyzer = StaticAnalyzer{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadService{
		store:     store,
		baseURL:   base,
		analyzer:  analyzer,
		publisher: opts.Publisher,
		topic:     opts.Topic,
		logger:    logger.With(slog.String("component", "upload")),
		now:       time.Now,
	}, nil
}

// Accept persists data under a generated name and returns the stored asset.
func (s *UploadService) Accept(ctx context.Context, data []byte, originalName, contentType string) (types.UploadedAsset, error) {
	if len(data) == 0 {
		return types.UploadedAsset{}, fmt.Errorf("%w: empty file", ErrInvalidInput)
	}
	if strings.TrimSpace(contentType) == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	if err := s.store.EnsureBucket(ctx); err != nil {
		s.logger.ErrorContext(ctx, "ensure upload area failed", slog.Any("error", err))
		return types.UploadedAsset{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	now := s.now()
	name := GenerateName(now, originalName)
	if err := s.store.Put(ctx, name, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		s.logger.ErrorContext(ctx, "store upload failed", slog.String("name", name), slog.Any("error", err))
		return types.UploadedAsset{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	asset := types.UploadedAsset{
		GeneratedName: name,
		OriginalName:  originalName,
		StoragePath:   s.store.Location(name),
		RetrievalURL:  s.baseURL.JoinPath(name).String(),
		ContentType:   contentType,
		Size:          int64(len(data)),
		UploadedAt:    now.UTC(),
	}
	s.logger.InfoContext(ctx, "upload stored",
		slog.String("name", name),
		slog.Int64("size", asset.Size),
		slog.String("content_type", contentType),
	)

	s.announce(ctx, asset)
	return asset, nil
}

// AnalyzeImage stores the image and pairs its URL with the analyzer's text.
func (s *UploadService) AnalyzeImage(ctx context.Context, data []byte, originalName, contentType string) (types.ImageAnalysis, error) {
	asset, err := s.Accept(ctx, data, originalName, contentType)
	if err != nil {
		return types.ImageAnalysis{}, err
	}
	analysis, err := s.analyzer.Analyze(ctx, asset)
	if err != nil {
		return types.ImageAnalysis{}, fmt.Errorf("analyze image: %w", err)
	}
	return types.ImageAnalysis{
		Message:  "Image received and processed.",
		Analysis: analysis,
		ImageURL: asset.RetrievalURL,
	}, nil
}

// announce publishes the stored asset. Broker failures never fail the upload.
func (s *UploadService) announce(ctx context.Context, asset types.UploadedAsset) {
	if s.publisher == nil || s.topic == "" {
		return
	}
	id, err := s.publisher.PublishJSON(ctx, s.topic, types.EventAssetUploaded, asset, map[string]string{
		"asset_content_type": asset.ContentType,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "publish upload event failed",
			slog.String("name", asset.GeneratedName), slog.Any("error", err))
		return
	}
	s.logger.DebugContext(ctx, "upload event published", slog.String("message_id", id))
}

// GenerateName builds "<unix millis>-<random>-<sanitized original>".
func GenerateName(now time.Time, originalName string) string {
	return fmt.Sprintf("%d-%d-%s", now.UnixMilli(), rand.Int64N(randomSuffixRange), SanitizeName(originalName))
}

// SanitizeName reduces a client-supplied filename to a single URL-safe path
// segment, keeping it recognisable.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		name = ""
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	clean := strings.Trim(b.String(), "._")
	if clean == "" {
		return fallbackName
	}
	if len(clean) > maxOriginalName {
		ext := path.Ext(clean)
		if len(ext) >= maxOriginalName {
			ext = ""
		}
		clean = clean[:maxOriginalName-len(ext)] + ext
	}
	return clean
}

var _ ObjectStore = (*storage.Storage)(nil)
