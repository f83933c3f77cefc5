package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"movie-history-sync/internal/config"
	"movie-history-sync/internal/history"
	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/models"
	"movie-history-sync/internal/provider"
)

type imageUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// PosterCache copies catalog posters into local or S3 storage, resized for
// the history views.
type PosterCache struct {
	cfg        config.Config
	httpClient *http.Client
	local      imageUploader
	s3         imageUploader
}

type imageCachePayload struct {
	Limit       int    `json:"limit" validate:"gte=0"`
	Destination string `json:"destination" validate:"omitempty,oneof=local s3"`
}

// NewPosterCache chooses the uploaders from cfg. S3 is only available when a
// bucket is configured.
func NewPosterCache(ctx context.Context, cfg config.Config) (*PosterCache, error) {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./storage/images"
	}

	var s3Upload imageUploader
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	}

	return &PosterCache{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// imageCache warms the poster cache for movies referenced by history rows.
func (p *Processor) imageCache(ctx context.Context, job models.Job) (history.Result, error) {
	if p.posters == nil {
		return history.Result{}, errors.New("poster cache is not configured")
	}
	payload, err := decodePayload[imageCachePayload](p, job)
	if err != nil {
		return history.Result{}, err
	}
	limit := payload.Limit
	if limit == 0 {
		limit = p.cfg.CatalogSyncBatch
	}
	if limit <= 0 {
		limit = 200
	}
	movies, err := p.store.UncachedPosters(ctx, limit)
	if err != nil {
		return history.Result{}, fmt.Errorf("list uncached posters: %w", err)
	}
	return p.posters.Warm(ctx, p.store, movies, payload.Destination)
}

type posterMarker interface {
	MarkPosterCached(ctx context.Context, catalogID int64) error
}

// Warm stores each movie's poster. A poster the image host no longer serves
// is skipped; transient failures fail the run so it can be re-enqueued.
func (c *PosterCache) Warm(ctx context.Context, st posterMarker, movies []models.CanonicalMovie, destination string) (history.Result, error) {
	var res history.Result
	uploader, err := c.pickUploader(destination)
	if err != nil {
		return res, err
	}
	for _, m := range movies {
		key, err := c.cache(ctx, uploader, m)
		if err != nil {
			if errors.Is(err, provider.ErrTransient) || ctx.Err() != nil {
				return res, err
			}
			logging.Ctx(ctx).Warn().Err(err).Int64("catalog_id", m.CatalogID).Msg("poster skipped")
			res.Add(history.OutcomeSkipped)
			continue
		}
		if err := st.MarkPosterCached(ctx, m.CatalogID); err != nil {
			return res, fmt.Errorf("mark poster %d cached: %w", m.CatalogID, err)
		}
		logging.Ctx(ctx).Debug().Int64("catalog_id", m.CatalogID).Str("key", key).Msg("poster cached")
		res.Add(history.OutcomeInserted)
	}
	return res, nil
}

// cache downloads, resizes and uploads the poster of m, returning its location.
func (c *PosterCache) cache(ctx context.Context, uploader imageUploader, m models.CanonicalMovie) (string, error) {
	src := strings.TrimRight(c.cfg.CatalogImageBaseURL, "/") + "/" + strings.TrimLeft(m.PosterPath, "/")
	data, contentType, err := c.download(ctx, src)
	if err != nil {
		return "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode poster: %w", err)
	}
	width, height := c.cfg.ImageDefaultWidth, c.cfg.ImageDefaultHeight
	if width == 0 && height == 0 {
		width = 342
	}
	img = imaging.Resize(img, width, height, imaging.Lanczos)

	outputFormat := chooseFormat(m.PosterPath, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode poster: %w", err)
	}

	key := posterKey(m.CatalogID, outputFormat)
	location, err := uploader.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return location, nil
}

func (c *PosterCache) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := provider.Do(c.httpClient, req)
	if err != nil {
		return nil, "", fmt.Errorf("download poster: %w", err)
	}
	defer resp.Body.Close()
	if err := provider.CheckResponse("image", resp); err != nil {
		return nil, "", fmt.Errorf("download poster: %w", err)
	}

	limit := c.cfg.ImageMaxBytes
	if limit == 0 {
		limit = 10 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read poster: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("poster too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *PosterCache) pickUploader(destination string) (imageUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if c.s3 == nil {
			return nil, errors.New("destination s3 requested but IMAGE_S3_BUCKET is not configured")
		}
		return c.s3, nil
	case "local":
		return c.local, nil
	}
	if c.s3 != nil {
		return c.s3, nil
	}
	return c.local, nil
}

func posterKey(catalogID int64, format imaging.Format) string {
	return path.Join("posters", fmt.Sprintf("%d.%s", catalogID, formatExtension(format)))
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func chooseFormat(posterPath, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(posterPath)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	dst := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(dst, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return dst, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
