package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-history-sync/internal/config"
	"movie-history-sync/internal/models"
	"movie-history-sync/internal/store"
)

func posterServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 20, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/inception.png", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func posterConfig(t *testing.T, imageBase string) config.Config {
	cfg := testConfig()
	cfg.CatalogImageBaseURL = imageBase
	cfg.ImageOutputDir = t.TempDir()
	cfg.ImageDownloadTimeout = 2 * time.Second
	cfg.ImageMaxBytes = 2 * 1024 * 1024
	cfg.ImageDefaultWidth = 10
	return cfg
}

func TestImageCacheStoresResizedPosters(t *testing.T) {
	ctx := context.Background()
	srv, calls := posterServer(t)
	cfg := posterConfig(t, srv.URL)

	st := store.NewMemory()
	require.NoError(t, st.UpsertMovie(ctx, inception))
	require.NoError(t, st.UpsertMovie(ctx, models.CanonicalMovie{CatalogID: 2, Title: "Gone", PosterPath: "/missing.jpg"}))
	require.NoError(t, st.UpsertMovie(ctx, heat))

	posters, err := NewPosterCache(ctx, cfg)
	require.NoError(t, err)
	p := NewProcessor(cfg, st, &fakeCatalog{}, posters)

	job := runJob(t, st, p, store.EnqueueParams{Type: models.JobTypeTmdbImageCache})
	require.Equal(t, models.StatusCompletedSuccessful, job.Status, "a missing poster is skipped")

	data, err := os.ReadFile(filepath.Join(cfg.ImageOutputDir, "posters", "27205.png"))
	require.NoError(t, err)
	out, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 10, out.Bounds().Dx())
	assert.Equal(t, 15, out.Bounds().Dy(), "aspect ratio is kept")

	runJob(t, st, p, store.EnqueueParams{Type: models.JobTypeTmdbImageCache})
	assert.Equal(t, int32(1), calls.Load(), "cached posters are not fetched again")
}

func TestImageCacheWithoutPosterCache(t *testing.T) {
	st := store.NewMemory()
	p := NewProcessor(testConfig(), st, &fakeCatalog{}, nil)

	job := runJob(t, st, p, store.EnqueueParams{Type: models.JobTypeTmdbImageCache})
	assert.Equal(t, models.StatusCompletedFailed, job.Status)
}

func TestPickUploader(t *testing.T) {
	c, err := NewPosterCache(context.Background(), config.Config{ImageOutputDir: t.TempDir()})
	require.NoError(t, err)

	u, err := c.pickUploader("")
	require.NoError(t, err)
	assert.Same(t, c.local, u)

	_, err = c.pickUploader("s3")
	assert.Error(t, err, "s3 needs a bucket")
}

func TestChooseFormat(t *testing.T) {
	assert.Equal(t, "png", formatExtension(chooseFormat("/a.png", "jpeg", "")))
	assert.Equal(t, "jpg", formatExtension(chooseFormat("/a.jpg", "png", "")))
	assert.Equal(t, "png", formatExtension(chooseFormat("/a", "", "image/png")))
	assert.Equal(t, "posters/42.jpg", posterKey(42, chooseFormat("/a", "", "")))
}
