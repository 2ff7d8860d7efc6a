package imgsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/go-imgsearch/config"
	"github.com/hubenschmidt/go-imgsearch/core"
	"github.com/hubenschmidt/go-imgsearch/embedding"
	"github.com/hubenschmidt/go-imgsearch/location/locationtest"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Metadata.DSN = "memory://"
	cfg.Vector.URL = "memory://"
	cfg.Blob.URL = "memory://"
	cfg.Vector.Dimension = 16
	return cfg
}

func TestOpenIngestSearch(t *testing.T) {
	ctx := context.Background()
	app, err := Open(ctx, memoryConfig(), Options{})
	require.NoError(t, err)
	defer app.Close()

	image := []byte("harbour at dawn")
	ev, err := app.Upload(ctx, "photos/harbour.jpg", bytes.NewReader(image), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "raw", ev.Bucket)

	again, err := app.Upload(ctx, "photos/harbour.jpg", bytes.NewReader(image), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, ev.Generation, again.Generation)

	rec, err := app.Ingest.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, rec.Status)
	assert.True(t, strings.HasPrefix(rec.ProcessedLocation, "processed/"))

	resp, err := app.Search.Search(ctx, SearchQuery{ImageBytes: image, TopK: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, rec.ID, resp.Results[0].ID)

	summary := app.Stats.Flush()
	assert.Equal(t, 1, summary.Ingest["completed"])
	assert.Equal(t, 1, summary.Searches["ok"])
}

func TestOpenRejectsDimensionMismatch(t *testing.T) {
	_, err := Open(context.Background(), memoryConfig(), Options{Model: embedding.NewMockClient(8)})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestOpenRejectsUnknownMetric(t *testing.T) {
	cfg := memoryConfig()
	cfg.Vector.Metric = "manhattan"
	_, err := Open(context.Background(), cfg, Options{})
	assert.Error(t, err)
}

func TestHandlerServesMetrics(t *testing.T) {
	app, err := Open(context.Background(), memoryConfig(), Options{})
	require.NoError(t, err)
	defer app.Close()

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"query": map[string]any{"text": "boats"}})
	resp, err := http.Post(srv.URL+"/search", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type closingModel struct {
	*embedding.MockClient
	closed int
}

func (m *closingModel) Close() error {
	m.closed++
	return nil
}

func TestCloseReleasesModel(t *testing.T) {
	model := &closingModel{MockClient: embedding.NewMockClient(16)}
	app, err := Open(context.Background(), memoryConfig(), Options{Model: model})
	require.NoError(t, err)

	require.NoError(t, app.Close())
	assert.Equal(t, 1, model.closed)
}

func TestOpenWiresGeocoder(t *testing.T) {
	maps := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","results":[{"formatted_address":"Reykjavik, Iceland","place_id":"rvk",
			"address_components":[{"long_name":"Iceland","types":["country","political"]}]}]}`))
	}))
	defer maps.Close()

	cfg := memoryConfig()
	cfg.Location.GeocoderAPIKey = "AIza-test"
	cfg.Location.GeocoderBaseURL = maps.URL

	ctx := context.Background()
	app, err := Open(ctx, cfg, Options{})
	require.NoError(t, err)
	defer app.Close()

	ev, err := app.Upload(ctx, "trip/geysir.jpg", bytes.NewReader(locationtest.GPSImage(64.1466, -21.9426)), "image/jpeg")
	require.NoError(t, err)
	rec, err := app.Ingest.Handle(ctx, ev)
	require.NoError(t, err)

	require.NotNil(t, rec.Location)
	assert.Equal(t, "Reykjavik, Iceland", rec.Location.PlaceName)
	assert.Equal(t, "Iceland", rec.Attributes["country"])
}
