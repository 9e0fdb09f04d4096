package tiles

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const osmTileURL = "https://tile.openstreetmap.org/%d/%d/%d.png"
const esriTileURL = "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/%d/%d/%d"

const fetcherUserAgent = "geogram-station/1.0"

// maxTileBytes caps origin downloads; raster tiles are tens of kilobytes.
const maxTileBytes = 512 * 1024

// HTTPFetcher downloads tiles from public map origins.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds a fetcher with a dedicated HTTP client.  Per-fetch
// deadlines come from the caller's context.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{}}
}

// Fetch implements [Fetcher].
func (f *HTTPFetcher) Fetch(ctx context.Context, key Key) ([]byte, error) {
	var url string
	if key.Layer == LayerSatellite {
		// Esri addresses tiles as z/y/x.
		url = fmt.Sprintf(esriTileURL, key.Z, key.Y, key.X)
	} else {
		url = fmt.Sprintf(osmTileURL, key.Z, key.X, key.Y)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", fetcherUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("origin status %d for %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return nil, err
	}
	return data, nil
}
