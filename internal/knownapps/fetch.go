package knownapps

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"
)

const maxDatasetSize = 4 << 20

// HTTPFetcher reads the dataset from BaseURL joined with Path (DatasetPath
// when empty).
type HTTPFetcher struct {
	BaseURL string
	Path    string
	Client  *http.Client
}

func (f HTTPFetcher) URL() string {
	path := f.Path
	if path == "" {
		path = DatasetPath
	}
	return strings.TrimRight(f.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func (f HTTPFetcher) Fetch(ctx context.Context) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", f.URL(), resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDatasetSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDatasetSize {
		return nil, fmt.Errorf("fetch %s: %w", f.URL(), ErrTooLarge)
	}
	return data, nil
}

// FSFetcher reads the dataset from a file system, e.g. a bundled resource
// directory.
type FSFetcher struct {
	FS   fs.FS
	Path string
}

func (f FSFetcher) Fetch(ctx context.Context) ([]byte, error) {
	path := f.Path
	if path == "" {
		path = DatasetPath
	}
	data, err := fs.ReadFile(f.FS, path)
	if err != nil {
		return nil, err
	}
	if len(data) > maxDatasetSize {
		return nil, fmt.Errorf("read %s: %w", path, ErrTooLarge)
	}
	return data, nil
}
