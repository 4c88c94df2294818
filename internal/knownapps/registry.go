// Package knownapps resolves client identities to the applications listed
// in the known client apps dataset. The dataset is fetched once and shared
// by every lookup made during the process lifetime.
package knownapps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/tidwall/jsonc"
)

// DatasetPath is the relative resource path of the known client apps dataset.
const DatasetPath = "pcsc_lite_server_clients_management/known_client_apps.json"

var (
	ErrNotFound    = errors.New("knownapps: app not found")
	ErrFetchFailed = errors.New("knownapps: fetching known apps failed")
	ErrTooLarge    = errors.New("knownapps: dataset too large")
)

type KnownApp struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Fetcher performs the one-shot read of the raw dataset.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

type FetcherFunc func(ctx context.Context) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// Registry answers lookups against the fetched dataset. Every caller waits
// on the same pending result, so concurrent lookups made before the fetch
// completes observe one dataset and trigger one fetch.
type Registry struct {
	fetcher Fetcher
	logger  *log.Logger

	mu      sync.Mutex
	pending *result
	fetches int
}

type result struct {
	done chan struct{}
	apps map[string]KnownApp
	err  error
}

// New creates the registry and starts fetching the dataset.
func New(fetcher Fetcher, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	r := &Registry{fetcher: fetcher, logger: logger}
	r.mu.Lock()
	r.startFetchLocked()
	r.mu.Unlock()
	return r
}

func (r *Registry) startFetchLocked() {
	res := &result{done: make(chan struct{})}
	r.pending = res
	r.fetches++
	go func() {
		apps, err := r.load()
		if err != nil {
			r.logger.Printf("known apps unavailable: %v", err)
			res.err = fmt.Errorf("%w: %w", ErrFetchFailed, err)
		} else {
			r.logger.Printf("loaded %d known apps", len(apps))
			res.apps = apps
		}
		close(res.done)
	}()
}

func (r *Registry) load() (map[string]KnownApp, error) {
	data, err := r.fetcher.Fetch(context.Background())
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Retry starts a new fetch if the last one failed. It reports whether a
// fetch was started. The registry never retries on its own.
func (r *Registry) Retry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.pending.done:
	default:
		return false
	}
	if r.pending.err == nil {
		return false
	}
	r.startFetchLocked()
	return true
}

// Fetches reports how many times the dataset has been requested.
func (r *Registry) Fetches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches
}

func (r *Registry) wait(ctx context.Context) (map[string]KnownApp, error) {
	r.mu.Lock()
	res := r.pending
	r.mu.Unlock()
	select {
	case <-res.done:
		return res.apps, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) GetByID(ctx context.Context, id string) (KnownApp, error) {
	apps, err := r.wait(ctx)
	if err != nil {
		return KnownApp{}, err
	}
	app, ok := apps[id]
	if !ok {
		return KnownApp{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return app, nil
}

// TryGetByIDs returns one slot per id, in input order, holding nil where the
// id is not known.
func (r *Registry) TryGetByIDs(ctx context.Context, ids []string) ([]*KnownApp, error) {
	apps, err := r.wait(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*KnownApp, len(ids))
	for i, id := range ids {
		if app, ok := apps[id]; ok {
			app := app
			out[i] = &app
		}
	}
	return out, nil
}

// Apps lists the whole dataset sorted by id.
func (r *Registry) Apps(ctx context.Context) ([]KnownApp, error) {
	apps, err := r.wait(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]KnownApp, 0, len(apps))
	for _, app := range apps {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Parse decodes the dataset: an object mapping each client identity to an
// object with a "name" field. Comments and trailing commas are tolerated.
func Parse(data []byte) (map[string]KnownApp, error) {
	var raw map[string]struct {
		Name *string `json:"name"`
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("malformed known apps: %w", err)
	}
	if raw == nil {
		return nil, errors.New("malformed known apps: not an object")
	}
	apps := make(map[string]KnownApp, len(raw))
	for id, entry := range raw {
		if id == "" {
			return nil, errors.New("malformed known apps: empty id")
		}
		if entry.Name == nil {
			return nil, fmt.Errorf("malformed known apps: %q has no name", id)
		}
		apps[id] = KnownApp{ID: id, Name: *entry.Name}
	}
	return apps, nil
}
