package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
)

const defaultDatasetCacheSize = 4096

// DatasetResolverSettings configures DatasetResolver.
type DatasetResolverSettings struct {
	BaseURL          string
	APIToken         string
	BrowsePath       string
	DatasetPrefix    string
	DatasetCount     int  // size of the <Prefix>, <Prefix>2, ... family probed
	Override         string
	AutoCreate       bool
	PageSize         int
}

func (s *DatasetResolverSettings) applyDefaults() {
	if s.BrowsePath == "" {
		s.BrowsePath = "/browse"
	}
	if s.DatasetCount <= 0 {
		s.DatasetCount = 1
	}
	if s.PageSize <= 0 {
		s.PageSize = 500
	}
}

type browseRequest struct {
	SessionToken string `json:"sessionToken,omitempty"`
	APIToken     string `json:"apiToken"`
	Path         string `json:"path"`
	Deep         bool   `json:"deep"`
	MaxSize      int    `json:"maxSize"`
	Continuation string `json:"continuation,omitempty"`
}

type browseEntry struct {
	FullPath string `json:"fullPath"`
}

type browseResponse struct {
	Entries      []browseEntry `json:"entries"`
	Continuation string        `json:"continuation"`
}

// DatasetResolver discovers which named dataset in a configurable
// prefix family (<Prefix>, <Prefix>2, ...) holds the tag for a given
// canonical path, via a paged deep browse. Results are cached per path
// for the resolver's lifetime; a cache hit never re-browses.
type DatasetResolver struct {
	settings DatasetResolverSettings
	client   *http.Client
	tokens   func(ctx context.Context) (string, error)
	cache    *lru.Cache[string, string]
}

func NewDatasetResolver(settings DatasetResolverSettings, client *http.Client, tokens func(ctx context.Context) (string, error)) (*DatasetResolver, error) {
	settings.applyDefaults()
	if client == nil {
		client = &http.Client{}
	}
	cache, err := lru.New[string, string](defaultDatasetCacheSize)
	if err != nil {
		return nil, errs.New(errs.KindUnrecoverable, "construct dataset cache", err)
	}
	return &DatasetResolver{settings: settings, client: client, tokens: tokens, cache: cache}, nil
}

// Resolve returns the dataset name containing path, or ErrDatasetNotFound
// if no configured dataset has a tag whose full path matches exactly.
// In override mode the configured dataset is returned unconditionally.
// AutoCreate is only reported through AutoCreateEnabled; no request this
// package sends passes it on to the historian.
func (r *DatasetResolver) Resolve(ctx context.Context, path string) (string, error) {
	if r.settings.Override != "" {
		return r.settings.Override, nil
	}

	if cached, ok := r.cache.Get(path); ok {
		return cached, nil
	}

	for i := 0; i < r.settings.DatasetCount; i++ {
		dataset := r.settings.DatasetPrefix
		if i > 0 {
			dataset = fmt.Sprintf("%s%d", r.settings.DatasetPrefix, i+1)
		}
		found, err := r.browseForPath(ctx, dataset, path)
		if err != nil {
			return "", err
		}
		if found {
			r.cache.Add(path, dataset)
			return dataset, nil
		}
	}
	return "", errs.New(errs.KindDatasetNotFound, path, nil)
}

// AutoCreateEnabled reports whether dataset auto-creation should be
// requested; only meaningful, per the spec, when running in override mode.
func (r *DatasetResolver) AutoCreateEnabled() bool {
	return r.settings.Override != "" && r.settings.AutoCreate
}

func (r *DatasetResolver) browseForPath(ctx context.Context, dataset, path string) (bool, error) {
	continuation := ""
	for {
		token := ""
		if r.tokens != nil {
			t, err := r.tokens(ctx)
			if err != nil {
				return false, err
			}
			token = t
		}

		reqBody := browseRequest{
			SessionToken: token,
			APIToken:     r.settings.APIToken,
			Path:         dataset,
			Deep:         true,
			MaxSize:      r.settings.PageSize,
			Continuation: continuation,
		}
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return false, errs.New(errs.KindUnrecoverable, "marshal browse request", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.settings.BaseURL+r.settings.BrowsePath, bytes.NewReader(encoded))
		if err != nil {
			return false, errs.New(errs.KindUnrecoverable, "build browse request", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(httpReq)
		if err != nil {
			return false, errs.New(errs.KindTransientNetwork, "browse request failed", err)
		}
		var decoded browseResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&decoded)
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return false, errs.New(errs.KindTransientNetwork, fmt.Sprintf("browse returned %d", resp.StatusCode), nil)
		}
		if resp.StatusCode == 404 {
			return false, nil
		}
		if resp.StatusCode >= 400 {
			return false, errs.New(errs.KindValidation, fmt.Sprintf("browse returned %d", resp.StatusCode), nil)
		}
		if decodeErr != nil {
			return false, errs.New(errs.KindUnrecoverable, "decode browse response", decodeErr)
		}

		for _, entry := range decoded.Entries {
			if entry.FullPath == path {
				return true, nil
			}
		}
		if decoded.Continuation == "" {
			return false, nil
		}
		continuation = decoded.Continuation
	}
}
