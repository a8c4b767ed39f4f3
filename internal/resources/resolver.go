// Package resources resolves a package manifest's declared resource
// requirements into concrete bindings injected onto a dispatch's
// parameters, before the dispatcher hands the request to a worker.
package resources

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/basket/schedulercore/internal/contracts"
	"github.com/basket/schedulercore/internal/runstate"
)

// inlineTypes are resource types whose underlying bytes are read and
// embedded as a UTF-8 string value directly in the binding, rather than
// left for the worker to fetch by resourceId.
var inlineTypes = map[string]bool{
	"secret":      true,
	"token":       true,
	"api_key":     true,
	"apikey":      true,
	"key":         true,
	"credential":  true,
}

// DefaultMaxInlineBytes is the cutoff above which an inline-eligible
// resource is still left as a reference rather than read into the
// parameters document.
const DefaultMaxInlineBytes = 65536

// manifestCacheEntry holds a cached manifest; manifests are assumed
// immutable per (name, version) so entries never expire.
type manifestCacheEntry struct {
	manifest contracts.PackageManifest
}

// Resolver applies resource binding resolution to DispatchRequests,
// caching package manifests by (name, version).
type Resolver struct {
	catalog   contracts.PackageCatalog
	grants    contracts.ResourceGrantStore
	provider  contracts.ResourceProvider
	maxInline int64
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]manifestCacheEntry
}

// New creates a Resolver. maxInlineBytes<=0 uses DefaultMaxInlineBytes.
func New(catalog contracts.PackageCatalog, grants contracts.ResourceGrantStore, provider contracts.ResourceProvider, maxInlineBytes int64, logger *slog.Logger) *Resolver {
	if maxInlineBytes <= 0 {
		maxInlineBytes = DefaultMaxInlineBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		catalog:   catalog,
		grants:    grants,
		provider:  provider,
		maxInline: maxInlineBytes,
		logger:    logger,
		cache:     make(map[string]manifestCacheEntry),
	}
}

// Resolve mutates req.Parameters in place, injecting
// __resourceBindings[key] for every resource requirement the package
// manifest declares, and __resourceBindingErrors for any that could not be
// satisfied. The dispatch proceeds regardless so the worker can report a
// structured error for anything unresolved.
func (r *Resolver) Resolve(ctx context.Context, req *runstate.DispatchRequest, workflowScope string) {
	manifest, ok := r.manifestFor(ctx, req.Package.Name, req.Package.Version)
	if !ok || len(manifest.Resources) == 0 {
		return
	}

	if req.Parameters == nil {
		req.Parameters = make(map[string]any)
	}
	bindings := make(map[string]any)
	var errs []string

	for _, need := range manifest.Resources {
		binding, err := r.resolveOne(ctx, req.Package.Name, need, manifest, workflowScope)
		if err != nil {
			if need.Required {
				errs = append(errs, need.Key+": "+err.Error())
			}
			continue
		}
		bindings[need.Key] = binding
	}

	if len(bindings) > 0 {
		req.Parameters["__resourceBindings"] = bindings
	}
	if len(errs) > 0 {
		req.Parameters["__resourceBindingErrors"] = errs
		r.logger.Warn("resources: unresolved bindings", "package", req.Package.Name, "run", req.RunID, "task", req.TaskID, "errors", errs)
	}
}

func (r *Resolver) manifestFor(ctx context.Context, name, version string) (contracts.PackageManifest, bool) {
	key := name + "@" + version
	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return entry.manifest, true
	}

	m, err := r.catalog.GetManifest(ctx, name, version)
	if err != nil {
		return contracts.PackageManifest{}, false
	}
	r.mu.Lock()
	r.cache[key] = manifestCacheEntry{manifest: m}
	r.mu.Unlock()
	return m, true
}

type resourceBinding struct {
	ResourceID string         `json:"resourceId"`
	Type       string         `json:"type"`
	Filename   string         `json:"filename,omitempty"`
	MimeType   string         `json:"mimeType,omitempty"`
	SizeBytes  int64          `json:"sizeBytes"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Value      string         `json:"value,omitempty"`
}

// resolveOne looks up the newest workflow-scoped grant for a required
// resource key, falling back to a global grant, then reads the underlying
// bytes if the resource type or manifest metadata calls for inlining.
func (r *Resolver) resolveOne(ctx context.Context, packageName string, need contracts.ResourceRequirement, manifest contracts.PackageManifest, workflowScope string) (resourceBinding, error) {
	candidates, err := r.grants.List(ctx, packageName, need.Key, workflowScope)
	if err != nil {
		return resourceBinding{}, err
	}
	grant, ok := selectGrant(candidates, manifest.Name, manifest.Version)
	if !ok {
		return resourceBinding{}, errNoGrant{key: need.Key}
	}

	binding := resourceBinding{
		ResourceID: grant.ResourceID,
		Type:       grant.ResourceType,
		Filename:   grant.Filename,
		MimeType:   grant.MimeType,
		SizeBytes:  grant.SizeBytes,
		Metadata:   grant.Metadata,
	}

	forceInline, _ := manifest.Metadata["inline"].(bool)
	if !inlineTypes[grant.ResourceType] && !forceInline {
		return binding, nil
	}

	data, meta, err := r.provider.Open(ctx, grant.ResourceID)
	if err != nil {
		return resourceBinding{}, errInlineRead{key: need.Key, cause: err}
	}
	if int64(len(data)) > r.maxInline {
		return resourceBinding{}, errInlineRead{key: need.Key, cause: errTooLarge{size: int64(len(data)), limit: r.maxInline}}
	}
	binding.SizeBytes = meta.SizeBytes
	if utf8.Valid(data) {
		binding.Value = string(data)
	} else {
		binding.Value = base64.StdEncoding.EncodeToString(data)
	}
	return binding, nil
}

// selectGrant picks the newest grant whose packageVersion matches
// packageVersion or is unset; candidates are assumed pre-sorted
// newest-first within scope by the grant store.
func selectGrant(candidates []contracts.ResourceGrant, packageName, packageVersion string) (contracts.ResourceGrant, bool) {
	for _, g := range candidates {
		if g.PackageVersion == "" || g.PackageVersion == packageVersion {
			return g, true
		}
	}
	return contracts.ResourceGrant{}, false
}

type errNoGrant struct{ key string }

func (e errNoGrant) Error() string { return "no grant found for resource key " + e.key }

type errInlineRead struct {
	key   string
	cause error
}

func (e errInlineRead) Error() string { return "inline read failed for " + e.key + ": " + e.cause.Error() }
func (e errInlineRead) Unwrap() error { return e.cause }

type errTooLarge struct {
	size  int64
	limit int64
}

func (e errTooLarge) Error() string {
	return "resource too large to inline"
}
