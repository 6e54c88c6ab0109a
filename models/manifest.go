// Package models holds the model registry contract the control plane
// consumes: manifest records and storage URI composition. Persistent
// registry backends live behind the Catalog interface.
package models

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/convergelabs/modelgate/core"
)

// Manifest describes one registered model version
type Manifest struct {
	ModelID    string    `json:"model_id"`
	Version    string    `json:"version"`
	TenantID   string    `json:"tenant_id"`
	Format     string    `json:"format"` // gguf, onnx, pytorch
	StorageURI string    `json:"storage_uri"`
	Checksum   string    `json:"checksum"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Catalog is the narrow registry interface the control plane consumes
type Catalog interface {
	Lookup(modelID, version string) (Manifest, bool)
	List() []Manifest
}

// tenantSanitizer restricts tenant path components to [A-Za-z0-9_-]
var tenantSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeTenantID maps arbitrary tenant ids to a storage-safe path
// component
func SanitizeTenantID(tenantID string) string {
	return tenantSanitizer.ReplaceAllString(tenantID, "_")
}

// BuildStorageURI composes the canonical object path
// {pathPrefix}/{tenantId}/{modelId}/{version} under the given root.
// Root must use one of the file://, s3:// or gs:// schemes.
func BuildStorageURI(root, pathPrefix, tenantID, modelID, version string) (string, error) {
	if err := ValidateStorageRoot(root); err != nil {
		return "", err
	}
	parts := []string{strings.TrimSuffix(root, "/")}
	if pathPrefix != "" {
		parts = append(parts, strings.Trim(pathPrefix, "/"))
	}
	parts = append(parts, SanitizeTenantID(tenantID), modelID, version)
	return strings.Join(parts, "/"), nil
}

// ValidateStorageRoot checks the URI scheme against the supported set
func ValidateStorageRoot(root string) error {
	u, err := url.Parse(root)
	if err != nil {
		return fmt.Errorf("invalid storage root %q: %w", root, err)
	}
	switch u.Scheme {
	case "file", "s3", "gs":
		return nil
	default:
		return fmt.Errorf("unsupported storage scheme %q: %w", u.Scheme, core.ErrInvalidConfiguration)
	}
}

// MemoryCatalog is an in-process Catalog for single-node deployments
// and tests. Keys are (modelID, version); version "" resolves to the
// most recently updated entry for the model.
type MemoryCatalog struct {
	mu      sync.RWMutex
	entries map[string]Manifest // modelID@version
}

// NewMemoryCatalog creates an empty catalog
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: make(map[string]Manifest)}
}

func catalogKey(modelID, version string) string {
	return modelID + "@" + version
}

// Register adds or replaces a manifest
func (c *MemoryCatalog) Register(m Manifest) error {
	if m.ModelID == "" || m.Version == "" {
		return fmt.Errorf("manifest requires model id and version: %w", core.ErrInvalidConfiguration)
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	c.mu.Lock()
	c.entries[catalogKey(m.ModelID, m.Version)] = m
	c.mu.Unlock()
	return nil
}

// Lookup resolves a manifest by model id and version
func (c *MemoryCatalog) Lookup(modelID, version string) (Manifest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if version != "" {
		m, ok := c.entries[catalogKey(modelID, version)]
		return m, ok
	}

	var latest Manifest
	var found bool
	for _, m := range c.entries {
		if m.ModelID != modelID {
			continue
		}
		if !found || m.UpdatedAt.After(latest.UpdatedAt) {
			latest = m
			found = true
		}
	}
	return latest, found
}

// List returns all registered manifests
func (c *MemoryCatalog) List() []Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Manifest, 0, len(c.entries))
	for _, m := range c.entries {
		out = append(out, m)
	}
	return out
}
