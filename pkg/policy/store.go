package policy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/harborline/backoffice/pkg/config"
	"github.com/harborline/backoffice/pkg/observability"
)

// TypeKeyRoleScopePolicy is the metadata-registry type key holding the
// published role-scope policy document.
const TypeKeyRoleScopePolicy = "role_scope_policy"

const (
	cacheKeyDB      = "db"
	cacheKeyDefault = "default"
)

var metadataLog = logrus.WithField("component", "role_scope_metadata")

// RegistryReader is the metadata versioning collaborator. GetPublishedPayload
// returns the currently published JSON payload and version for a type key, or
// a nil payload when nothing is published.
type RegistryReader interface {
	GetPublishedPayload(ctx context.Context, typeKey string) (payload []byte, versionNo int, err error)
}

// MetadataStore loads, caches, and serves the policy document.
//
// Load order is first-success-wins: the published DB row when DB reads are
// enabled, then the configured file, then the embedded default. Every load
// failure is logged and falls through to the next source, never surfaced to
// the caller, so authorization always has a document to evaluate against.
type MetadataStore struct {
	cfg      config.MetadataConfig
	registry RegistryReader
	cache    *expirable.LRU[string, *Document]
	metrics  *observability.Metrics
}

// NewMetadataStore creates a metadata store. registry may be nil when DB
// reads are disabled.
func NewMetadataStore(cfg config.MetadataConfig, registry RegistryReader) *MetadataStore {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Nanosecond
	}
	return &MetadataStore{
		cfg:      cfg,
		registry: registry,
		cache:    expirable.NewLRU[string, *Document](4, nil, ttl),
	}
}

// SetMetrics attaches load and cache counters. The store works without them.
func (s *MetadataStore) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// sourceLabel collapses cache keys ("db", "file:<path>", "default") to a
// bounded metric label.
func sourceLabel(key string) string {
	if source, _, found := strings.Cut(key, ":"); found {
		return source
	}
	return key
}

func (s *MetadataStore) recordLoad(source, status string) {
	if s.metrics != nil {
		s.metrics.MetadataLoadsTotal.WithLabelValues(source, status).Inc()
	}
}

func (s *MetadataStore) dbReadEnabled() bool {
	mode := strings.ToLower(strings.TrimSpace(s.cfg.ReadMode))
	return s.cfg.FrameworkEnabled && mode == "db"
}

func (s *MetadataStore) cacheGet(key string) (*Document, bool) {
	doc, ok := s.cache.Get(key)
	if !ok || doc == nil {
		if s.metrics != nil {
			s.metrics.MetadataCacheMissesTotal.WithLabelValues(sourceLabel(key)).Inc()
		}
		return nil, false
	}
	if s.metrics != nil {
		s.metrics.MetadataCacheHitsTotal.WithLabelValues(sourceLabel(key)).Inc()
	}
	return doc.Clone(), true
}

func (s *MetadataStore) cachePut(key string, doc *Document) {
	s.cache.Add(key, doc.Clone())
}

// Reset clears every cached document, forcing re-resolution on the next Get.
// Tests use this between cases; the file watcher uses it on change.
func (s *MetadataStore) Reset() {
	s.cache.Purge()
}

// Get returns the current policy document. It never fails: broken sources
// degrade to the next one and ultimately to the embedded default.
func (s *MetadataStore) Get(ctx context.Context) *Document {
	if s.dbReadEnabled() {
		if doc, ok := s.cacheGet(cacheKeyDB); ok {
			return doc
		}
		if doc := s.loadFromDB(ctx); doc != nil {
			s.recordLoad("db", "ok")
			s.cachePut(cacheKeyDB, doc)
			return doc
		}
		s.recordLoad("db", "error")
	}

	if path := strings.TrimSpace(s.cfg.PolicyPath); path != "" {
		key := "file:" + path
		if doc, ok := s.cacheGet(key); ok {
			return doc
		}
		if doc := s.loadFromFile(path); doc != nil {
			s.recordLoad("file", "ok")
			s.cachePut(key, doc)
			return doc
		}
		s.recordLoad("file", "error")
	}

	if doc, ok := s.cacheGet(cacheKeyDefault); ok {
		return doc
	}
	doc := DefaultDocument()
	s.recordLoad("default", "ok")
	s.cachePut(cacheKeyDefault, doc)
	return doc
}

func (s *MetadataStore) loadFromDB(ctx context.Context) *Document {
	if s.registry == nil {
		metadataLog.Warn("metadata db read enabled but no registry configured")
		return nil
	}

	payload, versionNo, err := s.registry.GetPublishedPayload(ctx, TypeKeyRoleScopePolicy)
	if err != nil {
		metadataLog.WithError(err).WithField("type_key", TypeKeyRoleScopePolicy).
			Warn("failed to read published policy metadata")
		return nil
	}
	if payload == nil {
		metadataLog.WithField("type_key", TypeKeyRoleScopePolicy).
			Warn("no published policy metadata found")
		return nil
	}

	doc, err := ParseDocument(payload)
	if err != nil {
		metadataLog.WithError(err).WithFields(logrus.Fields{
			"type_key": TypeKeyRoleScopePolicy,
			"version":  versionNo,
		}).Warn("published policy metadata has invalid shape")
		return nil
	}

	metadataLog.WithFields(logrus.Fields{
		"type_key": TypeKeyRoleScopePolicy,
		"version":  versionNo,
	}).Info("loaded policy metadata from db")
	return doc
}

func (s *MetadataStore) loadFromFile(path string) *Document {
	data, err := os.ReadFile(path)
	if err != nil {
		metadataLog.WithError(err).WithField("path", path).
			Warn("policy metadata file not readable")
		return nil
	}

	doc, err := ParseDocument(data)
	if err != nil {
		metadataLog.WithError(err).WithField("path", path).
			Warn("policy metadata file has invalid JSON")
		return nil
	}
	return doc
}

// Watch resets the cache whenever the configured policy file changes, giving
// hot reload ahead of TTL expiry. The watcher stops when ctx is canceled.
func (s *MetadataStore) Watch(ctx context.Context) error {
	path := strings.TrimSpace(s.cfg.PolicyPath)
	if path == "" {
		return fmt.Errorf("no policy file path configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy file %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					metadataLog.WithField("path", path).Info("policy file changed, resetting metadata cache")
					s.Reset()
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				metadataLog.WithError(watchErr).Warn("policy file watcher error")
			}
		}
	}()

	return nil
}
