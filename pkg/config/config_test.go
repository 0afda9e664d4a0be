package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triaddb/triad/pkg/store"
)

func TestDefault(t *testing.T) {
	cfg := Default("products")
	assert.Equal(t, "products", cfg.StoreName)
	assert.Equal(t, "cbd", cfg.PodName)
	assert.Equal(t, "sync", cfg.Routing.Views)
	assert.Equal(t, "async", cfg.Routing.Tables)
	assert.Equal(t, "async", cfg.Routing.Search)
	assert.Equal(t, 20, cfg.LockAttempts)
	assert.Equal(t, 25*time.Millisecond, cfg.LockBackoff)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	write := func(t *testing.T, body string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "triad.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	t.Run("full configuration", func(t *testing.T) {
		path := write(t, `
store: products
pod: products-cbd
default_context: http://example.org/graphs/products
cardinality:
  http://example.org/sku: 1
views:
  - id: product_card
    type: http://example.org/Product
    predicates:
      - http://example.org/name
tables:
  - id: product_row
    type: http://example.org/Product
    queue: tables
search:
  - id: product_search
    type: http://example.org/Product
routing:
  views: sync
  tables: async
  search: async
lock_attempts: 5
lock_backoff: 10ms
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "products", cfg.StoreName)
		assert.Equal(t, "products-cbd", cfg.PodName)
		assert.Equal(t, 5, cfg.LockAttempts)
		assert.Equal(t, 10*time.Millisecond, cfg.LockBackoff)
		assert.True(t, cfg.HasSearch())

		spec, op, ok := cfg.SpecByID("product_row")
		require.True(t, ok)
		assert.Equal(t, store.OpTables, op)
		assert.Equal(t, "tables", spec.QueueName())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("TRIAD_LOCK_ATTEMPTS", "3")
		t.Setenv("TRIAD_LOG_LEVEL", "debug")
		path := write(t, "store: products\n")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.LockAttempts)
		assert.Equal(t, "debug", cfg.LogLevel)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default("products")
		cfg.Views = []Specification{{ID: "product_card", Type: "http://example.org/Product"}}
		return cfg
	}

	t.Run("valid configuration passes", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})

	t.Run("store name required", func(t *testing.T) {
		cfg := base()
		cfg.StoreName = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("duplicate spec ids rejected", func(t *testing.T) {
		cfg := base()
		cfg.Tables = []Specification{{ID: "product_card", Type: "http://example.org/Product"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("spec without type filter rejected", func(t *testing.T) {
		cfg := base()
		cfg.Tables = []Specification{{ID: "product_row"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("aggregate spec requires ttl", func(t *testing.T) {
		cfg := base()
		cfg.Tables = []Specification{{ID: "daily_rollup", Type: "http://example.org/Product", Aggregate: true}}
		assert.Error(t, cfg.Validate())
		cfg.Tables[0].TTL = 24 * time.Hour
		assert.NoError(t, cfg.Validate())
	})

	t.Run("only cardinality 1 supported", func(t *testing.T) {
		cfg := base()
		cfg.Cardinality = map[string]int{"http://example.org/sku": 2}
		assert.Error(t, cfg.Validate())
	})

	t.Run("routing mode must be sync or async", func(t *testing.T) {
		cfg := base()
		cfg.Routing.Tables = "deferred"
		assert.Error(t, cfg.Validate())
	})
}

func TestActiveOps(t *testing.T) {
	cfg := Default("products")
	cfg.Views = []Specification{{ID: "product_card", Type: "http://example.org/Product"}}
	cfg.Tables = []Specification{{ID: "product_row", Type: "http://example.org/Product"}}
	assert.Equal(t, []store.OpType{store.OpViews, store.OpTables}, cfg.ActiveOps())
	assert.False(t, cfg.HasSearch())
}

func TestRoutingAsync(t *testing.T) {
	p := RoutingPolicy{Views: "sync", Tables: "async", Search: "async"}
	assert.False(t, p.Async(store.OpViews))
	assert.True(t, p.Async(store.OpTables))
	assert.True(t, p.Async(store.OpSearch))

	p = RoutingPolicy{Views: "async", Tables: "sync", Search: "sync"}
	assert.True(t, p.Async(store.OpViews))
	assert.False(t, p.Async(store.OpTables))
	assert.False(t, p.Async(store.OpSearch))
}
