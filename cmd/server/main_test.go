package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/db/memstore"
	"hybridrag/internal/db/sqlstore"
	"hybridrag/internal/platform/config"
)

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		url    string
		want   any
	}{
		{"memory", "memory", "", &memstore.Store{}},
		{"sqlite", sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "rag.db"), &sqlstore.Store{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.AppConfig{Store: config.StoreConfig{Driver: tt.driver, URL: tt.url}}
			store, err := openStore(context.Background(), cfg)
			require.NoError(t, err)
			assert.IsType(t, tt.want, store)
			require.NoError(t, store.Ping(context.Background()))
			assert.NoError(t, store.Close())
		})
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	cfg := &config.AppConfig{Store: config.StoreConfig{Driver: "mongo"}}
	_, err := openStore(context.Background(), cfg)
	assert.Error(t, err)
}
