package dht

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCachedNodesResolvesAddrs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	file := nodeCacheFile{
		Version: 1,
		Saved:   time.Now(),
		Nodes: []cachedNode{
			{ID: "0102030405060708090a0b0c0d0e0f1011121314", Addr: "127.0.0.1:6881"},
			{ID: "1112131415161718191a1b1c1d1e1f2021222324", Addr: "10.0.0.5:6882"},
		},
	}
	data, err := json.Marshal(file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	addrs, err := loadCachedNodes(path)
	require.NoError(t, err)
	assert.Len(t, addrs, 2)
}

func TestLoadCachedNodesSkipsUnresolvableEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	file := nodeCacheFile{
		Version: 1,
		Nodes: []cachedNode{
			{ID: "aa", Addr: "not-an-address"},
			{ID: "bb", Addr: "192.168.1.1:6881"},
		},
	}
	data, err := json.Marshal(file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	addrs, err := loadCachedNodes(path)
	require.NoError(t, err)
	assert.Len(t, addrs, 1)
}

func TestLoadCachedNodesErrorsWhenFileMissing(t *testing.T) {
	_, err := loadCachedNodes(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadCachedNodesErrorsWhenAllUnresolvable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	file := nodeCacheFile{Nodes: []cachedNode{{ID: "aa", Addr: "garbage"}}}
	data, err := json.Marshal(file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = loadCachedNodes(path)
	assert.Error(t, err)
}
