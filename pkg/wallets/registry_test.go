package wallets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const listJSON = `[
  {"app_name":"a","name":"A","universal_url":"https://a.example/tc","bridge":[{"type":"sse","url":"https://bridge.example/bridge/"}]},
  {"app_name":"b","name":"B","universal_url":"https://b.example/tc","bridge":[{"type":"sse","url":"https://bridge.example/bridge"}]},
  {"app_name":"c","name":"C","bridge":[{"type":"js","key":"c"}]},
  {"app_name":"d","name":"D","universal_url":"https://d.example","bridge":[{"type":"js","key":"d"},{"type":"sse","url":"https://other.example"}]}
]`

func TestRegistryFetchesAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(listJSON))
	}))
	defer srv.Close()

	reg := NewRegistry(WithListURL(srv.URL))
	defer reg.Close()

	list, err := reg.Wallets(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 4)

	w, err := reg.Wallet(context.Background(), "d")
	require.NoError(t, err)
	require.Equal(t, "https://other.example", w.BridgeURL())
	require.EqualValues(t, 1, hits.Load())

	_, err = reg.Wallet(context.Background(), "zzz")
	require.Error(t, err)
}

func TestRegistryFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := NewRegistry(WithListURL(srv.URL))
	defer reg.Close()

	list, err := reg.Wallets(context.Background())
	require.NoError(t, err)
	require.Equal(t, Fallback, list)

	reg = NewRegistry(WithListURL(srv.URL), WithFallback(nil))
	defer reg.Close()
	_, err = reg.Wallets(context.Background())
	require.Error(t, err)
}

func TestSourcesDedupByBridge(t *testing.T) {
	list := []AppWallet{
		{AppName: "a", UniversalURL: "ua", Bridge: []BridgeEntry{{Type: "sse", URL: "https://x/"}}},
		{AppName: "b", UniversalURL: "ub", Bridge: []BridgeEntry{{Type: "sse", URL: "https://x"}}},
		{AppName: "c", Bridge: []BridgeEntry{{Type: "js", Key: "c"}}},
		{AppName: "d", UniversalURL: "ud", Bridge: []BridgeEntry{{Type: "sse", URL: "https://y"}}},
	}
	got := Sources(list)
	require.Equal(t, []ConnectionSource{
		{AppName: "a", BridgeURL: "https://x", UniversalURL: "ua"},
		{AppName: "d", BridgeURL: "https://y", UniversalURL: "ud"},
	}, got)
}
