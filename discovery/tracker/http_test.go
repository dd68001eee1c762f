package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvilla/bitpeer/bencode"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestHTTPClientBuildURLIncludesRequiredParams(t *testing.T) {
	infoHash := [20]byte{1}
	peerID := [20]byte{2}
	c := NewHTTPClient(mustURL(t, "http://tracker.example/announce"), infoHash, peerID, nil, "")

	got := c.buildURL(EventStarted, 6881, 0, 0, 1000)
	u, err := url.Parse(got)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "6881", q.Get("port"))
	assert.Equal(t, "1000", q.Get("left"))
	assert.Equal(t, "1", q.Get("compact"))
	assert.Equal(t, "started", q.Get("event"))
}

func TestHTTPClientAnnounceParsesCompactPeers(t *testing.T) {
	resp := bencode.Dict()
	resp.Set("interval", bencode.Int(1800))
	resp.Set("peers", bencode.String(string([]byte{127, 0, 0, 1, 0x1a, 0xe1}))) // 127.0.0.1:6881
	body := bencode.Encode(resp)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		w.Write(body)
	}))
	defer srv.Close()

	c := NewHTTPClient(mustURL(t, srv.URL), [20]byte{1}, [20]byte{2}, nil, "")
	got, err := c.Announce(context.Background(), EventNone, 6881, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1800, got.Interval)
	require.Len(t, got.Peers, 1)
	assert.Equal(t, "127.0.0.1", got.Peers[0].IP.String())
	assert.Equal(t, 6881, got.Peers[0].Port)
}

func TestHTTPClientAnnounceReturnsFailureReason(t *testing.T) {
	resp := bencode.Dict()
	resp.Set("failure reason", bencode.String("banned"))
	body := bencode.Encode(resp)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c := NewHTTPClient(mustURL(t, srv.URL), [20]byte{1}, [20]byte{2}, nil, "")
	_, err := c.Announce(context.Background(), EventNone, 6881, 0, 0, 0)
	assert.ErrorContains(t, err, "banned")
}

func TestHTTPClientAppliesHeadersAndCookies(t *testing.T) {
	resp := bencode.Dict()
	resp.Set("interval", bencode.Int(60))
	body := bencode.Encode(resp)

	var gotHeader, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		gotCookie = r.Header.Get("Cookie")
		w.Write(body)
	}))
	defer srv.Close()

	c := NewHTTPClient(mustURL(t, srv.URL), [20]byte{1}, [20]byte{2},
		map[string]string{"X-Api-Key": "secret"}, "abc")
	_, err := c.Announce(context.Background(), EventNone, 6881, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "secret", gotHeader)
	assert.Equal(t, "abc", gotCookie)
}

func TestReannounceIntervalHonorsMinInterval(t *testing.T) {
	got := reannounceInterval(&Response{Interval: 10, MinInterval: 300})
	assert.Equal(t, 300*time.Second, got)
}

func TestReannounceIntervalFallsBackWhenZero(t *testing.T) {
	got := reannounceInterval(&Response{})
	assert.Equal(t, defaultReannounce, got)
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := parseCompactPeers([]byte{1, 2, 3}, false)
	assert.Error(t, err)
}

func TestParseCompactPeersIPv6(t *testing.T) {
	raw := make([]byte, 18)
	raw[15] = 1   // ::1
	raw[16] = 0x1a
	raw[17] = 0xe1
	peers, err := parseCompactPeers(raw, true)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, 6881, peers[0].Port)
}
