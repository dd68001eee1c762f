package lsd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvilla/bitpeer/discovery"
)

func TestBuildAndParseAnnounceRoundTrip(t *testing.T) {
	var hash [20]byte
	for i := range hash {
		hash[i] = byte(i)
	}
	msg := buildAnnounce(hash, 6881)

	gotHash, gotPort, err := parseAnnounce(msg)
	require.NoError(t, err)
	assert.Equal(t, hash, gotHash)
	assert.Equal(t, 6881, gotPort)
}

func TestParseAnnounceRejectsMissingInfohash(t *testing.T) {
	msg := []byte("BT-SEARCH * HTTP/1.1\r\nHost: 239.192.152.143:6771\r\nPort: 6881\r\n\r\n\r\n")
	_, _, err := parseAnnounce(msg)
	assert.Error(t, err)
}

func TestParseAnnounceRejectsBadPort(t *testing.T) {
	msg := []byte("BT-SEARCH * HTTP/1.1\r\nPort: notanumber\r\nInfohash: " +
		"0102030405060708090a0b0c0d0e0f1011121314\r\n\r\n\r\n")
	_, _, err := parseAnnounce(msg)
	assert.Error(t, err)
}

func TestParseAnnounceRejectsShortInfohash(t *testing.T) {
	msg := []byte("BT-SEARCH * HTTP/1.1\r\nPort: 6881\r\nInfohash: abcd\r\n\r\n\r\n")
	_, _, err := parseAnnounce(msg)
	assert.Error(t, err)
}

func TestListenerWatchUnwatch(t *testing.T) {
	l := &Listener{watching: make(map[[20]byte]*discovery.Aggregator)}
	var hash [20]byte
	agg := discovery.New(0, nil)

	l.Watch(hash, agg)
	got, ok := l.aggregatorFor(hash)
	assert.True(t, ok)
	assert.Same(t, agg, got)

	l.Unwatch(hash)
	_, ok = l.aggregatorFor(hash)
	assert.False(t, ok)
}
