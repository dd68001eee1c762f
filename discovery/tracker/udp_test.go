package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUDPTracker answers exactly one connect request and one announce
// request with BEP 15-shaped responses, then stops.
func fakeUDPTracker(t *testing.T, peerIP [4]byte, peerPort uint16) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for i := 0; i < 2; i++ {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := buf[:n]
			action := binary.BigEndian.Uint32(req[8:12])
			txID := binary.BigEndian.Uint32(req[12:16])

			switch action {
			case actionConnect:
				res := make([]byte, 16)
				binary.BigEndian.PutUint32(res, actionConnect)
				binary.BigEndian.PutUint32(res[4:], txID)
				binary.BigEndian.PutUint64(res[8:], 0xAABBCCDD)
				conn.WriteToUDP(res, addr)
			case actionAnnounce:
				res := make([]byte, 26)
				binary.BigEndian.PutUint32(res, actionAnnounce)
				binary.BigEndian.PutUint32(res[4:], txID)
				binary.BigEndian.PutUint32(res[8:], 1800) // interval
				binary.BigEndian.PutUint32(res[12:], 1)   // leechers
				binary.BigEndian.PutUint32(res[16:], 1)   // seeders
				copy(res[20:24], peerIP[:])
				binary.BigEndian.PutUint16(res[24:], peerPort)
				conn.WriteToUDP(res, addr)
			}
		}
	}()
	return conn
}

func TestUDPClientAnnounceRoundTrip(t *testing.T) {
	srv := fakeUDPTracker(t, [4]byte{203, 0, 113, 5}, 51413)
	trackerURL, err := url.Parse("udp://" + srv.LocalAddr().String())
	require.NoError(t, err)

	c, err := NewUDPClient(trackerURL, [20]byte{1}, [20]byte{2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Announce(ctx, 6881, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1800, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "203.0.113.5", resp.Peers[0].IP.String())
	assert.Equal(t, 51413, resp.Peers[0].Port)
}

func TestUDPClientCachesConnectionID(t *testing.T) {
	srv := fakeUDPTracker(t, [4]byte{1, 2, 3, 4}, 100)
	trackerURL, err := url.Parse("udp://" + srv.LocalAddr().String())
	require.NoError(t, err)

	c, err := NewUDPClient(trackerURL, [20]byte{1}, [20]byte{2})
	require.NoError(t, err)

	conn, err := net.DialUDP("udp", nil, c.addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	connID, err := c.connectionID(conn)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xAABBCCDD), connID)
	assert.False(t, c.connIDExpiry.IsZero())

	// second call within TTL should reuse the cached id without another round trip
	cached, err := c.connectionID(conn)
	require.NoError(t, err)
	assert.Equal(t, connID, cached)
}

func TestNewUDPClientRejectsNonUDPScheme(t *testing.T) {
	u, err := url.Parse("http://tracker.example")
	require.NoError(t, err)
	_, err = NewUDPClient(u, [20]byte{}, [20]byte{})
	assert.Error(t, err)
}
