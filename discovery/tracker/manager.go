package tracker

import (
	"context"
	"net/url"
	"sync"

	"github.com/nvilla/bitpeer/discovery"
)

// announcer is satisfied by both HTTPClient and UDPClient's announce loops.
type announcer interface {
	AnnounceLoop(ctx context.Context, port int, left func() int64, agg *discovery.Aggregator)
}

// Manager runs one announce loop per tracker URL concurrently, the way
// the teacher's QueryTrackers fans a request out to every tracker and
// collects results over a channel — generalized here from one-shot
// collection into indefinitely-running per-tracker loops, since each
// AnnounceLoop already forwards through the shared Aggregator.
type Manager struct {
	announcers []announcer
}

// NewManager builds one HTTPClient or UDPClient per tracker URL
// (announce-list order; a URL listed twice gets two clients).
// headersByTracker and cookieByTracker are keyed by the tracker's
// announce URL (spec §6's tracker_headers/tracker_cookies settings,
// keyed per-URL rather than applied globally); a tracker with no entry
// gets no extra headers/cookie.
func NewManager(trackers []*url.URL, infoHash, peerID [20]byte, headersByTracker map[string]map[string]string, cookieByTracker map[string]string) *Manager {
	m := &Manager{}
	for _, u := range trackers {
		key := u.String()
		switch u.Scheme {
		case "http", "https":
			m.announcers = append(m.announcers, NewHTTPClient(u, infoHash, peerID, headersByTracker[key], cookieByTracker[key]))
		case "udp", "udp4", "udp6":
			c, err := NewUDPClient(u, infoHash, peerID)
			if err != nil {
				continue
			}
			m.announcers = append(m.announcers, c)
		}
	}
	return m
}

// Run starts every tracker's announce loop and blocks until ctx is
// cancelled and all loops have returned.
func (m *Manager) Run(ctx context.Context, port int, left func() int64, agg *discovery.Aggregator) {
	done := make(chan struct{}, len(m.announcers))
	for _, a := range m.announcers {
		go func(a announcer) {
			a.AnnounceLoop(ctx, port, left, agg)
			done <- struct{}{}
		}(a)
	}
	for range m.announcers {
		<-done
	}
}

// Count reports how many tracker clients were built (for diagnostics).
func (m *Manager) Count() int { return len(m.announcers) }

// AnnounceStopped sends a best-effort "stopped" event to every HTTP
// tracker (BEP 3); our UDP client (BEP 15) does not implement the event
// parameter, so UDP trackers simply age the peer out at their next
// interval instead. ctx should carry a short deadline — this is called
// during shutdown and must not block it indefinitely.
func (m *Manager) AnnounceStopped(ctx context.Context, port int, left int64) {
	var wg sync.WaitGroup
	for _, a := range m.announcers {
		hc, ok := a.(*HTTPClient)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(hc *HTTPClient) {
			defer wg.Done()
			hc.Announce(ctx, EventStopped, port, 0, 0, left)
		}(hc)
	}
	wg.Wait()
}
