// Package tracker implements the HTTP and UDP tracker clients from spec
// §4.9. Grounded on the teacher's tracker.go (QueryHTTPTracker,
// QueryUDPTracker, buildAnnounceURL, parseCompactPeers), generalized from
// one-shot queries into long-lived per-tracker announce loops that honor
// interval/min_interval and back off on failure.
package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/nvilla/bitpeer/bencode"
	"github.com/nvilla/bitpeer/discovery"
)

// Event is the BEP 3 "event" announce parameter.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

const (
	httpTimeout          = 30 * time.Second
	defaultReannounce    = 30 * time.Minute
	backoffInitial       = 5 * time.Second
	backoffMax           = 15 * time.Minute
)

// Response is a parsed HTTP tracker announce response.
type Response struct {
	Interval    int
	MinInterval int
	Peers       []discovery.Endpoint
}

// HTTPClient announces to one HTTP/HTTPS tracker, applying configured
// headers and a raw Cookie header to every request (spec §6).
type HTTPClient struct {
	announceURL *url.URL
	infoHash    [20]byte
	peerID      [20]byte
	headers     map[string]string
	cookie      string
	client      *http.Client
	log         *logrus.Entry
}

// NewHTTPClient builds a client for one tracker announce URL. cookie, if
// non-empty, is sent verbatim as the request's Cookie header.
func NewHTTPClient(announceURL *url.URL, infoHash, peerID [20]byte, headers map[string]string, cookie string) *HTTPClient {
	return &HTTPClient{
		announceURL: announceURL,
		infoHash:    infoHash,
		peerID:      peerID,
		headers:     headers,
		cookie:      cookie,
		client:      &http.Client{Timeout: httpTimeout},
		log:         logrus.WithField("component", "tracker").WithField("tracker", announceURL.Host),
	}
}

// Announce performs one announce request. port is our listen port;
// uploaded/downloaded/left are BEP 3 byte counters.
func (c *HTTPClient) Announce(ctx context.Context, event Event, port int, uploaded, downloaded, left int64) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(event, port, uploaded, downloaded, left), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: build request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: status %s", res.Status)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("tracker: read body: %w", err)
	}
	val, _, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}
	return parseResponse(val)
}

func (c *HTTPClient) buildURL(event Event, port int, uploaded, downloaded, left int64) string {
	q := url.Values{
		"info_hash":  {string(c.infoHash[:])},
		"peer_id":    {string(c.peerID[:])},
		"port":       {strconv.Itoa(port)},
		"uploaded":   {strconv.FormatInt(uploaded, 10)},
		"downloaded": {strconv.FormatInt(downloaded, 10)},
		"left":       {strconv.FormatInt(left, 10)},
		"compact":    {"1"},
	}
	if event != EventNone {
		q.Set("event", string(event))
	}
	u := *c.announceURL
	u.RawQuery = q.Encode()
	return u.String()
}

// AnnounceLoop announces periodically until ctx is cancelled: "started"
// first, then unmarked announces on the tracker's interval, forwarding
// discovered peers to agg, and backing off exponentially on failure
// (spec §4.9). left reports current bytes-remaining at announce time.
func (c *HTTPClient) AnnounceLoop(ctx context.Context, port int, left func() int64, agg *discovery.Aggregator) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.MaxInterval = backoffMax
	bo.MaxElapsedTime = 0 // retry indefinitely; the caller's ctx owns cancellation

	event := EventStarted
	for {
		resp, err := c.Announce(ctx, event, port, 0, 0, left())
		if err != nil {
			c.log.WithError(err).Warn("announce failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()
		event = EventNone

		for _, ep := range resp.Peers {
			agg.Feed(ep, "tracker:"+c.announceURL.Host)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reannounceInterval(resp)):
		}
	}
}

func reannounceInterval(resp *Response) time.Duration {
	interval := time.Duration(resp.Interval) * time.Second
	if resp.MinInterval > 0 {
		if min := time.Duration(resp.MinInterval) * time.Second; interval < min {
			interval = min
		}
	}
	if interval <= 0 {
		interval = defaultReannounce
	}
	return interval
}

func parseResponse(v bencode.Value) (*Response, error) {
	if v.Kind != bencode.KindDict {
		return nil, fmt.Errorf("tracker: response is not a dictionary")
	}
	if failure, ok := v.Get("failure reason"); ok {
		return nil, fmt.Errorf("tracker: failure reason: %s", failure.Str)
	}

	resp := &Response{}
	if iv, ok := v.Get("interval"); ok {
		resp.Interval = int(iv.Int)
	}
	if mv, ok := v.Get("min interval"); ok {
		resp.MinInterval = int(mv.Int)
	}

	if pv, ok := v.Get("peers"); ok && pv.Kind == bencode.KindString {
		peers, err := parseCompactPeers(pv.Str, false)
		if err != nil {
			return nil, err
		}
		resp.Peers = append(resp.Peers, peers...)
	}
	if pv, ok := v.Get("peers6"); ok && pv.Kind == bencode.KindString {
		if peers, err := parseCompactPeers(pv.Str, true); err == nil {
			resp.Peers = append(resp.Peers, peers...)
		}
	}
	return resp, nil
}

func parseCompactPeers(data []byte, ipv6 bool) ([]discovery.Endpoint, error) {
	ipSize := net.IPv4len
	if ipv6 {
		ipSize = net.IPv6len
	}
	peerSize := ipSize + 2
	if len(data)%peerSize != 0 {
		return nil, fmt.Errorf("tracker: compact peer list length %d not divisible by %d", len(data), peerSize)
	}
	out := make([]discovery.Endpoint, 0, len(data)/peerSize)
	for i := 0; i < len(data); i += peerSize {
		ip := net.IP(data[i : i+ipSize])
		port := binary.BigEndian.Uint16(data[i+ipSize : i+peerSize])
		out = append(out, discovery.Endpoint{IP: append(net.IP(nil), ip...), Port: int(port)})
	}
	return out, nil
}
