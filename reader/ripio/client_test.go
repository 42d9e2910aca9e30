package ripio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"bookflow/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{RestURL: srv.URL + "/api/v1/", Timeout: time.Second})
	return c, srv
}

func TestFetchSnapshot(t *testing.T) {
	var gotPath, gotLimit, gotAgent string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLimit = r.URL.Query().Get("limit")
		gotAgent = r.Header.Get("User-Agent")
		w.Write([]byte(`{"buy":[{"price":"99","amount":"1"},{"price":"100","amount":"2"},{"price":"98","amount":"1"}],
			"sell":[{"price":"101","amount":"1"}],"updated_id":42}`))
	})
	at := time.Unix(1700000000, 0)
	c.now = func() time.Time { return at }

	snap, err := c.FetchSnapshot(context.Background(), "BTC_USDC", 2)
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if gotPath != "/api/v1/orderbook/BTC_USDC/" || gotLimit != "2" {
		t.Fatalf("unexpected request %s limit=%s", gotPath, gotLimit)
	}
	if gotAgent != "bookflow" {
		t.Fatalf("unexpected user agent %q", gotAgent)
	}
	if snap.SequenceID != 42 || !snap.Timestamp.Equal(at) {
		t.Fatalf("unexpected snapshot header: %+v", snap)
	}
	if len(snap.Bids) != 2 || snap.Bids[0].Price.String() != "100" || snap.Bids[1].Price.String() != "99" {
		t.Fatalf("bids not sorted and truncated: %v", snap.Bids)
	}
}

func TestFetchSnapshotErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(*testing.T, *TransportError)
	}{
		{
			name:   "non 200",
			status: http.StatusServiceUnavailable,
			body:   `maintenance`,
			check: func(t *testing.T, te *TransportError) {
				if te.StatusCode != http.StatusServiceUnavailable || !errors.Is(te, ErrUnexpectedStatus) {
					t.Fatalf("unexpected error: %v", te)
				}
			},
		},
		{
			name:   "malformed body",
			status: http.StatusOK,
			body:   `{"buy":`,
			check: func(t *testing.T, te *TransportError) {
				var de *DecodeError
				if !errors.As(te, &de) {
					t.Fatalf("expected wrapped decode error: %v", te)
				}
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				w.Write([]byte(c.body))
			})
			_, err := client.FetchSnapshot(context.Background(), "BTC_USDC", 10)
			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("expected TransportError, got %v", err)
			}
			if te.Pair != "BTC_USDC" || te.Op != "snapshot" {
				t.Fatalf("missing context: %+v", te)
			}
			c.check(t, te)
		})
	}
}

func TestFetchSnapshotTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(ClientConfig{RestURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.FetchSnapshot(context.Background(), "BTC_USDC", 10)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError on timeout, got %v", err)
	}
}

func TestFetchSnapshotCancelledWhileWaitingForLimiter(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"buy":[],"sell":[],"updated_id":1}`))
	}))
	defer srv.Close()
	c := NewClient(ClientConfig{RestURL: srv.URL, Timeout: time.Second, Limiter: limiter})

	if _, err := c.FetchSnapshot(context.Background(), "BTC_USDC", 10); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.FetchSnapshot(ctx, "BTC_USDC", 10)
	if err == nil {
		t.Fatal("expected the limiter to block the second fetch")
	}
}

func TestMarkets(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/rate/all/":
			w.Write([]byte(`[{"pair":"BTC_USDC","last_price":"30000","volume":"2"}]`))
		case "/api/v1/pair/":
			w.Write([]byte(`{"results":[{"symbol":"BTC_USDC","base":"BTC","quote":"USDC","enabled":true}]}`))
		default:
			http.NotFound(w, r)
		}
	})

	rates, err := c.Rates(context.Background())
	if err != nil || len(rates) != 1 || rates[0].LastPrice.String() != "30000" {
		t.Fatalf("unexpected rates %v: %v", rates, err)
	}
	pairs, err := c.Pairs(context.Background())
	if err != nil || len(pairs) != 1 || !pairs[0].Enabled {
		t.Fatalf("unexpected pairs %v: %v", pairs, err)
	}
}

func TestTransportErrorMessage(t *testing.T) {
	err := &TransportError{Op: "snapshot", Pair: models.TradingPair("BTC_USDC"), StatusCode: 502, Err: ErrUnexpectedStatus}
	want := "ripio snapshot BTC_USDC (status 502): unexpected status code"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}
