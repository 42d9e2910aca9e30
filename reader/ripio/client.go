// Package ripio talks to the Ripio exchange: REST snapshots and market
// metadata, and the acknowledged websocket streams.
package ripio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"bookflow/logger"
	"bookflow/models"
)

type ClientConfig struct {
	RestURL         string
	Timeout         time.Duration
	MaxIdleConns    int
	MaxConnsPerHost int
	IdleConnTimeout time.Duration
	UserAgent       string
	// Limiter paces snapshot requests. It is shared by every caller of
	// FetchSnapshot; nil disables pacing.
	Limiter *rate.Limiter
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Log
	now     func() time.Time
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	req.Header.Set("Accept", "application/json")
	return t.base.RoundTrip(req)
}

func NewClient(cfg ClientConfig) *Client {
	log := logger.GetLogger()

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = "bookflow"
	}

	c := &Client{
		baseURL: strings.TrimSuffix(cfg.RestURL, "/"),
		http: &http.Client{
			Transport: userAgentTransport{agent: agent, base: transport},
			Timeout:   cfg.Timeout,
		},
		limiter: cfg.Limiter,
		log:     log,
		now:     time.Now,
	}

	log.WithComponent("ripio_client").WithFields(logger.Fields{
		"rest_url":           c.baseURL,
		"timeout":            cfg.Timeout.String(),
		"max_idle_conns":     cfg.MaxIdleConns,
		"max_conns_per_host": cfg.MaxConnsPerHost,
	}).Info("ripio client initialized")

	return c
}

// getJSON decodes the body of GET path into out and returns the body size.
// Every failure is a *TransportError.
func (c *Client) getJSON(ctx context.Context, op string, pair models.TradingPair, path string, query url.Values, out interface{}) (int, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, &TransportError{Op: op, Pair: pair, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &TransportError{Op: op, Pair: pair, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, &TransportError{Op: op, Pair: pair, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return len(body), &TransportError{
			Op:         op,
			Pair:       pair,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: %s", ErrUnexpectedStatus, truncate(string(body), 200)),
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return len(body), &TransportError{
			Op:         op,
			Pair:       pair,
			StatusCode: resp.StatusCode,
			Err:        &DecodeError{Kind: op, Err: err},
		}
	}
	return len(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
