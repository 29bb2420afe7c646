package storagerpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HTTPClientOptions configures an HTTPClient.
type HTTPClientOptions struct {
	Logger *zap.Logger

	// Seeds are the node addresses known at startup.  They double as the
	// fallback routing table when route discovery is unavailable.
	Seeds []Route

	Timeout    time.Duration
	HttpClient *http.Client
}

// HTTPClient speaks the node agents' HTTP monitor protocol.  Statistics are
// served at /monitor, the routing table at /routes and group coupling
// metadata at /groups/{id}/meta.
type HTTPClient struct {
	logger     *zap.Logger
	seeds      []Route
	httpClient *http.Client

	lock    sync.Mutex
	nextIdx int
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	if len(opts.Seeds) == 0 {
		return nil, fmt.Errorf("at least one seed node is required")
	}

	httpClient := opts.HttpClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPClient{
		logger:     logger,
		seeds:      opts.Seeds,
		httpClient: httpClient,
	}, nil
}

// nextSeed rotates through the seed list so group metadata reads do not all
// hit one node.
func (c *HTTPClient) nextSeed() Route {
	c.lock.Lock()
	seed := c.seeds[c.nextIdx%len(c.seeds)]
	c.nextIdx++
	c.lock.Unlock()
	return seed
}

type routesJson struct {
	Routes []struct {
		Addr   string `json:"addr"`
		Family int    `json:"family"`
	} `json:"routes"`
}

func (c *HTTPClient) Routes(ctx context.Context) ([]Route, error) {
	seed := c.nextSeed()

	var parsed routesJson
	_, err := c.doGet(ctx, seed.Addr, "/routes", &parsed)
	if err != nil {
		// route discovery is best-effort, the seed list keeps us going
		c.logger.Debug("route discovery failed, falling back to seeds",
			zap.String("seed", seed.Addr), zap.Error(err))

		routes := make([]Route, len(c.seeds))
		copy(routes, c.seeds)
		return routes, nil
	}

	routes := make([]Route, 0, len(parsed.Routes))
	for _, r := range parsed.Routes {
		routes = append(routes, Route{Addr: r.Addr, Family: r.Family})
	}
	return routes, nil
}

func (c *HTTPClient) MonitorStat(ctx context.Context, addr string) *Pending {
	return Go(func() ([]Entry, error) {
		data, code, err := c.doGetRaw(ctx, addr, "/monitor?categories=procfs,backend")
		if err != nil {
			return nil, err
		}
		return []Entry{{Target: addr, Data: data, Code: code}}, nil
	})
}

func (c *HTTPClient) ReadGroupMeta(ctx context.Context, groupID int) *Pending {
	seed := c.nextSeed()
	target := fmt.Sprintf("group %d", groupID)
	path := fmt.Sprintf("/groups/%d/meta", groupID)

	return Go(func() ([]Entry, error) {
		data, code, err := c.doGetRaw(ctx, seed.Addr, path)
		if err != nil {
			return nil, err
		}
		return []Entry{{Target: target, Data: data, Code: code}}, nil
	})
}

func (c *HTTPClient) doGetRaw(ctx context.Context, addr string, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://"+addr+path, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("unexpected close error", zap.Error(err))
		}
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, CodeNotFound, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, -resp.StatusCode, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	return data, CodeOK, nil
}

func (c *HTTPClient) doGet(ctx context.Context, addr string, path string, out any) (int, error) {
	data, code, err := c.doGetRaw(ctx, addr, path)
	if err != nil {
		return 0, err
	}
	if code != CodeOK {
		return code, fmt.Errorf("%s%s: status code %d", addr, path, code)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return 0, err
	}
	return CodeOK, nil
}
