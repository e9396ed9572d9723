package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"ridepool/internal/model"
)

// Remote talks to an OSRM-compatible turn-by-turn service (nearest, route, table).
type Remote struct {
	baseURL string
	profile string
	client  *http.Client
}

func NewRemote(baseURL, profile string, client *http.Client) *Remote {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if profile == "" {
		profile = "driving"
	}
	return &Remote{baseURL: strings.TrimRight(baseURL, "/"), profile: profile, client: client}
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string { return fmt.Sprintf("status %d: %s", e.Code, e.Body) }

func coords(nodes ...Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = fmt.Sprintf("%f,%f", n.Lon, n.Lat)
	}
	return strings.Join(parts, ";")
}

type nearestResponse struct {
	Code      string `json:"code"`
	Waypoints []struct {
		Nodes    []int64    `json:"nodes"`
		Location [2]float64 `json:"location"`
	} `json:"waypoints"`
}

func (r *Remote) NearestNode(ctx context.Context, pos model.Position) (Node, error) {
	url := fmt.Sprintf("%s/nearest/v1/%s/%s?number=1", r.baseURL, r.profile, coords(Node{Lat: pos.Lat, Lon: pos.Lon}))
	var out nearestResponse
	if err := r.getJSON(ctx, url, &out); err != nil {
		return Node{}, fmt.Errorf("nearest: %w", err)
	}
	if len(out.Waypoints) == 0 {
		return Node{}, fmt.Errorf("nearest: %w", ErrUnknownNode)
	}
	wp := out.Waypoints[0]
	n := Node{Lon: wp.Location[0], Lat: wp.Location[1]}
	for _, id := range wp.Nodes {
		if id != 0 {
			n.ID = id
			break
		}
	}
	return n, nil
}

type routeResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Geometry struct {
			Coordinates [][2]float64 `json:"coordinates"`
		} `json:"geometry"`
		Legs []struct {
			Annotation struct {
				Nodes    []int64   `json:"nodes"`
				Duration []float64 `json:"duration"`
			} `json:"annotation"`
		} `json:"legs"`
	} `json:"routes"`
}

func (r *Remote) ShortestPath(ctx context.Context, from, to Node) (Path, error) {
	url := fmt.Sprintf("%s/route/v1/%s/%s?overview=full&geometries=geojson&annotations=nodes,duration",
		r.baseURL, r.profile, coords(from, to))
	var out routeResponse
	if err := r.getJSON(ctx, url, &out); err != nil {
		return Path{}, fmt.Errorf("route: %w", err)
	}
	if (out.Code != "" && out.Code != "Ok") || len(out.Routes) == 0 || len(out.Routes[0].Legs) == 0 {
		return Path{}, fmt.Errorf("route %d -> %d: %w", from.ID, to.ID, ErrNoPath)
	}
	rt := out.Routes[0]
	ann := rt.Legs[0].Annotation
	geo := rt.Geometry.Coordinates
	p := Path{}
	for i, c := range geo {
		n := Node{Lon: c[0], Lat: c[1]}
		if i < len(ann.Nodes) {
			n.ID = ann.Nodes[i]
		}
		p.Nodes = append(p.Nodes, n)
	}
	for i := 0; i+1 < len(p.Nodes); i++ {
		var d time.Duration
		if i < len(ann.Duration) {
			d = time.Duration(ann.Duration[i] * float64(time.Second))
		}
		p.Legs = append(p.Legs, d)
	}
	if len(p.Nodes) == 0 {
		p.Nodes = []Node{from, to}
		p.Legs = []time.Duration{0}
	}
	p.Nodes[0] = from
	p.Nodes[len(p.Nodes)-1] = to
	return p, nil
}

type tableResponse struct {
	Code      string       `json:"code"`
	Durations [][]*float64 `json:"durations"`
}

func (r *Remote) DurationMatrix(ctx context.Context, nodes []Node) ([][]time.Duration, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	url := fmt.Sprintf("%s/table/v1/%s/%s?annotations=duration", r.baseURL, r.profile, coords(nodes...))
	var out tableResponse
	if err := r.getJSON(ctx, url, &out); err != nil {
		return nil, fmt.Errorf("table: %w", err)
	}
	if len(out.Durations) != len(nodes) {
		return nil, fmt.Errorf("table: got %d rows for %d nodes", len(out.Durations), len(nodes))
	}
	m := make([][]time.Duration, len(nodes))
	for i, row := range out.Durations {
		if len(row) != len(nodes) {
			return nil, fmt.Errorf("table: row %d has %d columns", i, len(row))
		}
		m[i] = make([]time.Duration, len(nodes))
		for j, v := range row {
			if v == nil {
				m[i][j] = Unreachable
				continue
			}
			m[i][j] = time.Duration(*v * float64(time.Second))
		}
	}
	return m, nil
}

func (r *Remote) getJSON(ctx context.Context, url string, into any) error {
	resp, err := r.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (r *Remote) do(req *http.Request) (*http.Response, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// doWithRetry retries network errors, 429 and 5xx with exponential backoff.
func (r *Remote) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	const maxAttempts = 4
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := makeReq()
		if err != nil {
			return nil, fmt.Errorf("make request: %w", err)
		}
		resp, err := r.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retry := false
		var he *httpStatusError
		if errors.As(err, &he) {
			switch he.Code {
			case 429, 500, 502, 503, 504:
				retry = true
			}
		}
		var netErr net.Error
		if !retry && errors.As(err, &netErr) {
			retry = true
		}
		if !retry || attempt == maxAttempts {
			return nil, lastErr
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}
