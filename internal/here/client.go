package here

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/paulmach/orb"
	"github.com/tidwall/gjson"

	"github.com/yegors/co-traffic/pkg/logger"
)

// Options configures the provider client
type Options struct {
	BaseURL    string
	APIKey     string
	UserAgent  string
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
}

// Client fetches traffic flow and incidents from the HERE Traffic API v7
type Client struct {
	http   *resty.Client
	apiKey string
	logger *logger.Logger
}

// NewClient creates a new provider client
func NewClient(opts Options, logger *logger.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		})
	if opts.UserAgent != "" {
		httpClient.SetHeader("User-Agent", opts.UserAgent)
	}

	return &Client{
		http:   httpClient,
		apiKey: opts.APIKey,
		logger: logger.Named("here-client"),
	}
}

// FetchFlow fetches current flow for the bbox ("west,south,east,north")
func (c *Client) FetchFlow(ctx context.Context, bbox string) ([]FlowResult, error) {
	body, err := c.get(ctx, "flow", bbox)
	if err != nil {
		return nil, err
	}

	results := gjson.GetBytes(body, "results")
	if !results.IsArray() {
		return nil, errors.New("flow response has no results array")
	}

	flows := make([]FlowResult, 0, len(results.Array()))
	results.ForEach(func(_, r gjson.Result) bool {
		cf := r.Get("currentFlow")
		flows = append(flows, FlowResult{
			Description:    r.Get("location.description").String(),
			Shape:          parseShape(r.Get("location.shape")),
			Speed:          cf.Get("speed").Float(),
			SpeedUncapped:  cf.Get("speedUncapped").Float(),
			FreeFlow:       cf.Get("freeFlow").Float(),
			JamFactor:      cf.Get("jamFactor").Float(),
			Confidence:     cf.Get("confidence").Float(),
			Traversability: cf.Get("traversability").String(),
		})
		return true
	})

	c.logger.Debug("Parsed flow response", logger.Int("results", len(flows)))
	return flows, nil
}

// FetchIncidents fetches current incidents for the bbox
func (c *Client) FetchIncidents(ctx context.Context, bbox string) ([]IncidentResult, error) {
	body, err := c.get(ctx, "incidents", bbox)
	if err != nil {
		return nil, err
	}

	results := gjson.GetBytes(body, "results")
	if !results.IsArray() {
		return nil, errors.New("incidents response has no results array")
	}

	incidents := make([]IncidentResult, 0, len(results.Array()))
	results.ForEach(func(_, r gjson.Result) bool {
		d := r.Get("incidentDetails")
		incidents = append(incidents, IncidentResult{
			ID:                  d.Get("id").String(),
			Type:                d.Get("type").String(),
			Description:         d.Get("description.value").String(),
			Criticality:         d.Get("criticality").String(),
			RoadClosed:          d.Get("roadClosed").Bool(),
			StartTime:           parseTime(d.Get("startTime")),
			EndTime:             parseTime(d.Get("endTime")),
			LocationDescription: r.Get("location.description").String(),
			Shape:               parseShape(r.Get("location.shape")),
		})
		return true
	})

	c.logger.Debug("Parsed incidents response", logger.Int("results", len(incidents)))
	return incidents, nil
}

func (c *Client) get(ctx context.Context, endpoint, bbox string) ([]byte, error) {
	c.logger.Debug("Fetching traffic data",
		logger.String("endpoint", endpoint),
		logger.String("bbox", bbox),
	)

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"in":                  "bbox:" + bbox,
			"locationReferencing": "shape",
			"apiKey":              c.apiKey,
		}).
		Get("/" + endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", endpoint, err)
	}

	if resp.StatusCode() != http.StatusOK {
		body := resp.String()
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		c.logger.Error("Unexpected status code",
			logger.String("endpoint", endpoint),
			logger.Int("status_code", resp.StatusCode()),
			logger.String("body", body),
		)
		return nil, fmt.Errorf("unexpected status code from %s: %d", endpoint, resp.StatusCode())
	}

	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON in %s response", endpoint)
	}

	c.logger.Debug("Fetched traffic data",
		logger.String("endpoint", endpoint),
		logger.Int("bytes", len(body)),
		logger.Duration("duration", resp.Time()),
	)
	return body, nil
}

// parseShape flattens shape.links[*].points[*] into one lon/lat line,
// dropping the repeated vertex where consecutive links meet
func parseShape(shape gjson.Result) orb.LineString {
	var line orb.LineString
	shape.Get("links").ForEach(func(_, link gjson.Result) bool {
		link.Get("points").ForEach(func(_, p gjson.Result) bool {
			lat, lng := p.Get("lat"), p.Get("lng")
			if !lat.Exists() || !lng.Exists() {
				return true
			}
			pt := orb.Point{lng.Float(), lat.Float()}
			if n := len(line); n > 0 && line[n-1] == pt {
				return true
			}
			line = append(line, pt)
			return true
		})
		return true
	})
	return line
}

func parseTime(r gjson.Result) time.Time {
	if !r.Exists() {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, r.String())
	if err != nil {
		return time.Time{}
	}
	return t
}
