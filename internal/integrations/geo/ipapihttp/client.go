package ipapihttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/MailBeacon/internal/integrations/geo"
)

type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://ip-api.com"
	}
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type ipapiResp struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
	City       string `json:"city"`
}

func (c *Client) Lookup(ctx context.Context, ip string) (geo.Location, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return geo.Location{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/json/" + ip

	q := u.Query()
	q.Set("fields", "status,message,country,regionName,city")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return geo.Location{}, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return geo.Location{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return geo.Location{}, fmt.Errorf("ip-api http %d", resp.StatusCode)
	}

	var r ipapiResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return geo.Location{}, errors.Wrap(err, "decode")
	}
	if r.Status != "success" {
		return geo.Location{}, fmt.Errorf("ip-api status=%s message=%s", r.Status, r.Message)
	}

	return geo.Location{
		Country: r.Country,
		Region:  r.RegionName,
		City:    r.City,
	}, nil
}
