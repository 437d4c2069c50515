package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient asks an OSRM routing server for driving durations.
type OSRMClient struct {
	Endpoint string
	Profile  string // defaults to "driving"
	HTTP     *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		HTTP:     &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRoute struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"` // seconds
	} `json:"routes"`
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	profile := o.Profile
	if profile == "" {
		profile = "driving"
	}
	// coordinates go lon,lat
	u := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.Endpoint, profile, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	resp, err := o.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm route: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("osrm route: status %d", resp.StatusCode)
	}
	var out osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("osrm decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm route: no route (code %q)", out.Code)
	}
	return out.Routes[0].Duration, nil
}
