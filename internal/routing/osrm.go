// Package routing wraps the external routing collaborator. The core never
// computes geometry itself; it only fetches a polyline at ride creation.
package routing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/carpool/internal/models"
)

// Client fetches a route polyline between two points.
type Client interface {
	RoutePolyline(from, to models.Coord) (string, error)
}

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// RoutePolyline queries OSRM /route between points and returns the encoded
// overview geometry.
func (o *OSRMClient) RoutePolyline(from, to models.Coord) (string, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full", o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	resp, err := o.Client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Geometry string `json:"geometry"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return "", fmt.Errorf("osrm no route: %v", out.Code)
	}
	return out.Routes[0].Geometry, nil
}
