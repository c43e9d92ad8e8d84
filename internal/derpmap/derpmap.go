// Package derpmap models the DERP relay-region catalog.
//
// The base map is fetched as JSON (Tailscale-compatible schema) and can be
// customized by a local overlay file. Overlay application is a pure
// function; retry policy for fetch failures belongs to the caller.
package derpmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
)

// DefaultURL is the default feed for the base relay map.
const DefaultURL = "https://controlplane.tailscale.com/derpmap/default"

var (
	// ErrFetch indicates the HTTP GET for the base map failed.
	ErrFetch = errors.New("derpmap: fetch failed")
	// ErrParse indicates the feed or overlay JSON was malformed.
	ErrParse = errors.New("derpmap: parse failed")
	// ErrReadOverlay indicates the overlay file could not be read.
	ErrReadOverlay = errors.New("derpmap: read overlay failed")
)

// Node is a single relay server inside a region.
type Node struct {
	Name      string `json:"Name"`
	RegionID  uint16 `json:"RegionID"`
	HostName  string `json:"HostName"`
	IPv4      string `json:"IPv4,omitempty"`
	IPv6      string `json:"IPv6,omitempty"`
	DERPPort  int    `json:"DERPPort,omitempty"`
	STUNPort  int    `json:"STUNPort,omitempty"`
	STUNOnly  bool   `json:"STUNOnly,omitempty"`
	CanPort80 bool   `json:"CanPort80,omitempty"`
}

// Region is a geographic group of relay nodes.
type Region struct {
	RegionID   uint16  `json:"RegionID"`
	RegionCode string  `json:"RegionCode"`
	RegionName string  `json:"RegionName"`
	Latitude   float64 `json:"Latitude,omitempty"`
	Longitude  float64 `json:"Longitude,omitempty"`
	Nodes      []*Node `json:"Nodes"`
	Avoid      bool    `json:"Avoid,omitempty"`
}

// Regions maps region id to region. On the wire the keys are stringified
// integers; non-numeric keys are a parse error.
type Regions map[uint16]*Region

// Map is the relay-region catalog.
type Map struct {
	Regions Regions `json:"Regions"`
}

// UnmarshalJSON parses the stringified-u16 region keys.
func (r *Regions) UnmarshalJSON(data []byte) error {
	var raw map[string]*Region
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Regions, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseUint(k, 10, 16)
		if err != nil {
			return fmt.Errorf("%w: region key %q is not a uint16", ErrParse, k)
		}
		out[uint16(id)] = v
	}
	*r = out
	return nil
}

// MarshalJSON writes region keys back out as strings.
func (r Regions) MarshalJSON() ([]byte, error) {
	raw := make(map[string]*Region, len(r))
	for id, region := range r {
		raw[strconv.FormatUint(uint64(id), 10)] = region
	}
	return json.Marshal(raw)
}

// Overlay customizes a fetched base map.
type Overlay struct {
	DisableRegions     []uint16 `json:"disable_regions,omitempty"`
	CustomRegions      Regions  `json:"custom_regions,omitempty"`
	OmitDefaultRegions bool     `json:"omit_default_regions,omitempty"`
}

// Fetch retrieves and decodes the base map from url.
func Fetch(ctx context.Context, client *http.Client, url string) (*Map, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s", ErrFetch, res.Status)
	}

	var m Map
	if err := json.NewDecoder(res.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return &m, nil
}

// LoadOverlay reads and decodes an overlay file.
func LoadOverlay(path string) (*Overlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadOverlay, err)
	}
	var o Overlay
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return &o, nil
}

// Apply merges an overlay into a base map. It is pure: neither argument is
// mutated and the result shares no region values with the base map.
func Apply(base *Map, o *Overlay) *Map {
	out := &Map{Regions: Regions{}}
	if o == nil {
		o = &Overlay{}
	}
	if base != nil && !o.OmitDefaultRegions {
		for id, region := range base.Regions {
			out.Regions[id] = cloneRegion(region)
		}
	}
	for _, id := range o.DisableRegions {
		delete(out.Regions, id)
	}
	for id, region := range o.CustomRegions {
		out.Regions[id] = cloneRegion(region)
	}
	return out
}

func cloneRegion(r *Region) *Region {
	if r == nil {
		return nil
	}
	out := *r
	out.Nodes = make([]*Node, len(r.Nodes))
	for i, n := range r.Nodes {
		if n != nil {
			nn := *n
			out.Nodes[i] = &nn
		}
	}
	return &out
}
