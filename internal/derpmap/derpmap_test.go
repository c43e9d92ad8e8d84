package derpmap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFeed = `{
  "Regions": {
    "1": {
      "RegionID": 1,
      "RegionCode": "nyc",
      "RegionName": "New York",
      "Latitude": 40.7,
      "Longitude": -74.0,
      "Nodes": [
        {
          "Name": "1a",
          "RegionID": 1,
          "HostName": "derp1.example.com",
          "IPv4": "192.0.2.10",
          "DERPPort": 443,
          "STUNPort": 3478
        }
      ]
    },
    "2": {
      "RegionID": 2,
      "RegionCode": "fra",
      "RegionName": "Frankfurt",
      "Nodes": [
        {"Name": "2a", "RegionID": 2, "HostName": "derp2.example.com", "STUNOnly": true}
      ]
    }
  }
}`

func testBase(t *testing.T) *Map {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleFeed))
	}))
	t.Cleanup(srv.Close)

	m, err := Fetch(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	return m
}

func TestFetchDecodesRegions(t *testing.T) {
	t.Parallel()

	m := testBase(t)
	require.Len(t, m.Regions, 2)
	require.Contains(t, m.Regions, uint16(1))
	assert.Equal(t, "nyc", m.Regions[1].RegionCode)
	require.Len(t, m.Regions[1].Nodes, 1)
	assert.Equal(t, "derp1.example.com", m.Regions[1].Nodes[0].HostName)
	assert.Equal(t, 3478, m.Regions[1].Nodes[0].STUNPort)
	assert.True(t, m.Regions[2].Nodes[0].STUNOnly)
}

func TestFetchRejectsNonNumericRegionKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Regions": {"nyc": {"RegionID": 1}}}`))
	}))
	t.Cleanup(srv.Close)

	_, err := Fetch(context.Background(), srv.Client(), srv.URL)
	assert.ErrorIs(t, err, ErrParse)
}

func TestFetchErrorsOnHTTPStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := Fetch(context.Background(), srv.Client(), srv.URL)
	assert.ErrorIs(t, err, ErrFetch)
}

func TestApplyDisablesRegions(t *testing.T) {
	t.Parallel()

	base := testBase(t)
	out := Apply(base, &Overlay{DisableRegions: []uint16{2}})

	assert.Contains(t, out.Regions, uint16(1))
	assert.NotContains(t, out.Regions, uint16(2))
	// Base map untouched.
	assert.Contains(t, base.Regions, uint16(2))
}

func TestApplyUpsertsCustomRegions(t *testing.T) {
	t.Parallel()

	base := testBase(t)
	custom := &Region{RegionID: 900, RegionCode: "lab", Nodes: []*Node{{Name: "900a", RegionID: 900, HostName: "derp.lab.internal"}}}
	replacement := &Region{RegionID: 1, RegionCode: "nyc2"}

	out := Apply(base, &Overlay{CustomRegions: Regions{900: custom, 1: replacement}})

	require.Contains(t, out.Regions, uint16(900))
	assert.Equal(t, "lab", out.Regions[900].RegionCode)
	assert.Equal(t, "nyc2", out.Regions[1].RegionCode)
	assert.Equal(t, "nyc", base.Regions[1].RegionCode)
}

func TestApplyOmitDefaultRegions(t *testing.T) {
	t.Parallel()

	base := testBase(t)
	custom := Regions{900: {RegionID: 900, RegionCode: "lab"}}

	out := Apply(base, &Overlay{OmitDefaultRegions: true, CustomRegions: custom})

	require.Len(t, out.Regions, 1)
	assert.Contains(t, out.Regions, uint16(900))
}

func TestApplyIsDeterministic(t *testing.T) {
	t.Parallel()

	base := testBase(t)
	o := &Overlay{DisableRegions: []uint16{2}, CustomRegions: Regions{900: {RegionID: 900, RegionCode: "lab"}}}

	a := Apply(base, o)
	b := Apply(base, o)
	assert.Equal(t, a, b)
}

func TestLoadOverlay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "overlay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"disable_regions": [2],
		"custom_regions": {"900": {"RegionID": 900, "RegionCode": "lab"}},
		"omit_default_regions": false
	}`), 0o600))

	o, err := LoadOverlay(path)
	require.NoError(t, err)
	assert.Equal(t, []uint16{2}, o.DisableRegions)
	require.Contains(t, o.CustomRegions, uint16(900))
	assert.False(t, o.OmitDefaultRegions)

	_, err = LoadOverlay(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrReadOverlay)
}
