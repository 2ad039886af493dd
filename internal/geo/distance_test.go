package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/trialsense/internal/clinical"
)

func site(name string, lat, lng float64) clinical.Location {
	return clinical.Location{Facility: name, City: name, Country: "India", Lat: &lat, Lng: &lng}
}

func TestDistanceChennaiToMumbai(t *testing.T) {
	chennai := &clinical.Coordinate{Lat: 13.0827, Lng: 80.2707}
	mumbai := &clinical.Coordinate{Lat: 19.0760, Lng: 72.8777}
	d, ok := Distance(chennai, mumbai)
	require.True(t, ok)
	assert.InDelta(t, 1030, d, 15)

	d, ok = Distance(chennai, chennai)
	require.True(t, ok)
	assert.InDelta(t, 0, d, 1e-9)
}

func TestDistanceUnavailableWhenCoordinateMissing(t *testing.T) {
	_, ok := Distance(nil, &clinical.Coordinate{})
	assert.False(t, ok)
	_, ok = Distance(&clinical.Coordinate{}, nil)
	assert.False(t, ok)
}

func TestNearestSkipsSitesWithoutCoordinates(t *testing.T) {
	origin := &clinical.Coordinate{Lat: 13.0827, Lng: 80.2707}
	noCoords := clinical.Location{Facility: "Unknown", City: "Pune"}
	loc, dist := Nearest(origin, []clinical.Location{
		noCoords,
		site("Mumbai", 19.0760, 72.8777),
		site("Vellore", 12.9165, 79.1325),
	})
	require.NotNil(t, loc)
	require.NotNil(t, dist)
	assert.Equal(t, "Vellore", loc.Facility)
	assert.Less(t, *dist, 200.0)
}

func TestNearestFirstCandidateWinsTies(t *testing.T) {
	origin := &clinical.Coordinate{Lat: 0, Lng: 0}
	loc, _ := Nearest(origin, []clinical.Location{site("first", 1, 0), site("second", 1, 0)})
	require.NotNil(t, loc)
	assert.Equal(t, "first", loc.Facility)
}

func TestNearestNoneWithoutOriginOrCoordinates(t *testing.T) {
	loc, dist := Nearest(nil, []clinical.Location{site("a", 1, 1)})
	assert.Nil(t, loc)
	assert.Nil(t, dist)

	loc, dist = Nearest(&clinical.Coordinate{}, []clinical.Location{{Facility: "x"}})
	assert.Nil(t, loc)
	assert.Nil(t, dist)
}
