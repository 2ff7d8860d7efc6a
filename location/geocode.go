package location

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"googlemaps.github.io/maps"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// ErrNoPlace is returned when the geocoder knows no address for a point.
var ErrNoPlace = errors.New("no place for coordinates")

// Geocoder resolves coordinates to a named place.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lng float64) (core.Location, error)
}

// GoogleGeocoder uses the Google Maps Geocoding API.
type GoogleGeocoder struct {
	client *maps.Client
}

// NewGoogleGeocoder creates a geocoder for apiKey. baseURL overrides the
// API host and is empty in production.
func NewGoogleGeocoder(apiKey, baseURL string) (*GoogleGeocoder, error) {
	opts := []maps.ClientOption{maps.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, maps.WithBaseURL(baseURL))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &GoogleGeocoder{client: client}, nil
}

func (g *GoogleGeocoder) Reverse(ctx context.Context, lat, lng float64) (core.Location, error) {
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: lat, Lng: lng},
	})
	if err != nil {
		return core.Location{}, fmt.Errorf("reverse geocode: %w", err)
	}
	if len(results) == 0 {
		return core.Location{}, ErrNoPlace
	}

	// The first result is the most specific address.
	r := results[0]
	loc := core.Location{
		Latitude:  lat,
		Longitude: lng,
		PlaceName: r.FormattedAddress,
		PlaceID:   r.PlaceID,
	}
	for _, c := range r.AddressComponents {
		switch {
		case slices.Contains(c.Types, "country"):
			loc.Country = c.LongName
		case slices.Contains(c.Types, "administrative_area_level_1"):
			loc.State = c.LongName
		case slices.Contains(c.Types, "locality"):
			loc.City = c.LongName
		case slices.Contains(c.Types, "postal_code"):
			loc.PostalCode = c.LongName
		}
	}
	return loc, nil
}

// Locate extracts the image's coordinates and, when g is set, names the
// place. A geocoding failure keeps the coordinates and is returned
// alongside them.
func Locate(ctx context.Context, g Geocoder, image []byte) (*core.Location, error) {
	loc, err := Extract(image)
	if err != nil || g == nil {
		return loc, err
	}
	place, err := g.Reverse(ctx, loc.Latitude, loc.Longitude)
	if err != nil {
		return loc, err
	}
	place.Latitude, place.Longitude = loc.Latitude, loc.Longitude
	return &place, nil
}
