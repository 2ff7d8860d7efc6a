// Package location extracts capture coordinates from image EXIF data and
// resolves them to places.
package location

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// ErrNoLocation is returned when an image carries no usable GPS tags.
var ErrNoLocation = errors.New("no location in image")

// Extract reads the GPS latitude and longitude from the image's EXIF block.
func Extract(image []byte) (*core.Location, error) {
	return Decode(bytes.NewReader(image))
}

func Decode(r io.Reader) (*core.Location, error) {
	x, err := exif.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoLocation, err)
	}
	lat, lng, err := x.LatLong()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoLocation, err)
	}
	if !Valid(lat, lng) {
		return nil, fmt.Errorf("%w: coordinates out of range (%f, %f)", ErrNoLocation, lat, lng)
	}
	return &core.Location{Latitude: lat, Longitude: lng}, nil
}

// Valid reports whether lat/lng are finite WGS84 coordinates. A (0,0) pair
// is what cameras without a fix write and is treated as missing.
func Valid(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	if lat == 0 && lng == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Attributes renders a location as searchable attributes.
func Attributes(loc *core.Location) map[string]string {
	if loc == nil {
		return nil
	}
	attrs := map[string]string{
		"latitude":  fmt.Sprintf("%.6f", loc.Latitude),
		"longitude": fmt.Sprintf("%.6f", loc.Longitude),
	}
	for k, v := range map[string]string{
		"place_name":  loc.PlaceName,
		"country":     loc.Country,
		"state":       loc.State,
		"city":        loc.City,
		"postal_code": loc.PostalCode,
	} {
		if v != "" {
			attrs[k] = v
		}
	}
	return attrs
}
