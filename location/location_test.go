package location

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hubenschmidt/go-imgsearch/core"
)

func TestExtractWithoutExif(t *testing.T) {
	loc, err := Extract([]byte("not an image"))
	assert.Nil(t, loc)
	assert.ErrorIs(t, err, ErrNoLocation)

	loc, err = Extract(nil)
	assert.Nil(t, loc)
	assert.ErrorIs(t, err, ErrNoLocation)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(48.8584, 2.2945))
	assert.True(t, Valid(-33.8568, 151.2153))
	assert.False(t, Valid(0, 0))
	assert.False(t, Valid(91, 0))
	assert.False(t, Valid(0, 181))
	assert.False(t, Valid(math.NaN(), 1))
}

func TestAttributes(t *testing.T) {
	assert.Nil(t, Attributes(nil))
	attrs := Attributes(&core.Location{Latitude: 48.8584, Longitude: 2.2945, PlaceName: "Paris"})
	assert.Equal(t, "48.858400", attrs["latitude"])
	assert.Equal(t, "2.294500", attrs["longitude"])
	assert.Equal(t, "Paris", attrs["place_name"])
	assert.NotContains(t, attrs, "country")

	attrs = Attributes(&core.Location{Latitude: 1, Longitude: 2, Country: "France", City: "Paris", PostalCode: "75007"})
	assert.Equal(t, "France", attrs["country"])
	assert.Equal(t, "Paris", attrs["city"])
	assert.Equal(t, "75007", attrs["postal_code"])
	assert.NotContains(t, attrs, "state")
}
