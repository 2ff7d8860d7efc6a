// Package locationtest builds images with GPS EXIF tags for tests.
package locationtest

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	tagGPSPointer = 0x8825
	tagLatRef     = 0x0001
	tagLat        = 0x0002
	tagLngRef     = 0x0003
	tagLng        = 0x0004

	typeASCII    = 2
	typeLong     = 4
	typeRational = 5
)

// GPSImage returns a little-endian TIFF block whose only content is the
// GPS position lat/lng. EXIF decoders accept it as an image.
func GPSImage(lat, lng float64) []byte {
	latRef, lngRef := byte('N'), byte('E')
	if lat < 0 {
		latRef = 'S'
	}
	if lng < 0 {
		lngRef = 'W'
	}

	const (
		ifd0   = 8
		gpsIFD = ifd0 + 2 + 12 + 4
		latOff = gpsIFD + 2 + 4*12 + 4
		lngOff = latOff + 24
	)

	var b bytes.Buffer
	le := binary.LittleEndian
	put := func(v any) { _ = binary.Write(&b, le, v) }
	entry := func(tag, typ uint16, count uint32, value []byte) {
		put(tag)
		put(typ)
		put(count)
		var v [4]byte
		copy(v[:], value)
		b.Write(v[:])
	}
	offset := func(n uint32) []byte { return le.AppendUint32(nil, n) }

	b.WriteString("II")
	put(uint16(42))
	put(uint32(ifd0))

	put(uint16(1))
	entry(tagGPSPointer, typeLong, 1, offset(gpsIFD))
	put(uint32(0))

	put(uint16(4))
	entry(tagLatRef, typeASCII, 2, []byte{latRef, 0})
	entry(tagLat, typeRational, 3, offset(latOff))
	entry(tagLngRef, typeASCII, 2, []byte{lngRef, 0})
	entry(tagLng, typeRational, 3, offset(lngOff))
	put(uint32(0))

	put(dms(lat))
	put(dms(lng))
	return b.Bytes()
}

// dms encodes an angle as degrees, minutes and seconds rationals.
func dms(angle float64) [6]uint32 {
	angle = math.Abs(angle)
	deg := math.Floor(angle)
	mins := math.Floor((angle - deg) * 60)
	sec := (angle - deg - mins/60) * 3600
	return [6]uint32{uint32(deg), 1, uint32(mins), 1, uint32(math.Round(sec * 1000)), 1000}
}
