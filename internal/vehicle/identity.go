package vehicle

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	vinLength       = 17
	plateNumberRune = 6
)

// Identity is what a requester asks about: a VIN, or a plate number with its
// region.
type Identity struct {
	VIN         string
	PlateNumber string
	PlateRegion string
}

// HasVIN reports whether the VIN is known.
func (id Identity) HasVIN() bool {
	return Known(id.VIN)
}

// HasPlate reports whether both plate parts are known.
func (id Identity) HasPlate() bool {
	return Known(id.PlateNumber) && Known(id.PlateRegion)
}

// Key returns the dedup key: the VIN when known, else number plus region.
func (id Identity) Key() string {
	if id.HasVIN() {
		return "vin:" + id.VIN
	}
	if id.HasPlate() {
		return "plate:" + id.PlateNumber + id.PlateRegion
	}
	return ""
}

// Keys returns every key the identity can be found under.
func (id Identity) Keys() []string {
	var keys []string
	if id.HasVIN() {
		keys = append(keys, "vin:"+id.VIN)
	}
	if id.HasPlate() {
		keys = append(keys, "plate:"+id.PlateNumber+id.PlateRegion)
	}
	return keys
}

func (id Identity) String() string {
	if id.HasVIN() {
		return id.VIN
	}
	return id.PlateNumber + id.PlateRegion
}

// ParseIdentity validates raw user input. A single token of 8 or 9 runes is
// a plate (first six runes number, the rest region); 17 runes is a VIN.
func ParseIdentity(raw string) (Identity, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" || len(strings.Fields(s)) != 1 {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidInput, raw)
	}
	switch n := utf8.RuneCountInString(s); n {
	case vinLength:
		return Identity{VIN: s}, nil
	case plateNumberRune + 2, plateNumberRune + 3:
		runes := []rune(s)
		return Identity{
			PlateNumber: string(runes[:plateNumberRune]),
			PlateRegion: string(runes[plateNumberRune:]),
		}, nil
	default:
		return Identity{}, fmt.Errorf("%w: %d characters", ErrInvalidInput, n)
	}
}
