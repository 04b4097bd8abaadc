package tilemath

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxLatitude is the largest latitude representable in Web-Mercator.
const MaxLatitude = 85.05112878

// MaxZoom is the deepest zoom level tilemath will enumerate.
const MaxZoom = 22

// ErrMalformedKey is returned by ParseKey for anything that is not "z/x/y".
var ErrMalformedKey = errors.New("malformed tile key")

// Key identifies one tile.
type Key struct {
	Z int
	X int
	Y int
}

// String renders the key as "z/x/y", the format used in the progress ledger.
func (k Key) String() string {
	return strconv.Itoa(k.Z) + "/" + strconv.Itoa(k.X) + "/" + strconv.Itoa(k.Y)
}

// Valid reports whether x and y are inside the tile grid of zoom z.
func (k Key) Valid() bool {
	if k.Z < 0 || k.Z > MaxZoom {
		return false
	}
	n := 1 << k.Z
	return k.X >= 0 && k.X < n && k.Y >= 0 && k.Y < n
}

// Tile converts the key to an orb maptile.
func (k Key) Tile() maptile.Tile {
	return maptile.New(uint32(k.X), uint32(k.Y), maptile.Zoom(k.Z))
}

// ParseKey parses a "z/x/y" string.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrMalformedKey, s)
	}

	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Key{}, fmt.Errorf("%w: %q", ErrMalformedKey, s)
		}
		nums[i] = n
	}

	key := Key{Z: nums[0], X: nums[1], Y: nums[2]}
	if !key.Valid() {
		return Key{}, fmt.Errorf("%w: %q out of range", ErrMalformedKey, s)
	}
	return key, nil
}

// BoundingBox is a geographic rectangle in degrees.
type BoundingBox struct {
	North float64 `yaml:"north" json:"north"`
	South float64 `yaml:"south" json:"south"`
	East  float64 `yaml:"east" json:"east"`
	West  float64 `yaml:"west" json:"west"`
}

// ChinaBounds covers mainland China.
var ChinaBounds = BoundingBox{
	North: 53.55,
	South: 18.16,
	East:  134.77,
	West:  73.50,
}

// Validate checks that the box can be projected.
func (b BoundingBox) Validate() error {
	var errs []error

	for name, lat := range map[string]float64{"north": b.North, "south": b.South} {
		if math.IsNaN(lat) || lat <= -MaxLatitude || lat >= MaxLatitude {
			errs = append(errs, fmt.Errorf("%s latitude %v outside (-%v, %v)", name, lat, MaxLatitude, MaxLatitude))
		}
	}
	for name, lon := range map[string]float64{"east": b.East, "west": b.West} {
		if math.IsNaN(lon) || lon < -180 || lon > 180 {
			errs = append(errs, fmt.Errorf("%s longitude %v outside [-180, 180]", name, lon))
		}
	}
	if b.North <= b.South {
		errs = append(errs, fmt.Errorf("north (%v) must be greater than south (%v)", b.North, b.South))
	}

	return errors.Join(errs...)
}

// TileRange is the inclusive rectangle of tiles covering a box at one zoom.
type TileRange struct {
	Zoom int
	MinX int
	MaxX int
	MinY int
	MaxY int
}

// Count returns the number of tiles in the range.
func (r TileRange) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Contains reports whether key lies inside the range.
func (r TileRange) Contains(key Key) bool {
	return key.Z == r.Zoom &&
		key.X >= r.MinX && key.X <= r.MaxX &&
		key.Y >= r.MinY && key.Y <= r.MaxY
}

// Bound returns the geographic extent covered by the tiles of the range,
// which is at least as large as the box the range was computed from.
func (r TileRange) Bound() orb.Bound {
	nw := Key{Z: r.Zoom, X: r.MinX, Y: r.MinY}.Tile().Bound()
	se := Key{Z: r.Zoom, X: r.MaxX, Y: r.MaxY}.Tile().Bound()
	return nw.Union(se)
}

// All yields every key in the range, column by column, without
// materializing the whole range.
func (r TileRange) All() iter.Seq[Key] {
	return func(yield func(Key) bool) {
		for x := r.MinX; x <= r.MaxX; x++ {
			for y := r.MinY; y <= r.MaxY; y++ {
				if !yield(Key{Z: r.Zoom, X: x, Y: y}) {
					return
				}
			}
		}
	}
}

// Keys lists every key in the range in the order All yields them.
func (r TileRange) Keys() []Key {
	keys := make([]Key, 0, r.Count())
	for k := range r.All() {
		keys = append(keys, k)
	}
	return keys
}

// LonToTileX returns the tile column containing lon at zoom.
func LonToTileX(lon float64, zoom int) int {
	n := math.Exp2(float64(zoom))
	return clamp(int(math.Floor((lon+180.0)/360.0*n)), zoom)
}

// LatToTileY returns the tile row containing lat at zoom.
func LatToTileY(lat float64, zoom int) int {
	n := math.Exp2(float64(zoom))
	rad := lat * math.Pi / 180.0
	y := (1.0 - math.Log(math.Tan(rad)+1.0/math.Cos(rad))/math.Pi) / 2.0 * n
	return clamp(int(math.Floor(y)), zoom)
}

// RangeForBounds projects all four corners of box and returns the enclosing range.
func RangeForBounds(box BoundingBox, zoom int) TileRange {
	xs := [2]int{LonToTileX(box.West, zoom), LonToTileX(box.East, zoom)}
	ys := [2]int{LatToTileY(box.North, zoom), LatToTileY(box.South, zoom)}

	return TileRange{
		Zoom: zoom,
		MinX: min(xs[0], xs[1]),
		MaxX: max(xs[0], xs[1]),
		MinY: min(ys[0], ys[1]),
		MaxY: max(ys[0], ys[1]),
	}
}

// Ranges returns one range per zoom level in [minZoom, maxZoom].
func Ranges(box BoundingBox, minZoom, maxZoom int) []TileRange {
	if maxZoom < minZoom {
		return nil
	}
	ranges := make([]TileRange, 0, maxZoom-minZoom+1)
	for z := minZoom; z <= maxZoom; z++ {
		ranges = append(ranges, RangeForBounds(box, z))
	}
	return ranges
}

// TotalTiles sums the tile counts of every zoom level in [minZoom, maxZoom].
func TotalTiles(box BoundingBox, minZoom, maxZoom int) int {
	total := 0
	for _, r := range Ranges(box, minZoom, maxZoom) {
		total += r.Count()
	}
	return total
}

// clamp keeps an index on the grid; lon=180 would otherwise land one column past the edge.
func clamp(v, zoom int) int {
	last := (1 << zoom) - 1
	if v < 0 {
		return 0
	}
	if v > last {
		return last
	}
	return v
}
