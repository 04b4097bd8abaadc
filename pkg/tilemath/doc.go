// Package tilemath maps geographic coordinates onto Web-Mercator (slippy map)
// tile coordinates.
//
// Everything here is pure: no state, no I/O, no errors. Callers are expected to
// pass latitudes strictly inside the Mercator limits; tilemath does not guard
// against the singularity at the poles.
//
// Usage:
//
//	box := tilemath.ChinaBounds
//	r := tilemath.RangeForBounds(box, 3)
//	fmt.Println(r.MinX, r.MaxX, r.MinY, r.MaxY, r.Count()) // 5 6 2 3 4
//
//	for _, key := range r.Keys() {
//	    fmt.Println(key) // "3/5/2", "3/5/3", ...
//	}
package tilemath
