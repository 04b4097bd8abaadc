// Package tileclient fetches raster tiles over HTTP.
//
// Requests are spread over the configured mirror hosts by (x+y+z) modulo
// the mirror count. Only status 200 counts as success; every other outcome
// is returned as a *errors.Error whose Kind tells network failures, rate
// limiting, missing tiles and server faults apart. Nothing is retried here.
package tileclient
