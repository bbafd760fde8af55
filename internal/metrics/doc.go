// Package metrics declares the Prometheus collectors exported by the management server.
//
// Collectors are package-level and registered with the default registry, so any
// package can record into them without wiring. Handler exposes the registry over HTTP.
package metrics
