// Package health aggregates health checks for a dispatcher process and serves
// them over HTTP.
package health
