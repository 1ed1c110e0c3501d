// Package store owns the in-memory vehicle state: resolved records indexed by
// ID, VIN and plate, in-flight scrape reservations, and requesters with the
// records they resolved. Every mutation happens under one lock so lookups and
// reservations never race.
package store
