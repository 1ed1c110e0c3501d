// Package storage holds the row layout shared by the SQL snapshot backends.
// Concrete backends live in subpackages.
package storage

import (
	"sort"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

// Link attaches a record to a requester at a position in its list.
type Link struct {
	RequesterID string
	RecordID    string
	Position    int
}

// Flatten splits snap into unique records (ordered by ID) and requester
// links. Records are deduplicated by ID.
func Flatten(snap vehicle.Snapshot) ([]vehicle.Record, []Link) {
	byID := make(map[string]vehicle.Record)
	var links []Link
	requesters := make([]string, 0, len(snap))
	for id := range snap {
		requesters = append(requesters, id)
	}
	sort.Strings(requesters)
	for _, requester := range requesters {
		for pos, rec := range snap[requester] {
			if _, ok := byID[rec.ID]; !ok {
				byID[rec.ID] = rec
			}
			links = append(links, Link{RequesterID: requester, RecordID: rec.ID, Position: pos})
		}
	}
	records := make([]vehicle.Record, 0, len(byID))
	for _, rec := range byID {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, links
}

// Assemble rebuilds a snapshot from records and links ordered by requester
// and position. Links to missing records are skipped.
func Assemble(records map[string]vehicle.Record, links []Link) vehicle.Snapshot {
	snap := vehicle.Snapshot{}
	for _, l := range links {
		rec, ok := records[l.RecordID]
		if !ok {
			continue
		}
		snap[l.RequesterID] = append(snap[l.RequesterID], *rec.Clone())
	}
	return snap
}

// PlateKey is the plate column value of rec, empty when unknown.
func PlateKey(rec vehicle.Record) string {
	id := rec.Identity()
	if !id.HasPlate() {
		return ""
	}
	return id.PlateNumber + id.PlateRegion
}

// VINKey is the vin column value of rec, empty when unknown.
func VINKey(rec vehicle.Record) string {
	if !vehicle.Known(rec.VIN) {
		return ""
	}
	return rec.VIN
}
