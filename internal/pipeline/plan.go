package pipeline

import (
	"github.com/JakeFAU/carscan/internal/stage"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

var fullReport = []string{
	stage.History,
	stage.Limits,
	stage.Hijacking,
	stage.Inspection,
	stage.Accident,
}

// Plan lists the pages a report needs, in order. VIN lookup is planned only
// while the VIN is unknown. Names missing from catalog are left out.
func Plan(report vehicle.ReportType, id vehicle.Identity, catalog map[string]*stage.Page) []*stage.Page {
	var names []string
	if !id.HasVIN() {
		names = append(names, stage.VINLookup)
	}
	if report == vehicle.ReportFull {
		names = append(names, fullReport...)
	}
	pages := make([]*stage.Page, 0, len(names))
	for _, name := range names {
		if p, ok := catalog[name]; ok && p != nil {
			pages = append(pages, p)
		}
	}
	return pages
}
