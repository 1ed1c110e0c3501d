package vehicle

import (
	"time"
)

// Unknown is the sentinel the portals print when a field has no data. It is
// distinct from an empty string, which means the field was never read.
const Unknown = "Нет информации"

// StageResult is the terminal outcome of one page stage.
type StageResult string

// Stage results.
const (
	ResultOk       StageResult = "ok"
	ResultError    StageResult = "error"
	ResultNotFound StageResult = "not_found"
	ResultSkipped  StageResult = "skipped"
)

// Terminal reports whether the result ends the stage without a retry.
func (r StageResult) Terminal() bool {
	return r != ResultError
}

// RequesterState tracks where a requester is in the admission flow.
type RequesterState string

// Requester states.
const (
	StateIdle          RequesterState = "idle"
	StateAwaitingInput RequesterState = "awaiting_input"
	StateQueued        RequesterState = "queued"
	StateProcessing    RequesterState = "processing"
)

// Busy reports whether a new submission must be rejected.
func (s RequesterState) Busy() bool {
	return s == StateQueued || s == StateProcessing
}

// ReportType selects which stages a pipeline runs.
type ReportType string

// Report types.
const (
	ReportIdentity ReportType = "identity"
	ReportFull     ReportType = "full"
)

// Registration is one period of the registration history.
type Registration struct {
	Period      string `json:"period"`
	Description string `json:"description"`
}

// Limit is one registration restriction.
type Limit struct {
	Description string `json:"description"`
}

// Inspection is one technical inspection entry with the recorded mileage.
type Inspection struct {
	CardNumber string `json:"card_number"`
	ValidUntil string `json:"valid_until"`
	Mileage    string `json:"mileage"`
}

// Accident references a stored screenshot of one accident report.
type Accident struct {
	ImageRef string `json:"image_ref"`
	Title    string `json:"title,omitempty"`
}

// Record is everything known about one vehicle.
type Record struct {
	ID              string `json:"id"`
	VIN             string `json:"vin_number"`
	PlateNumber     string `json:"license_number"`
	PlateRegion     string `json:"license_region"`
	BodyNumber      string `json:"body_number"`
	ChassisNumber   string `json:"chassis_number"`
	Brand           string `json:"brand"`
	Model           string `json:"model"`
	ManufactureYear string `json:"manufacture_year"`
	Category        string `json:"vehicle_category"`
	CategoryTR      string `json:"vehicle_category_tr"`
	MinWeight       string `json:"min_weight"`
	MaxWeight       string `json:"max_weight"`
	PowerHP         string `json:"power_hp"`
	FuelType        string `json:"fuel_type"`
	BrakeSystem     string `json:"brake_system"`
	DocumentType    string `json:"document_type_sts"`
	DocumentSeries  string `json:"document_series"`
	DocumentNumber  string `json:"document_number"`
	DocumentDate    string `json:"document_date"`
	DocumentIssuer  string `json:"document_maker"`
	Color           string `json:"color"`
	VehicleType     string `json:"vehicle_type"`
	EngineCapacity  string `json:"engine_capacity"`
	EngineNumber    string `json:"engine_number"`
	PTSSeriesNumber string `json:"pts_series_number"`
	PTSIssuer       string `json:"pts_maker"`
	PTSOwners       string `json:"pts_owner"`
	Hijacking       string `json:"hijacking"`

	RegistrationHistory []Registration `json:"registration_history"`
	Limits              []Limit        `json:"vehicle_limits"`
	Inspections         []Inspection   `json:"inspections"`
	Accidents           []Accident     `json:"accidents"`

	// Report is the widest report scraped into the record. Empty means the
	// record was entered by hand and is treated as complete.
	Report    ReportType `json:"report,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewRecord returns a record with every scalar field set to Unknown.
func NewRecord(id string) *Record {
	r := &Record{ID: id}
	for _, f := range r.Fields() {
		*f.Value = Unknown
	}
	return r
}

// Normalize replaces empty scalar fields with Unknown.
func (r *Record) Normalize() {
	for _, f := range r.Fields() {
		if *f.Value == "" {
			*f.Value = Unknown
		}
	}
}

// Identity returns the lookup identity of the record.
func (r *Record) Identity() Identity {
	return Identity{VIN: r.VIN, PlateNumber: r.PlateNumber, PlateRegion: r.PlateRegion}
}

// Covers reports whether the record already holds everything want asks for.
func (r *Record) Covers(want ReportType) bool {
	switch r.Report {
	case "", ReportFull:
		return true
	case ReportIdentity:
		return want == ReportIdentity
	}
	return false
}

// Widen returns the wider of two report types.
func (t ReportType) Widen(other ReportType) ReportType {
	if t == "" || other == "" {
		return ""
	}
	if t == ReportFull || other == ReportFull {
		return ReportFull
	}
	return ReportIdentity
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.RegistrationHistory = append([]Registration(nil), r.RegistrationHistory...)
	cp.Limits = append([]Limit(nil), r.Limits...)
	cp.Inspections = append([]Inspection(nil), r.Inspections...)
	cp.Accidents = append([]Accident(nil), r.Accidents...)
	return &cp
}

// Requester is one chat or API user and the records it has resolved.
type Requester struct {
	ID      string
	State   RequesterState
	Records []*Record
}

// WorkItem is a queued scrape request awaiting a free worker slot.
type WorkItem struct {
	ID          string
	RequesterID string
	Raw         string
	Identity    Identity
	Report      ReportType
	Submitted   time.Time
}

// Row is one label/value pair read from a portal table.
type Row struct {
	Label string
	Value string
}

// AccidentImage is a screenshot of one accident entry before it is stored.
type AccidentImage struct {
	Title string
	PNG   []byte
}

// Extract is what a stage read from its page.
type Extract struct {
	Rows      []Row
	Accidents []AccidentImage
}
