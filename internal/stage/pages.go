package stage

import (
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/browser"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

// Stage names.
const (
	VINLookup  = "vin_lookup"
	History    = "history"
	Limits     = "limits"
	Hijacking  = "hijacking"
	Inspection = "inspection"
	Accident   = "accident"
)

// DefaultSiteKey is the reCAPTCHA site key of the plate lookup form.
const DefaultSiteKey = "6LfY85spAAAAAE0dA0h57RxA5TEegIruV38jDeEQ"

// NoAccidentsMarker is printed by the traffic police portal when a VIN has no
// accident records.
const NoAccidentsMarker = "В результате обработки запроса к АИУС ГИБДД записи о дорожно-транспортных происшествиях не найдены."

// Sites locates the portals.
type Sites struct {
	RegistryBaseURL  string
	TrafficPoliceURL string
	SiteKey          string
	NoDataMarkers    []string
}

func (s Sites) withDefaults() Sites {
	if s.RegistryBaseURL == "" {
		s.RegistryBaseURL = "https://vin2vin.ru"
	}
	s.RegistryBaseURL = strings.TrimRight(s.RegistryBaseURL, "/")
	if s.TrafficPoliceURL == "" {
		s.TrafficPoliceURL = "https://xn--90adear.xn--p1ai/check/auto"
	}
	if s.SiteKey == "" {
		s.SiteKey = DefaultSiteKey
	}
	return s
}

var (
	registryPrimaryInput   = browser.CSS("#exampleInputEmail2")
	registrySecondaryInput = browser.CSS("#exampleInputPassword2")
	registrySubmit         = browser.CSS(`button[type="submit"]`)
	registryCaptcha        = browser.CSS("#p2")

	periodLabel = regexp.MustCompile(`^[СсCc]\s*\d{4}`)
)

// Catalog returns every page keyed by stage name.
func Catalog(sites Sites, logger *zap.Logger) map[string]*Page {
	sites = sites.withDefaults()
	tables := TableExtractor(logger)

	needVIN := func(id vehicle.Identity) bool { return id.HasVIN() }
	vinInput := func(id vehicle.Identity) []Input {
		return []Input{{Selector: registryPrimaryInput, Value: id.VIN}}
	}
	registry := func(name, path string, apply Applier) *Page {
		return &Page{
			Name:         name,
			URL:          sites.RegistryBaseURL + path,
			Ready:        needVIN,
			Inputs:       vinInput,
			Captcha:      CaptchaImage,
			CaptchaImage: registryCaptcha,
			AnswerInput:  registrySecondaryInput,
			Submit:       registrySubmit,
			ResultReady:  browser.CSS("table"),
			NoData:       sites.NoDataMarkers,
			Extract:      tables,
			Apply:        apply,
		}
	}

	reveal := browser.XPath(`//a[contains(normalize-space(.), "запросить сведения о ДТП")]`)
	return map[string]*Page{
		VINLookup: {
			Name:     VINLookup,
			URL:      sites.RegistryBaseURL + "/getvin",
			Identity: true,
			Ready:    func(id vehicle.Identity) bool { return id.HasPlate() && !id.HasVIN() },
			Inputs: func(id vehicle.Identity) []Input {
				return []Input{
					{Selector: registryPrimaryInput, Value: id.PlateNumber},
					{Selector: registrySecondaryInput, Value: id.PlateRegion},
				}
			},
			Captcha:       CaptchaChallenge,
			SiteKey:       sites.SiteKey,
			TokenInjector: injectRecaptchaToken,
			Submit:        registrySubmit,
			ResultReady:   browser.CSS("table"),
			NoData:        sites.NoDataMarkers,
			Extract:       tables,
			Apply:         applyRecord,
		},
		History:    registry(History, "/history", applyHistory),
		Limits:     registry(Limits, "/restricted", applyLimits),
		Hijacking:  registry(Hijacking, "/wanted", applyHijacking),
		Inspection: registry(Inspection, "/eaisto", applyInspection),
		Accident: {
			Name:         Accident,
			URL:          sites.TrafficPoliceURL,
			Ready:        needVIN,
			Inputs:       func(id vehicle.Identity) []Input { return []Input{{Selector: browser.CSS("#checkAutoVIN"), Value: id.VIN}} },
			Reveal:       &reveal,
			Captcha:      CaptchaImage,
			CaptchaImage: browser.CSS("#captchaPic img"),
			AnswerInput:  browser.CSS(`input[name="captcha_num"]`),
			Submit:       browser.CSS("#captchaSubmit"),
			ResultReady:  browser.CSS("#checkAutoAiusdtp .checkResult"),
			NoData:       append([]string{NoAccidentsMarker}, sites.NoDataMarkers...),
			Extract: AccidentExtractor(AccidentList{
				Root:  "#checkAutoAiusdtp .checkResult .aiusdtp-list",
				Items: "li",
				Title: ".ul-title",
			}, logger),
		},
	}
}

func injectRecaptchaToken(token string) string {
	quoted, _ := json.Marshal(token)
	return `(function(){var el=document.getElementById("g-recaptcha-response");` +
		`if(el){el.value=` + string(quoted) + `;el.innerHTML=` + string(quoted) + `;}})()`
}

func applyRecord(rec *vehicle.Record, ex vehicle.Extract) []vehicle.Conflict {
	conflicts, _ := vehicle.ApplyRows(rec, ex.Rows)
	return conflicts
}

func applyHistory(rec *vehicle.Record, ex vehicle.Extract) []vehicle.Conflict {
	var (
		periods []vehicle.Registration
		rest    []vehicle.Row
	)
	for _, row := range ex.Rows {
		if periodLabel.MatchString(row.Label) {
			periods = append(periods, vehicle.Registration{Period: row.Label, Description: row.Value})
			continue
		}
		rest = append(rest, row)
	}
	if len(periods) > 0 {
		rec.RegistrationHistory = periods
	}
	conflicts, _ := vehicle.ApplyRows(rec, rest)
	return conflicts
}

func applyLimits(rec *vehicle.Record, ex vehicle.Extract) []vehicle.Conflict {
	conflicts, unmatched := vehicle.ApplyRows(rec, ex.Rows)
	var limits []vehicle.Limit
	for _, row := range unmatched {
		if !vehicle.Known(row.Value) {
			continue
		}
		limits = append(limits, vehicle.Limit{Description: joinRow(row)})
	}
	if len(limits) > 0 {
		rec.Limits = limits
	}
	return conflicts
}

func applyHijacking(rec *vehicle.Record, ex vehicle.Extract) []vehicle.Conflict {
	conflicts, unmatched := vehicle.ApplyRows(rec, ex.Rows)
	if vehicle.Known(rec.Hijacking) {
		return conflicts
	}
	var lines []string
	for _, row := range unmatched {
		if vehicle.Known(row.Value) {
			lines = append(lines, joinRow(row))
		}
	}
	if len(lines) > 0 {
		rec.Hijacking = strings.Join(lines, "; ")
	}
	return conflicts
}

// applyInspection groups inspection rows into entries; a diagnostic card
// number starts a new entry.
func applyInspection(rec *vehicle.Record, ex vehicle.Extract) []vehicle.Conflict {
	var (
		entries []vehicle.Inspection
		rest    []vehicle.Row
	)
	for _, row := range ex.Rows {
		probe := &vehicle.Inspection{}
		field, ok := vehicle.Lookup(probe, row.Label)
		if !ok {
			rest = append(rest, row)
			continue
		}
		if field.Name == "card_number" || len(entries) == 0 {
			entries = append(entries, vehicle.Inspection{})
		}
		cur := &entries[len(entries)-1]
		target, _ := vehicle.Lookup(cur, field.Name)
		*target.Value = strings.TrimSpace(row.Value)
	}
	if len(entries) > 0 {
		for i := range entries {
			for _, f := range entries[i].Fields() {
				if *f.Value == "" {
					*f.Value = vehicle.Unknown
				}
			}
		}
		rec.Inspections = entries
	}
	conflicts, _ := vehicle.ApplyRows(rec, rest)
	return conflicts
}

func joinRow(row vehicle.Row) string {
	if row.Label == "" {
		return row.Value
	}
	return row.Label + ": " + row.Value
}
