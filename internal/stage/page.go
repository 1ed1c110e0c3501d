// Package stage drives one portal form through its captcha to an extracted
// result. Every portal page is described by a Page value and run by the same
// state machine (Runner).
package stage

import (
	"context"

	"github.com/JakeFAU/carscan/internal/browser"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

// CaptchaKind is the kind of captcha guarding a page.
type CaptchaKind int

// Captcha kinds.
const (
	CaptchaNone CaptchaKind = iota
	CaptchaImage
	CaptchaChallenge
)

// Input is one form field to fill before submitting.
type Input struct {
	Selector browser.Selector
	Value    string
}

// Extractor reads a submitted page.
type Extractor func(ctx context.Context, sess browser.Session, p *Page) (vehicle.StageResult, vehicle.Extract, error)

// Applier folds an Ok extract into the record and returns merge conflicts.
type Applier func(rec *vehicle.Record, ex vehicle.Extract) []vehicle.Conflict

// Page describes one portal form.
type Page struct {
	Name string
	URL  string
	// Identity pages establish the record's identity; NotFound there ends the
	// pipeline.
	Identity bool
	Ready    func(id vehicle.Identity) bool
	Inputs   func(id vehicle.Identity) []Input
	// Reveal, when set, is clicked after filling to expose the captcha.
	Reveal *browser.Selector

	Captcha       CaptchaKind
	CaptchaImage  browser.Selector
	AnswerInput   browser.Selector
	SiteKey       string
	TokenInjector func(token string) string

	Submit      browser.Selector
	ResultReady browser.Selector
	NoData      []string

	Extract Extractor
	Apply   Applier
}

// firstInput returns the selector the runner waits on after loading the page.
func (p *Page) firstInput(id vehicle.Identity) (browser.Selector, bool) {
	if p.Inputs == nil {
		return browser.Selector{}, false
	}
	in := p.Inputs(id)
	if len(in) == 0 {
		return browser.Selector{}, false
	}
	return in[0].Selector, true
}
