package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/browser"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

const identityLabel = "VIN номер"

// ParseRows reads every two-cell table row of a document as a label/value
// pair. found is false when the document has no table at all.
func ParseRows(html string) (rows []vehicle.Row, found bool, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, false, fmt.Errorf("parse html: %w", err)
	}
	rows, found = rowsFromDocument(doc)
	return rows, found, nil
}

func rowsFromDocument(doc *goquery.Document) (rows []vehicle.Row, found bool) {
	tables := doc.Find("table")
	if tables.Length() == 0 {
		return nil, false
	}
	tables.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() < 2 {
			return
		}
		rows = append(rows, vehicle.Row{
			Label: vehicle.CleanLabel(cells.Eq(0).Text()),
			Value: strings.TrimSpace(cells.Eq(1).Text()),
		})
	})
	return rows, true
}

// ClassifyRows decides a table page's result from its rows.
func ClassifyRows(rows []vehicle.Row) (vehicle.StageResult, string) {
	if len(rows) == 0 {
		return vehicle.ResultNotFound, "table has no rows"
	}
	allEmpty := true
	for _, row := range rows {
		if strings.EqualFold(row.Label, identityLabel) {
			switch {
			case row.Value == "":
				return vehicle.ResultNotFound, "identity row is empty"
			case row.Value == vehicle.Unknown:
				return vehicle.ResultError, "identity row echoes the sentinel"
			}
		}
		if row.Value != "" {
			allEmpty = false
		}
	}
	if allEmpty {
		return vehicle.ResultNotFound, "every value is empty"
	}
	return vehicle.ResultOk, ""
}

func hasMarker(doc *goquery.Document, markers []string) bool {
	if len(markers) == 0 {
		return false
	}
	text := strings.Join(strings.Fields(doc.Text()), " ")
	for _, m := range markers {
		if m != "" && strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// TableExtractor reads label/value tables.
func TableExtractor(logger *zap.Logger) Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, sess browser.Session, p *Page) (vehicle.StageResult, vehicle.Extract, error) {
		html, err := sess.HTML(ctx)
		if err != nil {
			return vehicle.ResultError, vehicle.Extract{}, fmt.Errorf("%w: read page: %w", vehicle.ErrTransientStage, err)
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return vehicle.ResultError, vehicle.Extract{}, fmt.Errorf("parse html: %w", err)
		}
		if hasMarker(doc, p.NoData) {
			logger.Info("no-data marker present", zap.String("stage", p.Name))
			return vehicle.ResultNotFound, vehicle.Extract{}, nil
		}
		rows, found := rowsFromDocument(doc)
		if !found {
			logger.Error("result table missing", zap.String("stage", p.Name))
			return vehicle.ResultError, vehicle.Extract{}, nil
		}
		result, reason := ClassifyRows(rows)
		if result != vehicle.ResultOk {
			logger.Info("table classified", zap.String("stage", p.Name),
				zap.String("result", string(result)), zap.String("reason", reason))
			return result, vehicle.Extract{}, nil
		}
		return vehicle.ResultOk, vehicle.Extract{Rows: rows}, nil
	}
}

// AccidentList locates the accident list on the traffic police result page.
type AccidentList struct {
	Root  string
	Items string
	Title string
}

// AccidentExtractor screenshots every accident list item.
func AccidentExtractor(list AccidentList, logger *zap.Logger) Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, sess browser.Session, p *Page) (vehicle.StageResult, vehicle.Extract, error) {
		html, err := sess.HTML(ctx)
		if err != nil {
			return vehicle.ResultError, vehicle.Extract{}, fmt.Errorf("%w: read page: %w", vehicle.ErrTransientStage, err)
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return vehicle.ResultError, vehicle.Extract{}, fmt.Errorf("parse html: %w", err)
		}
		root := doc.Find(list.Root)
		items := root.Find(list.Items)
		titles := root.Find(list.Title)
		if items.Length() == 0 || titles.Length() > items.Length() {
			if hasMarker(doc, p.NoData) {
				logger.Info("no accidents recorded", zap.String("stage", p.Name))
				return vehicle.ResultNotFound, vehicle.Extract{}, nil
			}
			logger.Error("accident list missing or malformed", zap.String("stage", p.Name),
				zap.Int("items", items.Length()), zap.Int("titles", titles.Length()))
			return vehicle.ResultError, vehicle.Extract{}, nil
		}

		names := make([]string, 0, titles.Length())
		titles.Each(func(_ int, s *goquery.Selection) {
			names = append(names, strings.TrimSpace(s.Text()))
		})
		els, err := sess.FindAll(ctx, browser.CSS(list.Root+" "+list.Items))
		if err != nil {
			return vehicle.ResultError, vehicle.Extract{}, fmt.Errorf("%w: locate accidents: %w", vehicle.ErrTransientStage, err)
		}
		if len(els) == 0 {
			return vehicle.ResultError, vehicle.Extract{}, nil
		}
		var ex vehicle.Extract
		for i, el := range els {
			shot, err := sess.ElementScreenshot(ctx, el.Selector)
			if err != nil {
				return vehicle.ResultError, vehicle.Extract{}, fmt.Errorf("%w: accident screenshot: %w", vehicle.ErrTransientStage, err)
			}
			title := ""
			if i < len(names) {
				title = names[i]
			}
			ex.Accidents = append(ex.Accidents, vehicle.AccidentImage{Title: title, PNG: shot})
		}
		return vehicle.ResultOk, ex, nil
	}
}
