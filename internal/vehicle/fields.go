package vehicle

import (
	"strings"
)

// Field maps one canonical field to the label the portals print for it.
type Field struct {
	Name  string
	Label string
	Value *string
}

// Fielded is implemented by every type whose scalar fields are read from
// portal tables, merged, summarized, or stored row by row.
type Fielded interface {
	Fields() []Field
}

var (
	_ Fielded = (*Record)(nil)
	_ Fielded = (*Registration)(nil)
	_ Fielded = (*Limit)(nil)
	_ Fielded = (*Inspection)(nil)
	_ Fielded = (*Accident)(nil)
)

// Fields returns the record's scalar fields in display order.
func (r *Record) Fields() []Field {
	return []Field{
		{"vin_number", "VIN номер", &r.VIN},
		{"license_number", "Гос. номер", &r.PlateNumber},
		{"license_region", "Регион", &r.PlateRegion},
		{"body_number", "Номер кузова", &r.BodyNumber},
		{"chassis_number", "Номер шасси", &r.ChassisNumber},
		{"brand", "Марка", &r.Brand},
		{"model", "Модель", &r.Model},
		{"manufacture_year", "Год выпуска", &r.ManufactureYear},
		{"vehicle_category", "Категория", &r.Category},
		{"vehicle_category_tr", "Категория ТР ТС", &r.CategoryTR},
		{"min_weight", "Масса без нагрузки", &r.MinWeight},
		{"max_weight", "Разрешенная максимальная масса", &r.MaxWeight},
		{"power_hp", "Мощность (л.с.)", &r.PowerHP},
		{"fuel_type", "Тип топлива", &r.FuelType},
		{"brake_system", "Тормозная система", &r.BrakeSystem},
		{"document_type_sts", "Тип документа", &r.DocumentType},
		{"document_series", "Серия документа", &r.DocumentSeries},
		{"document_number", "Номер документа", &r.DocumentNumber},
		{"document_date", "Дата выдачи документа", &r.DocumentDate},
		{"document_maker", "Кем выдан документ", &r.DocumentIssuer},
		{"color", "Цвет", &r.Color},
		{"vehicle_type", "Тип ТС", &r.VehicleType},
		{"engine_capacity", "Объем двигателя", &r.EngineCapacity},
		{"engine_number", "Номер двигателя", &r.EngineNumber},
		{"pts_series_number", "Серия и номер ПТС", &r.PTSSeriesNumber},
		{"pts_maker", "Кем выдан ПТС", &r.PTSIssuer},
		{"pts_owner", "Количество владельцев по ПТС", &r.PTSOwners},
		{"hijacking", "Угон", &r.Hijacking},
	}
}

// Fields implements Fielded.
func (r *Registration) Fields() []Field {
	return []Field{
		{"period", "Период", &r.Period},
		{"description", "Владелец", &r.Description},
	}
}

// Fields implements Fielded.
func (l *Limit) Fields() []Field {
	return []Field{{"description", "Ограничение", &l.Description}}
}

// Fields implements Fielded.
func (i *Inspection) Fields() []Field {
	return []Field{
		{"card_number", "Номер диагностической карты", &i.CardNumber},
		{"valid_until", "Срок действия", &i.ValidUntil},
		{"mileage", "Пробег", &i.Mileage},
	}
}

// Fields implements Fielded.
func (a *Accident) Fields() []Field {
	return []Field{
		{"image_ref", "Изображение", &a.ImageRef},
		{"title", "ДТП", &a.Title},
	}
}

// Lookup finds a field by canonical name or portal label. Labels compare
// case-insensitively with surrounding colons and spaces stripped.
func Lookup(f Fielded, key string) (Field, bool) {
	want := CleanLabel(key)
	for _, field := range f.Fields() {
		if field.Name == key || strings.EqualFold(field.Label, want) {
			return field, true
		}
	}
	return Field{}, false
}

// CleanLabel strips the decoration portals put around table labels.
func CleanLabel(label string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(label), ":"))
}

// Known reports whether a value carries real data.
func Known(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && v != Unknown
}

// Conflict describes a merge that replaced one known value with another.
type Conflict struct {
	Field string
	Old   string
	New   string
	Kept  bool
}

// Merge copies the known scalar values of src into dst. Unknown or empty
// values never replace known ones. A differing known value replaces the old
// one and is reported as a Conflict, except for the VIN, which is kept.
func Merge(dst, src Fielded) []Conflict {
	var conflicts []Conflict
	srcFields := src.Fields()
	for i, d := range dst.Fields() {
		if i >= len(srcFields) {
			break
		}
		s := srcFields[i]
		if d.Name != s.Name || !Known(*s.Value) {
			continue
		}
		next := strings.TrimSpace(*s.Value)
		if !Known(*d.Value) {
			*d.Value = next
			continue
		}
		if *d.Value == next {
			continue
		}
		c := Conflict{Field: d.Name, Old: *d.Value, New: next}
		if d.Name == "vin_number" {
			c.Kept = true
		} else {
			*d.Value = next
		}
		conflicts = append(conflicts, c)
	}
	return conflicts
}

// ApplyRows assigns table rows onto f by label. Rows whose label matches no
// field are returned. The same known-value rules as Merge apply.
func ApplyRows(f Fielded, rows []Row) (conflicts []Conflict, unmatched []Row) {
	for _, row := range rows {
		field, ok := Lookup(f, row.Label)
		if !ok {
			unmatched = append(unmatched, row)
			continue
		}
		if !Known(row.Value) {
			continue
		}
		next := strings.TrimSpace(row.Value)
		switch {
		case !Known(*field.Value):
			*field.Value = next
		case *field.Value != next:
			c := Conflict{Field: field.Name, Old: *field.Value, New: next}
			if field.Name == "vin_number" {
				c.Kept = true
			} else {
				*field.Value = next
			}
			conflicts = append(conflicts, c)
		}
	}
	return conflicts, unmatched
}

// Values flattens f into canonical name/value pairs, for row-oriented storage.
func Values(f Fielded) map[string]string {
	fields := f.Fields()
	out := make(map[string]string, len(fields))
	for _, field := range fields {
		out[field.Name] = *field.Value
	}
	return out
}

// Summary renders the known fields of f as "Label: value" lines.
func Summary(f Fielded) string {
	var b strings.Builder
	for _, field := range f.Fields() {
		b.WriteString(field.Label)
		b.WriteString(": ")
		if Known(*field.Value) {
			b.WriteString(*field.Value)
		} else {
			b.WriteString(Unknown)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
