package chat

import (
	"strings"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

// AccidentCaption labels the accident image batch.
const AccidentCaption = "Accidents"

// RecordMessages renders rec as a text summary followed, when there are
// accident screenshots, by one image batch.
func RecordMessages(rec *vehicle.Record, heading string) []Message {
	var b strings.Builder
	if heading != "" {
		b.WriteString(heading)
		b.WriteByte('\n')
	}
	b.WriteString(vehicle.Summary(rec))

	section := func(title string, items []vehicle.Fielded) {
		if len(items) == 0 {
			return
		}
		b.WriteString(title)
		b.WriteString(":\n")
		for _, it := range items {
			var parts []string
			for _, f := range it.Fields() {
				if vehicle.Known(*f.Value) {
					parts = append(parts, *f.Value)
				}
			}
			b.WriteString("  ")
			b.WriteString(strings.Join(parts, ": "))
			b.WriteByte('\n')
		}
	}
	section("Registration history", fielded(rec.RegistrationHistory))
	section("Limits", fielded(rec.Limits))
	section("Inspections", fielded(rec.Inspections))
	if len(rec.Accidents) > 0 {
		b.WriteString("Accidents: photos attached\n")
	}

	msgs := []Message{{Text: strings.TrimRight(b.String(), "\n")}}
	if len(rec.Accidents) > 0 {
		refs := make([]string, 0, len(rec.Accidents))
		for _, a := range rec.Accidents {
			refs = append(refs, a.ImageRef)
		}
		msgs = append(msgs, Message{Images: refs, Caption: AccidentCaption})
	}
	return msgs
}

func fielded[T any, P interface {
	*T
	vehicle.Fielded
}](items []T) []vehicle.Fielded {
	out := make([]vehicle.Fielded, 0, len(items))
	for i := range items {
		out = append(out, P(&items[i]))
	}
	return out
}
