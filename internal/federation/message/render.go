package message

import (
	"encoding/xml"
	"fmt"
	"strings"
)

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// Render serializes canonical fields as a flat current-schema payload
// element. Field order is preserved: it fixes the signable data string
// the recipient will recompute.
func Render(typeName string, fields []Field) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "<%s>", typeName)
	for _, f := range fields {
		fmt.Fprintf(&b, "<%s>%s</%s>", f.Name, escape(f.Value), f.Name)
	}
	fmt.Fprintf(&b, "</%s>", typeName)
	return []byte(b.String())
}

// SignedText joins field values in order with ";", skipping signature
// fields. This is the exact string field-level signatures cover.
func SignedText(fields []Field) string {
	values := make([]string, 0, len(fields))
	for _, f := range fields {
		if signatureFields[f.Name] {
			continue
		}
		values = append(values, f.Value)
	}
	return strings.Join(values, ";")
}
