package widget

import "formdesk-server/service/form"

// InitialDefinition is what a fresh builder canvas starts from.
var InitialDefinition = form.Schema(`{"display":"form","components":[]}`)

type PaletteGroup struct {
	Title      string          `json:"title"`
	Default    bool            `json:"default,omitempty"`
	Weight     int             `json:"weight"`
	Components map[string]bool `json:"components"`
}

// Palette maps group keys to the components offered in the builder sidebar.
type Palette map[string]PaletteGroup

func DefaultPalette() Palette {
	return Palette{
		"basic": {
			Title:   "Basic Components",
			Default: true,
			Weight:  0,
			Components: enabled(
				"textfield", "textarea", "number", "password", "checkbox",
				"selectboxes", "select", "radio", "button",
			),
		},
		"advanced": {
			Title:  "Advanced",
			Weight: 10,
			Components: enabled(
				"email", "phoneNumber", "address", "datetime", "day",
				"time", "currency", "signature",
			),
		},
		"layout": {
			Title:  "Layout",
			Weight: 20,
			Components: enabled(
				"columns", "panel", "fieldset", "table", "tabs", "well", "content",
			),
		},
	}
}

func enabled(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
