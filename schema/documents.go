package schema

// Schemas of the documents kept by tabsync, keyed by document name.
var (
	Tile = Schema{
		"type":     "object",
		"required": []any{"id"},
		"properties": map[string]any{
			"id":    map[string]any{"type": "string", "minLength": 1},
			"name":  map[string]any{"type": "string"},
			"url":   map[string]any{"type": "string"},
			"icon":  map[string]any{"type": []any{"string", "null"}},
			"type":  map[string]any{"type": "string", "enum": []any{"link", "folder"}},
			"items": map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
		},
	}

	Tiles = Schema{"type": "array", "items": Tile}

	Settings = Schema{
		"type": "object",
		"properties": map[string]any{
			"tileSize":              map[string]any{"type": "string", "enum": []any{"small", "medium", "large"}},
			"showQuotes":            map[string]any{"type": "boolean"},
			"quotePosition":         map[string]any{"type": "string"},
			"timeFormat":            map[string]any{"type": "string", "enum": []any{"12h", "24h"}},
			"darkModeEnabled":       map[string]any{"type": "boolean"},
			"applyThemeToSearchbar": map[string]any{"type": "boolean"},
			"keyboardShortcuts": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
		},
	}

	// Notes accepts the legacy single-string format too.
	Notes = Schema{
		"type": []any{"array", "string"},
		"items": map[string]any{
			"type":     "object",
			"required": []any{"id"},
			"properties": map[string]any{
				"id":        map[string]any{"type": "string"},
				"title":     map[string]any{"type": "string"},
				"content":   map[string]any{"type": "string"},
				"createdAt": map[string]any{"type": "integer"},
				"updatedAt": map[string]any{"type": "integer"},
			},
		},
	}

	Todos = Schema{
		"type": "array",
		"items": map[string]any{
			"type":     "object",
			"required": []any{"id", "items"},
			"properties": map[string]any{
				"id":    map[string]any{"type": "string"},
				"title": map[string]any{"type": "string"},
				"items": map[string]any{"type": "array"},
			},
		},
	}

	QuotesDeck = Schema{"type": "array", "items": map[string]any{"type": "integer", "minimum": 0}}

	QuotesIndex = Schema{"type": "integer", "minimum": 0}

	// Bundle is an export file. Only tiles is required.
	Bundle = Schema{
		"type":     "object",
		"required": []any{"tiles"},
		"properties": map[string]any{
			"version":     map[string]any{"type": "string"},
			"exportDate":  map[string]any{"type": "string"},
			"tiles":       Tiles,
			"settings":    Settings,
			"quotesDeck":  QuotesDeck,
			"quotesIndex": QuotesIndex,
			"userNotes":   Notes,
			"userTodos":   Todos,
		},
	}

	Documents = map[string]Schema{
		"tiles":       Tiles,
		"settings":    Settings,
		"quotesDeck":  QuotesDeck,
		"quotesIndex": QuotesIndex,
		"userNotes":   Notes,
		"userTodos":   Todos,
	}
)
