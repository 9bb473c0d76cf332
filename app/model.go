package app

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/stevemurr/tabsync/chunk"
)

// Document keys.
const (
	KeyTiles       = "tiles"
	KeySettings    = "settings"
	KeyQuotesDeck  = "quotesDeck"
	KeyQuotesIndex = "quotesIndex"
	KeyNotes       = "userNotes"
	KeyTodos       = "userTodos"
)

// Keys lists every document the state is made of.
var Keys = []string{KeyTiles, KeySettings, KeyQuotesDeck, KeyQuotesIndex, KeyNotes, KeyTodos}

// Tile types.
const (
	TileLink   = "link"
	TileFolder = "folder"
)

// Tile is a link on the new tab page, or a folder of links.
type Tile struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	URL   string `json:"url,omitempty"`
	Icon  string `json:"icon,omitempty"`
	Type  string `json:"type,omitempty"`
	Items []Tile `json:"items,omitempty"`

	// Extra keeps the fields this version does not know about, so they
	// survive a load and save.
	Extra map[string]json.RawMessage `json:"-"`
}

type tileFields Tile

var tileKnown = jsonFields(reflect.TypeOf(tileFields{}))

func (t Tile) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(tileFields(t), t.Extra)
}

func (t *Tile) UnmarshalJSON(data []byte) error {
	f := tileFields(*t)
	extra, err := unmarshalWithExtra(data, &f, tileKnown)
	if err != nil {
		return err
	}
	*t = Tile(f)
	t.Extra = extra
	return nil
}

// Settings are the user preferences.
type Settings struct {
	TileSize              string            `json:"tileSize"`
	ShowQuotes            bool              `json:"showQuotes"`
	QuotePosition         string            `json:"quotePosition"`
	QuoteTextColor        string            `json:"quoteTextColor"`
	TimeFont              string            `json:"timeFont"`
	SearchEngine          string            `json:"searchEngine"`
	TimeFormat            string            `json:"timeFormat"`
	TileTheme             string            `json:"tileTheme"`
	ApplyThemeToSearchbar bool              `json:"applyThemeToSearchbar"`
	FocusModeActive       bool              `json:"focusModeActive"`
	DarkModeEnabled       bool              `json:"darkModeEnabled"`
	OnboardingComplete    bool              `json:"onboardingComplete"`
	KeyboardShortcuts     map[string]string `json:"keyboardShortcuts"`

	Extra map[string]json.RawMessage `json:"-"`
}

type settingsFields Settings

var settingsKnown = jsonFields(reflect.TypeOf(settingsFields{}))

func (s Settings) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(settingsFields(s), s.Extra)
}

// UnmarshalJSON decodes over the current value: fields missing from data
// keep it, and stored shortcuts are merged into the current ones.
func (s *Settings) UnmarshalJSON(data []byte) error {
	f := settingsFields(*s)
	extra, err := unmarshalWithExtra(data, &f, settingsKnown)
	if err != nil {
		return err
	}
	*s = Settings(f)
	s.Extra = extra
	return nil
}

// DefaultShortcuts returns the default key of each keyboard action.
func DefaultShortcuts() map[string]string {
	return map[string]string{
		"newTile":         "n",
		"focusMode":       "f",
		"changeWallpaper": "w",
		"navigateUp":      "ArrowUp",
		"navigateDown":    "ArrowDown",
		"navigateLeft":    "ArrowLeft",
		"navigateRight":   "ArrowRight",
		"openTile":        "Enter",
		"deleteTile":      "Delete",
		"showHelp":        "?",
	}
}

// DefaultSettings returns the settings of a fresh install.
func DefaultSettings() Settings {
	return Settings{
		TileSize:              "medium",
		ShowQuotes:            true,
		QuotePosition:         "both",
		QuoteTextColor:        "white",
		TimeFont:              "orbitron",
		SearchEngine:          "google",
		TimeFormat:            "12h",
		TileTheme:             "liquid-glass",
		ApplyThemeToSearchbar: true,
		KeyboardShortcuts:     DefaultShortcuts(),
	}
}

// Note is a free-form text note. Times are Unix milliseconds.
type Note struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Source    string `json:"source,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type TodoItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

type TodoList struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Items     []TodoItem `json:"items"`
	CreatedAt int64      `json:"createdAt"`
	UpdatedAt int64      `json:"updatedAt"`
}

// jsonFields returns the JSON names of the fields of struct type t.
func jsonFields(t reflect.Type) map[string]bool {
	names := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		switch name {
		case "-":
			continue
		case "":
			name = t.Field(i).Name
		}
		names[name] = true
	}
	return names
}

func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := chunk.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, ok := all[k]; !ok {
			all[k] = val
		}
	}
	return chunk.Marshal(all)
}

func unmarshalWithExtra(data []byte, v any, known map[string]bool) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k := range all {
		if known[k] {
			delete(all, k)
		}
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}
