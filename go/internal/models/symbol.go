package models

import (
	"fmt"
	"strings"
)

// SymbolType is the shape half of a Target. The zero value means no symbol.
type SymbolType int

const (
	SymbolNone SymbolType = iota
	SymbolUdu
	SymbolBuru
	SymbolBulbu
	SymbolKatak
	SymbolRatak
	SymbolMiso
)

// SymbolCount is the number of selectable symbols.
const SymbolCount = 6

var symbolNames = map[SymbolType]string{
	SymbolUdu:   "udu",
	SymbolBuru:  "buru",
	SymbolBulbu: "bulbu",
	SymbolKatak: "katak",
	SymbolRatak: "ratak",
	SymbolMiso:  "miso",
}

func (s SymbolType) String() string {
	if name, ok := symbolNames[s]; ok {
		return name
	}
	return "none"
}

// Valid reports whether s names one of the six symbols.
func (s SymbolType) Valid() bool {
	return s >= SymbolUdu && s <= SymbolMiso
}

// ParseSymbol maps a wire name to a SymbolType. An empty string or "none" yields SymbolNone.
func ParseSymbol(name string) (SymbolType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "none" {
		return SymbolNone, nil
	}
	for s, n := range symbolNames {
		if n == name {
			return s, nil
		}
	}
	return SymbolNone, fmt.Errorf("unknown symbol %q", name)
}

// Color is the color half of a Target. The zero value means no color.
type Color int

const (
	ColorNone Color = iota
	ColorYellow
	ColorRed
	ColorBlue
	ColorGreen
)

// ColorCount is the number of selectable colors.
const ColorCount = 4

var colorNames = map[Color]string{
	ColorYellow: "yellow",
	ColorRed:    "red",
	ColorBlue:   "blue",
	ColorGreen:  "green",
}

func (c Color) String() string {
	if name, ok := colorNames[c]; ok {
		return name
	}
	return "none"
}

// Valid reports whether c names one of the four colors.
func (c Color) Valid() bool {
	return c >= ColorYellow && c <= ColorGreen
}

// ParseColor maps a wire name to a Color. An empty string or "none" yields ColorNone.
func ParseColor(name string) (Color, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "none" {
		return ColorNone, nil
	}
	for c, n := range colorNames {
		if n == name {
			return c, nil
		}
	}
	return ColorNone, fmt.Errorf("unknown color %q", name)
}

// Target is the symbol/color pair a participant must currently match.
type Target struct {
	Symbol SymbolType `json:"symbol"`
	Color  Color      `json:"color"`
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s", t.Color, t.Symbol)
}

// Submission is one participant's answer. Either field may be unset.
type Submission struct {
	Participant Slot       `json:"participant"`
	Symbol      SymbolType `json:"symbol"`
	Color       Color      `json:"color"`
}

// Complete reports whether both halves of the answer were chosen.
func (s Submission) Complete() bool {
	return s.Symbol.Valid() && s.Color.Valid()
}

// Matches reports whether s answers t. An incomplete submission never matches.
func (s Submission) Matches(t Target) bool {
	return s.Complete() && s.Symbol == t.Symbol && s.Color == t.Color
}
