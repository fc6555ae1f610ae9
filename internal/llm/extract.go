package llm

import (
	"errors"
	"strings"

	"github.com/goccy/go-json"
)

const (
	jsonFenceOpen = "```json"
	fenceClose    = "```"
)

var errNotJSON = errors.New("no parseable JSON in response")

// ExtractJSON returns text unchanged when it is valid JSON. Otherwise it
// returns the interior of the first ```json fence, up to the nearest closing
// fence, if that parses.
func ExtractJSON(text string) (string, error) {
	if json.Valid([]byte(text)) {
		return text, nil
	}

	start := strings.Index(text, jsonFenceOpen)
	if start < 0 {
		return "", errNotJSON
	}
	rest := text[start+len(jsonFenceOpen):]
	end := strings.Index(rest, fenceClose)
	if end < 0 {
		return "", errNotJSON
	}

	inner := strings.TrimSpace(rest[:end])
	if !json.Valid([]byte(inner)) {
		return "", errNotJSON
	}
	return inner, nil
}
