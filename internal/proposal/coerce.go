package proposal

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/markymo/compass-sub003/internal/model"
)

// dateLayouts are the accepted input date formats, tried in order. Slash
// dates are day-first.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// thousandsRe matches numbers grouped with commas in threes, e.g. 1,250.50.
var thousandsRe = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+(\.\d+)?$`)

var boolWords = map[string]bool{
	"true": true, "yes": true, "y": true, "1": true, "on": true,
	"false": false, "no": false, "n": false, "0": false, "off": false,
}

// Coerce casts raw to the Go type used for def's data type: string for text,
// select and date (YYYY-MM-DD), float64 for number, bool for boolean and
// []string for group. Text is trimmed, NFC-normalised and has runs of
// whitespace collapsed. Select values resolve to the declared option.
func Coerce(def model.FieldDefinition, raw any) (any, error) {
	fail := func(detail string) error {
		return &model.CoercionError{
			FieldNo:  def.FieldNo,
			DataType: def.DataType,
			Input:    describe(raw),
			Detail:   detail,
		}
	}

	if raw == nil {
		return nil, fail("empty value")
	}
	if !validUTF8(raw) {
		return nil, fail("invalid UTF-8")
	}

	switch def.DataType {
	case model.DataTypeText:
		s, ok := asString(raw)
		if !ok {
			return nil, fail("not a string")
		}
		s = CanonicalText(s)
		if s == "" {
			return nil, fail("empty value")
		}
		return s, nil

	case model.DataTypeNumber:
		return coerceNumber(raw, fail)

	case model.DataTypeDate:
		return coerceDate(raw, fail)

	case model.DataTypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case float64:
			if v == 0 || v == 1 {
				return v == 1, nil
			}
			return nil, fail("not a boolean")
		}
		s, ok := asString(raw)
		if !ok {
			return nil, fail("not a boolean")
		}
		b, ok := boolWords[strings.ToLower(strings.TrimSpace(s))]
		if !ok {
			return nil, fail("not a boolean")
		}
		return b, nil

	case model.DataTypeSelect:
		s, ok := asString(raw)
		if !ok {
			return nil, fail("not a string")
		}
		key := optionKey(s)
		if key == "" {
			return nil, fail("empty value")
		}
		for _, opt := range def.Options {
			if optionKey(opt) == key {
				return opt, nil
			}
		}
		return nil, fail(fmt.Sprintf("not one of %s", strings.Join(def.Options, ", ")))

	case model.DataTypeGroup:
		items, ok := asList(raw)
		if !ok {
			return nil, fail("not a list")
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			if s := CanonicalText(it); s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil, fail("empty value")
		}
		return out, nil
	}

	return nil, fail("unsupported data type")
}

// CanonicalText trims, NFC-normalises and collapses internal whitespace.
func CanonicalText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// coerceNumber accepts plain decimals and comma-grouped thousands. Any other
// separator use is ambiguous and fails. The result is always finite.
func coerceNumber(raw any, fail func(string) error) (any, error) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		s, ok := asString(raw)
		if !ok {
			return nil, fail("not a number")
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fail("empty value")
		}
		if thousandsRe.MatchString(s) {
			s = strings.ReplaceAll(s, ",", "")
		}
		var err error
		f, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fail("not a number")
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fail("not a finite number")
	}
	return f, nil
}

func coerceDate(raw any, fail func(string) error) (any, error) {
	if t, ok := raw.(time.Time); ok {
		return t.Format("2006-01-02"), nil
	}
	s, ok := asString(raw)
	if !ok {
		return nil, fail("not a date")
	}
	s = CanonicalText(s)
	if s == "" {
		return nil, fail("empty value")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return nil, fail("unrecognised date format")
}

// optionKey folds case and treats spaces, hyphens and underscores alike.
func optionKey(s string) string {
	s = strings.ToUpper(CanonicalText(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

func asString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case fmt.Stringer:
		return v.String(), true
	}
	return "", false
}

// asList accepts a string slice, a JSON array string or a newline or
// semicolon separated string.
func asList(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, it := range v {
			s, ok := asString(it)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "[") {
			var arr []string
			if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
				return arr, true
			}
		}
		return strings.FieldsFunc(v, func(r rune) bool { return r == '\n' || r == ';' }), true
	}
	return nil, false
}

// validUTF8 reports whether every string in raw is valid UTF-8. Invalid
// bytes would be rewritten on storage and never compare equal again.
func validUTF8(raw any) bool {
	switch v := raw.(type) {
	case string:
		return utf8.ValidString(v)
	case []string:
		for _, s := range v {
			if !utf8.ValidString(s) {
				return false
			}
		}
	case []any:
		for _, it := range v {
			if !validUTF8(it) {
				return false
			}
		}
	}
	return true
}

func describe(raw any) string {
	if raw == nil {
		return ""
	}
	if s, ok := asString(raw); ok {
		return s
	}
	return fmt.Sprintf("%v", raw)
}
