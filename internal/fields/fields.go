// Package fields maps finding attributes onto ticket field values and the
// JQL fragments used to search for them.
package fields

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	synerr "github.com/rcourtman/vulnsync/internal/errors"
)

// DatetimeLayout is the canonical timestamp format written to datetime fields.
const DatetimeLayout = "2006-01-02T15:04:05.000-0700"

const (
	textLimit     = 255
	textareaLimit = 1024
	truncSuffix   = "..."
)

// ValueType drives how a raw finding value is serialized for the ticket.
type ValueType int

const (
	TypeRaw ValueType = iota
	TypeReadonly
	TypeText
	TypeTextarea
	TypeLabels
	TypeFloat
	TypeDatetime
)

var typeNames = map[string]ValueType{
	"readonlyfield": TypeReadonly,
	"readonly":      TypeReadonly,
	"textfield":     TypeText,
	"text":          TypeText,
	"textarea":      TypeTextarea,
	"labels":        TypeLabels,
	"float":         TypeFloat,
	"datetime":      TypeDatetime,
	"select":        TypeRaw,
	"number":        TypeRaw,
	"url":           TypeRaw,
	"raw":           TypeRaw,
}

// ParseValueType resolves a configured type name such as "textfield" or "labels".
func ParseValueType(name string) (ValueType, error) {
	t, ok := typeNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return TypeRaw, fmt.Errorf("unknown field type %q", name)
	}
	return t, nil
}

func (t ValueType) String() string {
	switch t {
	case TypeReadonly:
		return "readonly"
	case TypeText:
		return "text"
	case TypeTextarea:
		return "textarea"
	case TypeLabels:
		return "labels"
	case TypeFloat:
		return "float"
	case TypeDatetime:
		return "datetime"
	default:
		return "raw"
	}
}

// Field is one declarative finding attribute -> ticket field mapping.
type Field struct {
	Name           string
	ID             string // remote field id, resolved during setup
	Type           ValueType
	Attribute      string // finding attribute the value is read from
	StaticValue    string // fixed value; wins over Attribute when set
	PlatformID     string // source platform name; wins over StaticValue when set
	Searcher       string // remote searcher key used when the field has to be created
	Description    string
	ScreenTab      string
	MapsToPriority bool
	MapsToState    bool
}

func (f *Field) String() string {
	return fmt.Sprintf("Field(%s: %s)", f.ID, f.Name)
}

// Source describes where the field value comes from, for reporting.
func (f *Field) Source() string {
	if f.PlatformID != "" {
		return "platform:" + f.PlatformID
	}
	if f.StaticValue != "" {
		return "static:" + f.StaticValue
	}
	return f.Attribute
}

// ParseValue extracts and formats the field value from a flattened finding.
func (f *Field) ParseValue(finding map[string]any) (any, error) {
	if f.PlatformID != "" {
		return f.PlatformID, nil
	}
	if f.StaticValue != "" {
		return f.StaticValue, nil
	}

	value := finding[f.Attribute]

	switch f.Type {
	case TypeReadonly, TypeText:
		return Truncate(Stringify(value), textLimit), nil
	case TypeTextarea:
		return Truncate(Stringify(value), textareaLimit), nil
	case TypeLabels:
		return parseLabels(value)
	case TypeFloat:
		v, err := parseFloat(value)
		if err != nil {
			return nil, synerr.WrapFormatError("parse_field", f.Name, err)
		}
		return v, nil
	case TypeDatetime:
		if value == nil {
			return nil, nil
		}
		ts, err := ParseTime(value)
		if err != nil {
			return nil, synerr.WrapFormatError("parse_field", f.Name, err)
		}
		return ts.Format(DatetimeLayout), nil
	default:
		return value, nil
	}
}

// SearchFragment returns the JQL fragment matching value on this field.
// Labels match with "=", everything else with the contains operator "~".
func (f *Field) SearchFragment(value any) string {
	operator := "~"
	if f.Type == TypeLabels {
		operator = "="
	}

	if list, ok := value.([]any); ok {
		value = stringList(list)
	}

	var rendered string
	switch v := value.(type) {
	case []string:
		switch len(v) {
		case 0:
			operator, rendered = "is", "EMPTY"
		case 1:
			rendered = Quote(v[0])
		default:
			quoted := make([]string, len(v))
			for i, item := range v {
				quoted[i] = Quote(item)
			}
			operator = "in"
			rendered = "(" + strings.Join(quoted, ",") + ")"
		}
	default:
		if isEmpty(value) {
			operator, rendered = "is", "EMPTY"
		} else {
			rendered = Quote(Stringify(value))
		}
	}

	return fmt.Sprintf("%s %s %s", Quote(f.Name), operator, rendered)
}

func stringList(list []any) []string {
	out := make([]string, len(list))
	for i, item := range list {
		out[i] = Stringify(item)
	}
	return out
}

func parseLabels(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return []string{}, nil
	case string:
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out, nil
	case []any:
		return stringList(v), nil
	default:
		return nil, synerr.WrapFormatError("parse_labels", "", fmt.Errorf("value %v is not a string or list", value))
	}
}

func parseFloat(value any) (float64, error) {
	switch v := value.(type) {
	case nil:
		return 0.0, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		if strings.TrimSpace(v) == "" {
			return 0.0, nil
		}
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("value %v cannot be converted to float", value)
	}
}

// ParseTime accepts epoch seconds (numeric or numeric string), an ISO-8601
// string, or a time.Time, and returns the instant in UTC.
func ParseTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case int:
		return time.Unix(int64(v), 0).UTC(), nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case float64:
		return epochFloat(v), nil
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return epochFloat(f), nil
		}
		return time.Time{}, fmt.Errorf("invalid epoch %q", v.String())
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range isoLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochFloat(f), nil
		}
		return time.Time{}, fmt.Errorf("unable to parse %q as a timestamp", v)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp value %v", value)
	}
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func epochFloat(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Stringify renders a scalar or list finding value as text.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []string:
		return strings.Join(v, ", ")
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, ", ")
	case time.Time:
		return v.UTC().Format(DatetimeLayout)
	default:
		return fmt.Sprint(v)
	}
}

// Truncate shortens s to at most limit runes, ending with "..." when cut.
func Truncate(s string, limit int) string {
	return TruncateWith(s, limit, truncSuffix)
}

// TruncateWith is Truncate with a custom suffix.
func TruncateWith(s string, limit int, suffix string) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	keep := limit - len([]rune(suffix))
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + suffix
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case float64:
		return v == 0
	case int:
		return v == 0
	case bool:
		return !v
	case []any:
		return len(v) == 0
	}
	return false
}

// Quote renders s as a JQL string literal.
func Quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
