package model

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// FieldType is the canonical value type of a schema field.
type FieldType string

// Field types.
const (
	TypeString     FieldType = "string"
	TypeInt        FieldType = "int"
	TypeNumber     FieldType = "number"
	TypeDate       FieldType = "date"
	TypeURL        FieldType = "url"
	TypeStringList FieldType = "string_list"
)

// Well-known field keys.
const (
	FieldRegisteredName    = "registered_name"
	FieldSchemeID          = "scheme_id"
	FieldCIN               = "cin"
	FieldWebsiteURL        = "website_url"
	FieldAwardYear         = "award_year"
	FieldIncorporationDate = "incorporation_date"
	FieldLocation          = "location"
	FieldCompanyStatus     = "company_status"
	FieldSector            = "sector"
	FieldFounders          = "founders"
	FieldFundingAmountINR  = "funding_amount_inr"
	FieldFundingStage      = "funding_stage"
	FieldEmployeeCount     = "employee_count"
	FieldOriginalAwardee   = "original_awardee"
	FieldKeyPeople         = "key_people"
	FieldProducts          = "products"
	FieldPatents           = "patents"
	FieldPublications      = "publications"
	FieldFunders           = "funders"
	FieldNewsHeadlines     = "news_headlines"
)

// DateLayout is the storage layout for date fields.
const DateLayout = "2006-01-02"

// Schema errors.
var (
	ErrUnknownField = eris.New("model: unknown field")
	ErrTypeMismatch = eris.New("model: value does not match field type")
	ErrEmptyValue   = eris.New("model: empty value")
	ErrImplausible  = eris.New("model: implausible value")
)

// FieldSpec describes one field of the extraction schema.
type FieldSpec struct {
	Key         string    `yaml:"key" json:"key"`
	Type        FieldType `yaml:"type" json:"type"`
	Description string    `yaml:"description" json:"description,omitempty"`
	Required    bool      `yaml:"required" json:"required,omitempty"`
	Identifier  bool      `yaml:"identifier" json:"identifier,omitempty"`
	Min         *float64  `yaml:"min" json:"min,omitempty"`
	Max         *float64  `yaml:"max" json:"max,omitempty"`
	Pattern     string    `yaml:"pattern" json:"pattern,omitempty"`

	re *regexp.Regexp
}

// Schema is the enumerated set of fields the pipeline extracts, merges and
// persists. Values outside the schema never reach a canonical record.
type Schema struct {
	fields []FieldSpec
	byKey  map[string]int
}

// NewSchema indexes fields and compiles their patterns.
func NewSchema(fields []FieldSpec) (*Schema, error) {
	s := &Schema{
		fields: make([]FieldSpec, 0, len(fields)),
		byKey:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if f.Key == "" {
			return nil, eris.New("model: field with empty key")
		}
		if _, dup := s.byKey[f.Key]; dup {
			return nil, eris.Errorf("model: duplicate field %q", f.Key)
		}
		switch f.Type {
		case TypeString, TypeInt, TypeNumber, TypeDate, TypeURL, TypeStringList:
		default:
			return nil, eris.Errorf("model: field %q has unsupported type %q", f.Key, f.Type)
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return nil, eris.Wrapf(err, "model: compile pattern for %s", f.Key)
			}
			f.re = re
		}
		s.byKey[f.Key] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s, nil
}

func bound(v float64) *float64 { return &v }

// cinPattern matches the 21-character Corporate Identification Number
// issued by the Ministry of Corporate Affairs.
const cinPattern = `^[LU]\d{5}[A-Z]{2}\d{4}[A-Z]{3}\d{6}$`

// DefaultSchema returns the biotech startup schema.
func DefaultSchema() *Schema {
	s, err := NewSchema([]FieldSpec{
		{Key: FieldRegisteredName, Type: TypeString, Description: "Registered legal name of the company"},
		{Key: FieldSchemeID, Type: TypeString, Identifier: true, Description: "Government award reference number"},
		{Key: FieldCIN, Type: TypeString, Identifier: true, Required: true, Pattern: cinPattern, Description: "Corporate Identification Number"},
		{Key: FieldWebsiteURL, Type: TypeURL, Required: true, Description: "Official company website"},
		{Key: FieldAwardYear, Type: TypeInt, Min: bound(1990), Max: bound(2100), Description: "Year the government award was granted"},
		{Key: FieldIncorporationDate, Type: TypeDate, Required: true, Description: "Date of incorporation"},
		{Key: FieldLocation, Type: TypeString, Required: true, Description: "City and state of the registered office"},
		{Key: FieldCompanyStatus, Type: TypeString, Required: true, Description: "Registry status such as Active or Strike Off"},
		{Key: FieldSector, Type: TypeString, Description: "Primary biotech sector"},
		{Key: FieldFounders, Type: TypeStringList, Required: true, Description: "Founder names"},
		{Key: FieldFundingAmountINR, Type: TypeNumber, Min: bound(0), Max: bound(1e11), Description: "Most recent funding amount in INR"},
		{Key: FieldFundingStage, Type: TypeString, Description: "Most recent funding stage"},
		{Key: FieldEmployeeCount, Type: TypeInt, Min: bound(0), Max: bound(1e6), Description: "Number of employees"},
		{Key: FieldOriginalAwardee, Type: TypeString, Description: "Individual named on the award when different from the company"},
		{Key: FieldKeyPeople, Type: TypeStringList, Description: "Directors and leadership, as \"Name (designation)\""},
		{Key: FieldProducts, Type: TypeStringList, Description: "Products or services, as \"Name (development stage)\""},
		{Key: FieldPatents, Type: TypeStringList, Description: "Patents, as \"number: title\""},
		{Key: FieldPublications, Type: TypeStringList, Description: "Research publications, as \"title (journal year)\""},
		{Key: FieldFunders, Type: TypeStringList, Description: "Investors and grant bodies that funded the company"},
		{Key: FieldNewsHeadlines, Type: TypeStringList, Description: "Recent news headlines about the company"},
	})
	if err != nil {
		panic(err)
	}
	return s
}

type schemaFile struct {
	Fields []FieldSpec `yaml:"fields"`
}

// LoadSchema reads field overrides from a YAML file and applies them on top
// of DefaultSchema. Unknown keys add new fields; known keys replace the
// non-zero attributes given.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read schema %s", path)
	}
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrapf(err, "model: parse schema %s", path)
	}

	fields := DefaultSchema().Fields()
	index := make(map[string]int, len(fields))
	for i, f := range fields {
		index[f.Key] = i
	}
	for _, o := range file.Fields {
		i, ok := index[o.Key]
		if !ok {
			fields = append(fields, o)
			index[o.Key] = len(fields) - 1
			continue
		}
		f := &fields[i]
		if o.Type != "" {
			f.Type = o.Type
		}
		if o.Description != "" {
			f.Description = o.Description
		}
		if o.Pattern != "" {
			f.Pattern = o.Pattern
		}
		if o.Min != nil {
			f.Min = o.Min
		}
		if o.Max != nil {
			f.Max = o.Max
		}
		f.Required = f.Required || o.Required
		f.Identifier = f.Identifier || o.Identifier
	}
	return NewSchema(fields)
}

// Fields returns a copy of the field specs in declaration order.
func (s *Schema) Fields() []FieldSpec {
	out := make([]FieldSpec, len(s.fields))
	copy(out, s.fields)
	for i := range out {
		out[i].re = nil
	}
	return out
}

// Keys returns field keys in declaration order.
func (s *Schema) Keys() []string {
	keys := make([]string, len(s.fields))
	for i, f := range s.fields {
		keys[i] = f.Key
	}
	return keys
}

// Field returns the spec for key.
func (s *Schema) Field(key string) (FieldSpec, bool) {
	i, ok := s.byKey[key]
	if !ok {
		return FieldSpec{}, false
	}
	return s.fields[i], true
}

// Required returns the keys counted by the data quality score.
func (s *Schema) Required() []string {
	var keys []string
	for _, f := range s.fields {
		if f.Required {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// Identifiers returns the keys whose exact match identifies an entity.
func (s *Schema) Identifiers() []string {
	var keys []string
	for _, f := range s.fields {
		if f.Identifier {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// Coerce converts a decoded value (JSON, spreadsheet cell, stored row) into
// the canonical Go type of the field: string, int64, float64 or []string.
// Dates are normalized to DateLayout and URLs to https with a lowercase host.
func (s *Schema) Coerce(key string, raw any) (any, error) {
	i, ok := s.byKey[key]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownField, "field %s", key)
	}
	if raw == nil {
		return nil, eris.Wrapf(ErrEmptyValue, "field %s", key)
	}
	f := s.fields[i]

	var (
		v   any
		err error
	)
	switch f.Type {
	case TypeString:
		var str string
		if str, err = coerceString(raw); err == nil && f.Identifier {
			str = strings.ToUpper(strings.ReplaceAll(str, " ", ""))
		}
		v = str
	case TypeInt:
		v, err = coerceInt(raw)
	case TypeNumber:
		v, err = coerceNumber(raw)
	case TypeDate:
		v, err = coerceDate(raw)
	case TypeURL:
		var str string
		if str, err = coerceString(raw); err == nil {
			v, err = NormalizeURL(str)
		}
	case TypeStringList:
		v, err = coerceStringList(raw)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "field %s", key)
	}
	return v, nil
}

// Check applies plausibility and pattern validation to a coerced value.
func (s *Schema) Check(key string, v any) error {
	i, ok := s.byKey[key]
	if !ok {
		return eris.Wrapf(ErrUnknownField, "field %s", key)
	}
	f := s.fields[i]

	switch val := v.(type) {
	case int64:
		return f.checkRange(float64(val))
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return eris.Wrapf(ErrImplausible, "field %s: %v", key, val)
		}
		return f.checkRange(val)
	case string:
		if f.re != nil && !f.re.MatchString(val) {
			return eris.Wrapf(ErrImplausible, "field %s: %q does not match %s", key, val, f.Pattern)
		}
		if f.Type == TypeDate {
			d, err := time.Parse(DateLayout, val)
			if err != nil {
				return eris.Wrapf(ErrImplausible, "field %s: %q", key, val)
			}
			if d.Year() < 1900 || d.After(time.Now().AddDate(1, 0, 0)) {
				return eris.Wrapf(ErrImplausible, "field %s: date %s out of range", key, val)
			}
		}
		if f.Type == TypeURL && !strings.Contains(DomainOf(val), ".") {
			return eris.Wrapf(ErrImplausible, "field %s: url %q has no domain", key, val)
		}
	}
	return nil
}

func (f FieldSpec) checkRange(n float64) error {
	if f.Min != nil && n < *f.Min {
		return eris.Wrapf(ErrImplausible, "field %s: %v below %v", f.Key, n, *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return eris.Wrapf(ErrImplausible, "field %s: %v above %v", f.Key, n, *f.Max)
	}
	return nil
}

func coerceString(raw any) (string, error) {
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	default:
		return "", eris.Wrapf(ErrTypeMismatch, "want string, got %T", raw)
	}
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "", ErrEmptyValue
	}
	return s, nil
}

func coerceInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, eris.Wrapf(ErrTypeMismatch, "want integer, got %v", v)
		}
		return int64(v), nil
	case json.Number:
		return coerceInt(v.String())
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		if s == "" {
			return 0, ErrEmptyValue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil {
				return 0, eris.Wrapf(ErrTypeMismatch, "want integer, got %q", v)
			}
			return coerceInt(f)
		}
		return n, nil
	default:
		return 0, eris.Wrapf(ErrTypeMismatch, "want integer, got %T", raw)
	}
}

// amountUnits maps Indian and western magnitude words to multipliers.
var amountUnits = map[string]float64{
	"crore":    1e7,
	"crores":   1e7,
	"cr":       1e7,
	"lakh":     1e5,
	"lakhs":    1e5,
	"lac":      1e5,
	"million":  1e6,
	"mn":       1e6,
	"billion":  1e9,
	"bn":       1e9,
	"thousand": 1e3,
	"k":        1e3,
}

func coerceNumber(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return parseAmount(v)
	default:
		return 0, eris.Wrapf(ErrTypeMismatch, "want number, got %T", raw)
	}
}

// parseAmount understands values like "₹ 5 crore", "INR 20 lakh" and
// "Rs. 1,50,000".
func parseAmount(s string) (float64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, prefix := range []string{"₹", "inr", "rs.", "rs"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
	}
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, ErrEmptyValue
	}

	parts := strings.Fields(s)
	mult := 1.0
	if len(parts) == 2 {
		m, ok := amountUnits[parts[1]]
		if !ok {
			return 0, eris.Wrapf(ErrTypeMismatch, "unknown unit %q", parts[1])
		}
		mult = m
	} else if len(parts) != 1 {
		return 0, eris.Wrapf(ErrTypeMismatch, "want number, got %q", s)
	}
	n, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, eris.Wrapf(ErrTypeMismatch, "want number, got %q", s)
	}
	return n * mult, nil
}

var dateLayouts = []string{
	DateLayout,
	"Jan 2, 2006",
	"January 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"02-01-2006",
	"02/01/2006",
	time.RFC3339,
}

func coerceDate(raw any) (string, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC().Format(DateLayout), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return "", ErrEmptyValue
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Format(DateLayout), nil
			}
		}
		return "", eris.Wrapf(ErrTypeMismatch, "unrecognized date %q", s)
	default:
		return "", eris.Wrapf(ErrTypeMismatch, "want date, got %T", raw)
	}
}

func coerceStringList(raw any) ([]string, error) {
	var items []string
	switch v := raw.(type) {
	case []string:
		items = v
	case []any:
		for _, item := range v {
			s, err := coerceString(item)
			if err != nil {
				return nil, err
			}
			items = append(items, s)
		}
	case string:
		items = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' || r == '\n' })
	default:
		return nil, eris.Wrapf(ErrTypeMismatch, "want list, got %T", raw)
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.Join(strings.Fields(item), " ")
		if item != "" && !slices.Contains(out, item) {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptyValue
	}
	slices.Sort(out)
	return out, nil
}

// NormalizeURL ensures an https scheme, lowercases the host and drops a
// trailing slash.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyValue
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", eris.Wrapf(ErrTypeMismatch, "invalid url %q", raw)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// DomainOf returns the host of a URL without a leading "www.".
func DomainOf(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// FormatValue renders a canonical value for humans and spreadsheets.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []string:
		return strings.Join(val, ", ")
	default:
		return fmt.Sprint(val)
	}
}
