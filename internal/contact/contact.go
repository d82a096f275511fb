// Package contact defines the tenant record type and its SQLite schema.
// Import rows arrive with source-dependent column naming; a finite synonym
// table maps them onto one strict schema before anything touches a database.
package contact

import (
	"fmt"
	"strings"
	"time"
)

// Record is a validated contact. Email is the identifying key; two records
// whose emails differ only by case or surrounding whitespace are the same
// contact.
type Record struct {
	ID             int64  `json:"id,omitempty"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Email          string `json:"email"`
	CurrentCarrier string `json:"current_carrier,omitempty"`
	PlanType       string `json:"plan_type,omitempty"`
	EffectiveDate  string `json:"effective_date,omitempty"` // YYYY-MM-DD
	BirthDate      string `json:"birth_date,omitempty"`     // YYYY-MM-DD
	TobaccoUser    bool   `json:"tobacco_user"`
	Gender         string `json:"gender,omitempty"`
	State          string `json:"state,omitempty"`
	ZipCode        string `json:"zip_code,omitempty"`
}

// Key returns the record's normalized identifying key.
func (r Record) Key() string {
	return NormalizeKey(r.Email)
}

// NormalizeKey lowercases and trims an identifying email so that duplicate
// detection is case- and whitespace-insensitive.
func NormalizeKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Row is one raw import row, keyed by whatever column names the source used.
type Row map[string]string

// ValidationError reports why a single row was rejected. Bulk callers count
// these as skips rather than aborting the batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid row: field %s %s", e.Field, e.Reason)
}

// columnSynonyms is the complete table of accepted source column names per
// canonical field. Lookups are case-insensitive with spaces and dashes
// folded to underscores; anything not listed here is ignored.
var columnSynonyms = map[string][]string{
	"first_name":      {"first_name", "firstname", "first", "given_name"},
	"last_name":       {"last_name", "lastname", "last", "surname", "family_name"},
	"email":           {"email", "e_mail", "email_address", "contact_email"},
	"current_carrier": {"current_carrier", "carrier", "insurance_carrier", "company"},
	"plan_type":       {"plan_type", "plan", "policy_type"},
	"effective_date":  {"effective_date", "effective", "policy_effective_date", "start_date"},
	"birth_date":      {"birth_date", "birthdate", "date_of_birth", "dob"},
	"tobacco_user":    {"tobacco_user", "tobacco", "smoker", "uses_tobacco"},
	"gender":          {"gender", "sex"},
	"state":           {"state", "st"},
	"zip_code":        {"zip_code", "zip", "zipcode", "postal_code"},
}

var synonymIndex = buildSynonymIndex()

func buildSynonymIndex() map[string]string {
	idx := make(map[string]string)
	for canonical, names := range columnSynonyms {
		for _, name := range names {
			idx[name] = canonical
		}
	}
	return idx
}

func foldColumn(name string) string {
	folded := strings.ToLower(strings.TrimSpace(name))
	folded = strings.ReplaceAll(folded, " ", "_")
	folded = strings.ReplaceAll(folded, "-", "_")
	return folded
}

// Canonicalize maps a raw row's columns onto canonical field names,
// discarding columns the synonym table does not know. The first column that
// maps to a canonical field wins.
func Canonicalize(row Row) Row {
	out := make(Row, len(row))
	for name, value := range row {
		canonical, ok := synonymIndex[foldColumn(name)]
		if !ok {
			continue
		}
		if _, exists := out[canonical]; !exists {
			out[canonical] = strings.TrimSpace(value)
		}
	}
	return out
}

// Parse validates a raw row and produces a Record. Missing required fields
// and malformed values return a *ValidationError.
func Parse(row Row) (Record, error) {
	c := Canonicalize(row)

	for _, required := range []string{"email", "first_name", "last_name"} {
		if c[required] == "" {
			return Record{}, &ValidationError{Field: required, Reason: "is required"}
		}
	}
	if !strings.Contains(c["email"], "@") {
		return Record{}, &ValidationError{Field: "email", Reason: "is not an email address"}
	}

	rec := Record{
		FirstName:      c["first_name"],
		LastName:       c["last_name"],
		Email:          c["email"],
		CurrentCarrier: c["current_carrier"],
		PlanType:       c["plan_type"],
		Gender:         c["gender"],
		State:          strings.ToUpper(c["state"]),
		ZipCode:        c["zip_code"],
	}

	var err error
	if rec.EffectiveDate, err = parseDate("effective_date", c["effective_date"]); err != nil {
		return Record{}, err
	}
	if rec.BirthDate, err = parseDate("birth_date", c["birth_date"]); err != nil {
		return Record{}, err
	}
	if rec.TobaccoUser, err = parseBool("tobacco_user", c["tobacco_user"]); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func parseDate(field, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	for _, layout := range []string{"2006-01-02", "01/02/2006"} {
		if d, err := time.Parse(layout, value); err == nil {
			return d.Format("2006-01-02"), nil
		}
	}
	return "", &ValidationError{Field: field, Reason: fmt.Sprintf("has unrecognized date %q", value)}
}

func parseBool(field, value string) (bool, error) {
	switch strings.ToLower(value) {
	case "", "0", "false", "no", "n":
		return false, nil
	case "1", "true", "yes", "y":
		return true, nil
	}
	return false, &ValidationError{Field: field, Reason: fmt.Sprintf("has unrecognized boolean %q", value)}
}
