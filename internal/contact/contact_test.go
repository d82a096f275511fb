package contact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "jane@example.com", NormalizeKey("  Jane@Example.COM "))
	assert.Equal(t, "", NormalizeKey("   "))
}

func TestCanonicalize_SynonymColumns(t *testing.T) {
	row := Row{
		"First Name":     "Jane",
		"SURNAME":        "Doe",
		"E-Mail":         "jane@example.com",
		"Postal Code":    "97201",
		"favorite_color": "blue", // unknown, dropped
	}
	c := Canonicalize(row)
	assert.Equal(t, Row{
		"first_name": "Jane",
		"last_name":  "Doe",
		"email":      "jane@example.com",
		"zip_code":   "97201",
	}, c)
}

func TestParse_FullRow(t *testing.T) {
	rec, err := Parse(Row{
		"first_name":     "Jane",
		"last_name":      "Doe",
		"email":          "Jane@Example.com",
		"carrier":        "Aetna",
		"plan":           "G",
		"effective_date": "2025-02-01",
		"dob":            "03/14/1957",
		"smoker":         "yes",
		"gender":         "F",
		"st":             "or",
		"zip":            "97201",
	})
	require.NoError(t, err)
	assert.Equal(t, "Jane", rec.FirstName)
	assert.Equal(t, "Aetna", rec.CurrentCarrier)
	assert.Equal(t, "G", rec.PlanType)
	assert.Equal(t, "2025-02-01", rec.EffectiveDate)
	assert.Equal(t, "1957-03-14", rec.BirthDate)
	assert.True(t, rec.TobaccoUser)
	assert.Equal(t, "OR", rec.State)
	assert.Equal(t, "jane@example.com", rec.Key())
}

func TestParse_RequiredFields(t *testing.T) {
	tests := []struct {
		name  string
		row   Row
		field string
	}{
		{"missing email", Row{"first_name": "Jane", "last_name": "Doe"}, "email"},
		{"missing first name", Row{"email": "j@x.com", "last_name": "Doe"}, "first_name"},
		{"missing last name", Row{"email": "j@x.com", "first_name": "Jane"}, "last_name"},
		{"blank email", Row{"email": "   ", "first_name": "Jane", "last_name": "Doe"}, "email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.row)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestParse_MalformedValues(t *testing.T) {
	base := Row{"email": "j@x.com", "first_name": "Jane", "last_name": "Doe"}

	t.Run("bad date", func(t *testing.T) {
		row := Row{"birth_date": "last tuesday"}
		for k, v := range base {
			row[k] = v
		}
		_, err := Parse(row)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "birth_date", verr.Field)
	})

	t.Run("bad bool", func(t *testing.T) {
		row := Row{"tobacco_user": "maybe"}
		for k, v := range base {
			row[k] = v
		}
		_, err := Parse(row)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "tobacco_user", verr.Field)
	})

	t.Run("not an email", func(t *testing.T) {
		_, err := Parse(Row{"email": "nope", "first_name": "Jane", "last_name": "Doe"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "email", verr.Field)
	})
}
