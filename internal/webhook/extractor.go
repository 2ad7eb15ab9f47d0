package webhook

import (
	"regexp"
	"strings"
)

// ExtractedFields holds identifiers found in free-form field maps by label matching.
type ExtractedFields struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Country   string
}

// ExtractFields performs best-effort extraction from a flat map of form data.
// Form builders name their inputs freely, so labels are matched fuzzily.
func ExtractFields(data map[string]string) ExtractedFields {
	var result ExtractedFields

	for key, value := range data {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(key))

		switch {
		case matchesAny(k, firstNamePatterns):
			result.FirstName = value
		case matchesAny(k, lastNamePatterns):
			result.LastName = value
		case matchesAny(k, fullNamePatterns):
			if result.FirstName == "" && result.LastName == "" {
				result.FirstName, result.LastName = splitName(value)
			}
		case matchesAny(k, emailPatterns):
			if emailRegex.MatchString(value) {
				result.Email = value
			}
		case matchesAny(k, phonePatterns):
			result.Phone = value
		case matchesAny(k, countryPatterns):
			if countryRegex.MatchString(value) {
				result.Country = strings.ToUpper(value)
			}
		}
	}

	return result
}

// Apply fills blank identifiers on dst from the extracted ones.
func (e ExtractedFields) Apply(firstName, lastName, email, phone, country *string) {
	fill := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	fill(firstName, e.FirstName)
	fill(lastName, e.LastName)
	fill(email, e.Email)
	fill(phone, e.Phone)
	fill(country, e.Country)
}

// Field label patterns (Dutch + English)
var (
	firstNamePatterns = []string{"first_name", "firstname", "first name", "voornaam", "given_name", "givenname", "fname"}
	lastNamePatterns  = []string{"last_name", "lastname", "last name", "achternaam", "family_name", "familyname", "surname", "lname"}
	fullNamePatterns  = []string{"name", "naam", "full_name", "fullname", "your_name", "your name"}
	emailPatterns     = []string{"email", "e-mail", "e_mail", "emailaddress", "email_address", "mail"}
	phonePatterns     = []string{"phone", "telefoon", "tel", "telephone", "phonenumber", "phone_number", "telefoonnummer", "mobile", "mobiel", "gsm"}
	countryPatterns   = []string{"country", "country_code", "countrycode", "land"}
)

var (
	emailRegex   = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	countryRegex = regexp.MustCompile(`^[A-Za-z]{2}$`)
	labelCleaner = strings.NewReplacer("-", "", "_", "", " ", "")
)

func matchesAny(label string, patterns []string) bool {
	normalized := labelCleaner.Replace(label)
	for _, p := range patterns {
		if normalized == labelCleaner.Replace(p) {
			return true
		}
	}
	return false
}

func splitName(full string) (string, string) {
	parts := strings.SplitN(strings.Join(strings.Fields(full), " "), " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
