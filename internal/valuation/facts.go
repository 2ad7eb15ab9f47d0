package valuation

import (
	"strings"

	"conversion_dispatch_backend/internal/scoring"
	"conversion_dispatch_backend/platform/pii"
)

// derivedKeys are computed from identifiers and cannot be overridden by the caller.
var derivedKeys = map[string]bool{
	"email_type":   true,
	"has_email":    true,
	"has_phone":    true,
	"has_name":     true,
	"has_click_id": true,
}

// buildFacts merges caller facts with values derived from the event. Raw PII
// contributes only flags and the email type, never the value itself.
func buildFacts(in Input, hashed pii.HashedIdentifiers) scoring.Facts {
	facts := scoring.Facts{}
	for k, v := range in.Facts {
		key := scoring.FieldKey(k)
		if key == "" || derivedKeys[key] || !isScalar(v) {
			continue
		}
		facts[key] = v
	}

	facts["event_name"] = in.EventName
	for k, v := range in.UTM {
		if v = strings.TrimSpace(v); v != "" {
			facts["utm_"+strings.ToLower(k)] = v
		}
	}
	if in.PII.Region != "" {
		facts["country"] = strings.ToUpper(in.PII.Region)
	}

	facts["has_email"] = hashed.Email != ""
	facts["has_phone"] = hashed.Phone != ""
	facts["has_name"] = hashed.FirstName != "" || hashed.LastName != ""
	facts["has_click_id"] = in.ClickIDs.HasOfflineClickID() || in.ClickIDs.FBC != ""
	if t := pii.EmailType(in.PII.Email); t != "" {
		facts["email_type"] = t
	}
	return facts
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64:
		return true
	default:
		return false
	}
}
