package profiles_test

import (
	"encoding/json"
	"testing"

	"github.com/viperbox/vipercore/internal/profiles"
)

// profileDoc builds a well-formed profile document and lets a case mutate it
// before marshaling.
func profileDoc(t *testing.T, mutate func(doc map[string]any)) []byte {
	t.Helper()
	doc := map[string]any{
		"schema_version": 1,
		"id":             "nxt-v1",
		"name":           "NXT probe v1",
		"hardware": map[string]any{
			"channels":   64,
			"electrodes": 128,
			"stim_units": 8,
		},
		"acquisition": map[string]any{
			"frequency_hz":      20000,
			"samples_per_batch": 500,
		},
	}
	if mutate != nil {
		mutate(doc)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal profile doc: %v", err)
	}
	return data
}

func newValidator(t *testing.T) *profiles.Validator {
	t.Helper()
	v, err := profiles.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidatorAcceptsWellFormedProfile(t *testing.T) {
	v := newValidator(t)

	if err := v.ValidateProfile(profileDoc(t, nil)); err != nil {
		t.Fatalf("ValidateProfile: %v", err)
	}

	full := profileDoc(t, func(doc map[string]any) {
		doc["description"] = "Active 4-shank probe"
		doc["manufacturer"] = "Imec"
		doc["hardware"].(map[string]any)["references"] = 9
		doc["hardware"].(map[string]any)["inputs_per_channel"] = 4
		doc["acquisition"].(map[string]any)["gain_codes"] = 4
		doc["stimulation"] = map[string]any{
			"amplitude_levels": 255,
			"time_step_us":     10,
		}
	})
	if err := v.ValidateProfile(full); err != nil {
		t.Fatalf("ValidateProfile with optional fields: %v", err)
	}
}

func TestValidatorRejectsBadDocuments(t *testing.T) {
	v := newValidator(t)

	cases := []struct {
		name   string
		mutate func(doc map[string]any)
	}{
		{"missing id", func(doc map[string]any) { delete(doc, "id") }},
		{"missing hardware", func(doc map[string]any) { delete(doc, "hardware") }},
		{"missing acquisition", func(doc map[string]any) { delete(doc, "acquisition") }},
		{"empty name", func(doc map[string]any) { doc["name"] = "" }},
		{"uppercase id", func(doc map[string]any) { doc["id"] = "NXT-V1" }},
		{"unknown schema version", func(doc map[string]any) { doc["schema_version"] = 2 }},
		{"unknown top-level field", func(doc map[string]any) { doc["kind"] = "probe" }},
		{"zero channels", func(doc map[string]any) {
			doc["hardware"].(map[string]any)["channels"] = 0
		}},
		{"too many channels", func(doc map[string]any) {
			doc["hardware"].(map[string]any)["channels"] = 65
		}},
		{"too many stim units", func(doc map[string]any) {
			doc["hardware"].(map[string]any)["stim_units"] = 9
		}},
		{"fractional electrode count", func(doc map[string]any) {
			doc["hardware"].(map[string]any)["electrodes"] = 1.5
		}},
		{"missing frequency", func(doc map[string]any) {
			delete(doc["acquisition"].(map[string]any), "frequency_hz")
		}},
		{"gain codes out of range", func(doc map[string]any) {
			doc["acquisition"].(map[string]any)["gain_codes"] = 5
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := v.ValidateProfile(profileDoc(t, tc.mutate)); err == nil {
				t.Fatal("document accepted")
			}
		})
	}
}

func TestValidatorRejectsMalformedJSON(t *testing.T) {
	v := newValidator(t)

	if err := v.ValidateProfile([]byte(`{"schema_version": 1,`)); err == nil {
		t.Fatal("malformed JSON accepted")
	}
}
