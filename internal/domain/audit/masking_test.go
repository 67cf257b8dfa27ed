package audit

import "testing"

func TestMaskMetadata(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  string
		masked bool
	}{
		{"ssn key", "patient_ssn", "123-45-6789", true},
		{"mrn key", "mrn", "MRN-0042", true},
		{"dob key", "date_of_birth", "1980-02-29", true},
		{"name key", "patient_name", "Jane Roe", true},
		{"address key", "home-address", "12 Elm St", true},
		{"ssn-shaped value under safe key", "note", "123-45-6789", true},
		{"phone-shaped value under safe key", "contact", "(555) 123-4567", true},
		{"email-shaped value under safe key", "reply_to", "jane@example.org", true},
		{"plain key and value", "department", "radiology", false},
		{"numeric but not identifier", "dose_mg", "500", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := maskMetadata(map[string]string{tt.key: tt.value})
			got := out[tt.key]
			if tt.masked && got != MaskedValue {
				t.Errorf("expected %q masked, got %q", tt.key, got)
			}
			if !tt.masked && got != tt.value {
				t.Errorf("expected %q untouched, got %q", tt.key, got)
			}
		})
	}
}

func TestMaskMetadata_DoesNotMutateInput(t *testing.T) {
	in := map[string]string{"ssn": "123-45-6789"}
	maskMetadata(in)
	if in["ssn"] != "123-45-6789" {
		t.Error("input map mutated")
	}
}

func TestMaskMetadata_Nil(t *testing.T) {
	if out := maskMetadata(nil); out != nil {
		t.Errorf("expected nil, got %v", out)
	}
}
