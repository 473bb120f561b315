package hipaa

import "testing"

func TestMaskPHI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"radiologist_user", "radiologist_user"},
		{"run_pipeline", "run_pipeline"},
		{"scan_0001.dcm", "scan_0001.dcm"},
		{"Patient Name: John Doe", RedactionMarker},
		{"DOB 1970-01-01", RedactionMarker},
		{"ssn=123-45-6789", RedactionMarker},
		{"Phone: 555-0100", RedactionMarker},
		{"home ADDRESS", RedactionMarker},
		{"contact email", RedactionMarker},
		{"username", RedactionMarker},
	}
	for _, tt := range tests {
		if got := MaskPHI(tt.in); got != tt.want {
			t.Errorf("MaskPHI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
