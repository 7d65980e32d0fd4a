package ingest

import "testing"

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType TargetType
		wantVal  string
		wantErr  bool
	}{
		{"bare handle", "charli", TargetUsername, "charli", false},
		{"at handle", "@charli.damelio", TargetUsername, "charli.damelio", false},
		{"handle with underscore", "user_name99", TargetUsername, "user_name99", false},
		{"room id", "7234567890123456789", TargetRoomID, "7234567890123456789", false},
		{"18 digits is a handle", "723456789012345678", TargetUsername, "723456789012345678", false},
		{"live url", "https://www.tiktok.com/@someuser/live", TargetUsername, "someuser", false},
		{"room url", "https://www.tiktok.com/live/7234567890123456789", TargetRoomID, "7234567890123456789", false},
		{"room url with query", "https://tiktok.com/live/123abc?lang=en", TargetRoomID, "123abc", false},
		{"short url", "https://vm.tiktok.com/ZMabcdef/", TargetShortURL, "https://vm.tiktok.com/ZMabcdef/", false},
		{"whitespace trimmed", "  @user  ", TargetUsername, "user", false},
		{"empty", "", "", "", true},
		{"spaces in handle", "not a handle", "", "", true},
		{"unrecognized tiktok url", "https://www.tiktok.com/about", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTarget(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTarget(%q) error = %v, wantErr = %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", got.Type, tt.wantType)
			}
			if got.Value != tt.wantVal {
				t.Errorf("Value = %q, want %q", got.Value, tt.wantVal)
			}
		})
	}
}

func TestTargetKey(t *testing.T) {
	a := Target{Type: TargetUsername, Value: "user"}
	b := Target{Type: TargetRoomID, Value: "user"}
	if a.Key() == b.Key() {
		t.Error("different target types must have different keys")
	}
}
