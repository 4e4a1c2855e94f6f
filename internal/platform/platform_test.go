package platform

import "testing"

func TestParse(t *testing.T) {
	tests := map[string]Platform{
		"nt":      Windows,
		"Windows": Windows,
		"posix":   Posix,
		"linux":   Posix,
		"":        Posix,
	}
	for in, want := range tests {
		if got := Parse(in); got != want {
			t.Errorf("Parse(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEncodePath(t *testing.T) {
	tests := []struct {
		name string
		path string
		p    Platform
		want string
	}{
		{"windows from posix", "SDXL/realvis.safetensors", Windows, `SDXL\realvis.safetensors`},
		{"posix from windows", `SDXL\realvis.safetensors`, Posix, "SDXL/realvis.safetensors"},
		{"no separators", "model.safetensors", Windows, "model.safetensors"},
		{"empty platform is posix", `a\b`, "", "a/b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EncodePath(tt.path, tt.p); got != tt.want {
				t.Errorf("EncodePath(%q, %q) = %q, want %q", tt.path, tt.p, got, tt.want)
			}
		})
	}
}
