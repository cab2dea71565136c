package scope

import (
	"strings"
	"testing"
)

func TestInScope(t *testing.T) {
	tests := []struct {
		name   string
		target string
		scope  []string
		want   bool
	}{
		{"empty scope allows all", "evil.com", nil, true},
		{"exact match", "example.com", []string{"example.com"}, true},
		{"exact mismatch", "evil.com", []string{"example.com"}, false},
		{"case insensitive", "EXAMPLE.com", []string{"example.com"}, true},
		{"scheme stripped", "https://example.com", []string{"example.com"}, true},
		{"path stripped", "https://example.com/login", []string{"example.com"}, true},
		{"trailing slash stripped", "example.com/", []string{"example.com"}, true},

		{"wildcard matches base", "example.com", []string{"*.example.com"}, true},
		{"wildcard matches sub", "a.example.com", []string{"*.example.com"}, true},
		{"wildcard matches deep sub", "a.b.example.com", []string{"*.example.com"}, true},
		{"wildcard rejects lookalike", "examplex.com", []string{"*.example.com"}, false},

		{"parent domain matches sub", "api.example.com", []string{"example.com"}, true},
		{"parent domain rejects lookalike", "notexample.com", []string{"example.com"}, false},

		{"cidr contains", "10.1.2.3", []string{"10.0.0.0/8"}, true},
		{"cidr excludes", "11.0.0.0", []string{"10.0.0.0/8"}, false},
		{"cidr narrow", "10.0.0.5", []string{"10.0.0.0/24"}, true},
		{"cidr narrow excludes", "10.0.1.5", []string{"10.0.0.0/24"}, false},
		{"single ip entry", "192.168.1.10", []string{"192.168.1.10"}, true},
		{"target with mask", "10.0.0.0/24", []string{"10.0.0.0/8"}, true},

		{"second entry matches", "10.1.2.3", []string{"example.com", "10.0.0.0/8"}, true},
		{"unparseable entry skipped", "10.1.2.3", []string{"not a cidr!!", "10.0.0.0/8"}, true},
		{"nothing matches", "evil.com", []string{"example.com", "10.0.0.0/8"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InScope(tt.target, tt.scope); got != tt.want {
				t.Errorf("InScope(%q, %v) = %v, want %v", tt.target, tt.scope, got, tt.want)
			}
		})
	}
}

func TestExtractTarget(t *testing.T) {
	tests := []struct {
		name   string
		tool   string
		input  map[string]any
		want   string
		wantOK bool
	}{
		{
			name:   "tool target param",
			tool:   "execute_tool",
			input:  map[string]any{"tool_name": "nmap", "parameters": map[string]any{"target": "example.com"}},
			want:   "example.com",
			wantOK: true,
		},
		{
			name:   "tool url param",
			tool:   "execute_tool",
			input:  map[string]any{"parameters": map[string]any{"u": "https://example.com"}},
			want:   "https://example.com",
			wantOK: true,
		},
		{
			name:   "target preferred over host",
			tool:   "execute_tool",
			input:  map[string]any{"parameters": map[string]any{"host": "b.com", "target": "a.com"}},
			want:   "a.com",
			wantOK: true,
		},
		{
			name:   "no target param",
			tool:   "execute_tool",
			input:  map[string]any{"parameters": map[string]any{"ports": "80,443"}},
			wantOK: false,
		},
		{
			name:   "bash ip",
			tool:   "execute_bash",
			input:  map[string]any{"command": "nmap -sV 10.0.0.5 -p 80"},
			want:   "10.0.0.5",
			wantOK: true,
		},
		{
			name:   "bash cidr",
			tool:   "execute_bash",
			input:  map[string]any{"command": "masscan 10.0.0.0/24 -p445"},
			want:   "10.0.0.0/24",
			wantOK: true,
		},
		{
			name:   "bash domain",
			tool:   "execute_bash",
			input:  map[string]any{"command": "curl -s https://api.example.com/v1"},
			want:   "api.example.com",
			wantOK: true,
		},
		{
			name:   "bash ip wins over domain",
			tool:   "execute_bash",
			input:  map[string]any{"command": "dig example.com @10.0.0.53"},
			want:   "10.0.0.53",
			wantOK: true,
		},
		{
			name:   "bash no target",
			tool:   "execute_bash",
			input:  map[string]any{"command": "ls -la /tmp"},
			wantOK: false,
		},
		{
			name:   "other tool",
			tool:   "record_finding",
			input:  map[string]any{"title": "SQLi on example.com"},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractTarget(tt.tool, tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ExtractTarget() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("ExtractTarget() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestViolationMessage(t *testing.T) {
	got := ViolationMessage("evil.com", []string{"example.com", "10.0.0.0/8"})
	want := "[SCOPE VIOLATION] Target 'evil.com' is outside the defined engagement scope.\n" +
		"Allowed scope: example.com, 10.0.0.0/8\n" +
		"Tool execution was blocked. Only test targets within the defined scope."
	if got != want {
		t.Errorf("ViolationMessage() = %q, want %q", got, want)
	}

	got = ViolationMessage("evil.com", nil)
	if want := "Allowed scope: none defined"; !strings.Contains(got, want) {
		t.Errorf("ViolationMessage() with empty scope = %q, want to contain %q", got, want)
	}
}
