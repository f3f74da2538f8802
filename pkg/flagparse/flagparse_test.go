package flagparse

import (
	"testing"
)

// equalSlices is a helper to compare two string slices for equality.
func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}

func TestParseExcludeList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"Simple List", "a,b,c", []string{"a", "b", "c"}},
		{"List with Spaces", " a , b, c ", []string{"a", "b", "c"}},
		{"Empty String", "", nil},
		{"Quoted Item with Spaces", "'item with spaces',b", []string{"item with spaces", "b"}},
		{"Quoted Item with Comma", "'a,b',c", []string{"a,b", "c"}},
		{"Unmatched Quote", "'a,b", []string{"a,b"}},
		{"Nested Quotes", "\"it's a test\",d", []string{"it's a test", "d"}},
		{"Windows Path with Backslashes", `C:\Users\Test,D:\Data`, []string{`C:\Users\Test`, `D:\Data`}},
		{"Unix Path with Slashes", "/home/user/test,/var/log", []string{"/home/user/test", "/var/log"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseExcludeList(tc.input)
			if len(tc.expected) == 0 && len(result) == 0 {
				return
			}
			if !equalSlices(result, tc.expected) {
				t.Errorf("expected %v, but got %v", tc.expected, result)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	for cmd, name := range commandToString {
		if cmd == None {
			continue
		}
		got, err := ParseCommand(name)
		if err != nil || got != cmd {
			t.Errorf("ParseCommand(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseCommand("none"); err == nil {
		t.Error("expected 'none' to be rejected")
	}
	if _, err := ParseCommand("prune"); err == nil {
		t.Error("expected unknown command to be rejected")
	}
}

func TestParse(t *testing.T) {
	testCases := []struct {
		name        string
		args        []string
		wantCommand Command
		wantFlags   map[string]any
		wantErr     bool
	}{
		{
			name:        "No Args",
			args:        nil,
			wantCommand: None,
		},
		{
			name:        "Version",
			args:        []string{"version"},
			wantCommand: Version,
		},
		{
			name:        "Backup With Flags",
			args:        []string{"backup", "-name", "web", "-source", "/srv", "-archive-size-limit-mb", "50", "-exclude-dirs", "cache,tmp"},
			wantCommand: Backup,
			wantFlags: map[string]any{
				"name":                  "web",
				"source":                "/srv",
				"archive-size-limit-mb": 50,
				"exclude-dirs":          []string{"cache", "tmp"},
			},
		},
		{
			name:        "Restore",
			args:        []string{"restore", "-remote", "nas", "-target", "/restore"},
			wantCommand: Restore,
			wantFlags:   map[string]any{"remote": "nas", "target": "/restore"},
		},
		{
			name:        "Status Default Workflow",
			args:        []string{"status"},
			wantCommand: Status,
			wantFlags:   map[string]any{"workflow": "backup"},
		},
		{
			name:        "Reset Restore Workflow",
			args:        []string{"reset", "-workflow", "restore"},
			wantCommand: Reset,
			wantFlags:   map[string]any{"workflow": "restore"},
		},
		{
			name:        "Daemon Cron",
			args:        []string{"daemon", "-cron", "*/5 * * * *"},
			wantCommand: Daemon,
			wantFlags:   map[string]any{"cron": "*/5 * * * *"},
		},
		{
			name:        "Flag Not Registered For Command",
			args:        []string{"list", "-source", "/srv"},
			wantCommand: List,
			wantErr:     true,
		},
		{
			name:        "Unexpected Positional Argument",
			args:        []string{"backup", "extra"},
			wantCommand: Backup,
			wantErr:     true,
		},
		{
			name:        "Unknown Command",
			args:        []string{"frobnicate"},
			wantCommand: None,
			wantErr:     true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, flags, err := Parse(tc.args)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tc.wantErr)
			}
			if cmd != tc.wantCommand {
				t.Errorf("expected command %v, got %v", tc.wantCommand, cmd)
			}
			if tc.wantErr {
				return
			}
			if len(flags) != len(tc.wantFlags) {
				t.Fatalf("expected flags %v, got %v", tc.wantFlags, flags)
			}
			for k, want := range tc.wantFlags {
				got, ok := flags[k]
				if !ok {
					t.Errorf("expected flag %q to be set", k)
					continue
				}
				if ws, isSlice := want.([]string); isSlice {
					if !equalSlices(ws, got.([]string)) {
						t.Errorf("flag %q: expected %v, got %v", k, ws, got)
					}
					continue
				}
				if got != want {
					t.Errorf("flag %q: expected %v, got %v", k, want, got)
				}
			}
		})
	}
}
