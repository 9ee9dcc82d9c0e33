package platform

import (
	"path/filepath"
	"testing"
)

func TestPathsForLinuxWithXDG(t *testing.T) {
	p, err := PathsFor("linux", map[string]string{
		"XDG_CONFIG_HOME": "/xdg/config",
		"XDG_DATA_HOME":   "/xdg/data",
	}, "/fallback/config", "/fallback/data", "changeflow")
	if err != nil {
		t.Fatalf("PathsFor() error = %v", err)
	}
	want := Paths{
		ConfigPath:  filepath.Join("/xdg/config", "changeflow", "config.toml"),
		RulesPath:   filepath.Join("/xdg/config", "changeflow", "rules.toml"),
		DataDir:     filepath.Join("/xdg/data", "changeflow"),
		DBPath:      filepath.Join("/xdg/data", "changeflow", "changeflow.db"),
		MetadataDir: filepath.Join("/xdg/data", "changeflow", "metadata"),
	}
	if p != want {
		t.Fatalf("PathsFor() = %#v, want %#v", p, want)
	}
}

func TestPathsForWindowsUsesAppData(t *testing.T) {
	p, err := PathsFor("windows", map[string]string{
		"APPDATA":      `C:\Users\me\AppData\Roaming`,
		"LOCALAPPDATA": `C:\Users\me\AppData\Local`,
	}, `C:\fallback\config`, `C:\fallback\data`, "changeflow")
	if err != nil {
		t.Fatalf("PathsFor() error = %v", err)
	}
	if want := filepath.Join(`C:\Users\me\AppData\Roaming`, "changeflow", "rules.toml"); p.RulesPath != want {
		t.Fatalf("unexpected rules path %q", p.RulesPath)
	}
	if want := filepath.Join(`C:\Users\me\AppData\Local`, "changeflow", "changeflow.db"); p.DBPath != want {
		t.Fatalf("unexpected db path %q", p.DBPath)
	}
}

func TestPathsForPlatformFallbacks(t *testing.T) {
	cases := []struct {
		goos       string
		env        map[string]string
		config     string
		data       string
		wantConfig string
		wantData   string
	}{
		{goos: "darwin", env: map[string]string{"XDG_CONFIG_HOME": "/ignored"}, config: "/Users/me/Library", data: "/Users/me/Library", wantConfig: "/Users/me/Library", wantData: "/Users/me/Library"},
		{goos: "freebsd", env: map[string]string{}, config: "/cfg", data: "/data", wantConfig: "/cfg", wantData: "/data"},
		{goos: "linux", env: map[string]string{}, config: "/home/me/.config", data: "/home/me/.local/share", wantConfig: "/home/me/.config", wantData: "/home/me/.local/share"},
	}
	for _, tc := range cases {
		p, err := PathsFor(tc.goos, tc.env, tc.config, tc.data, "changeflow")
		if err != nil {
			t.Fatalf("%s: PathsFor() error = %v", tc.goos, err)
		}
		if want := filepath.Join(tc.wantConfig, "changeflow", "config.toml"); p.ConfigPath != want {
			t.Fatalf("%s: unexpected config path %q", tc.goos, p.ConfigPath)
		}
		if want := filepath.Join(tc.wantData, "changeflow", "metadata"); p.MetadataDir != want {
			t.Fatalf("%s: unexpected metadata dir %q", tc.goos, p.MetadataDir)
		}
	}
}

func TestPathsForRejectsEmptyInput(t *testing.T) {
	if _, err := PathsFor("darwin", nil, "", "/tmp/data", "changeflow"); err == nil {
		t.Fatal("expected error for empty dirs")
	}
	if _, err := PathsFor("linux", nil, "/cfg", "/data", "  "); err == nil {
		t.Fatal("expected error for empty app name")
	}
}

func TestDefaultPathsWithOptionsDevMode(t *testing.T) {
	p, err := DefaultPathsWithOptions(Options{AppName: "changeflow", DevMode: true})
	if err != nil {
		t.Fatalf("DefaultPathsWithOptions() error = %v", err)
	}
	if filepath.Base(filepath.Dir(p.ConfigPath)) != "changeflow-dev" {
		t.Fatalf("expected dev config dir suffix, got %q", p.ConfigPath)
	}
	if filepath.Base(p.DBPath) != "changeflow-dev.db" {
		t.Fatalf("expected dev db name, got %q", p.DBPath)
	}
	if p.RulesPath == "" || p.MetadataDir == "" {
		t.Fatalf("expected rules and metadata paths, got %#v", p)
	}
}
