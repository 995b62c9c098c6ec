package synchistory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	want := Record{LastRole: RoleSource}

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestLoadMissingFileIsAdvisory(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(Path(dir))
	if err == nil {
		t.Fatalf("expected a warning error for a missing history file")
	}
}

func TestLoadCorruptedFileIsAdvisory(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected a warning error for a corrupted history file")
	}
}

func TestLoadUnrecognizedRoleIsAdvisory(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	if err := os.WriteFile(path, []byte(`{"last_role":"bogus"}`), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected a warning error for an unrecognized last_role value")
	}
}

func TestSaveLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	if err := Save(Path(dir), Record{LastRole: RoleSource}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestRecordRoleScriptWritesLastRole(t *testing.T) {
	script := RecordRoleScript(RoleTarget)
	if !strings.Contains(script, `"last_role":"target"`) {
		t.Errorf("script %q does not encode last_role=target", script)
	}
	if !strings.Contains(script, RemoteHistoryPath) {
		t.Errorf("script %q does not reference %s", script, RemoteHistoryPath)
	}
}
