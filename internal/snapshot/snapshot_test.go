package snapshot

import "testing"

func TestSnapshotNameAndParseRoundTrip(t *testing.T) {
	folder := SessionFolderName("20260115T120000", "abcd1234")
	snap := Snapshot{Subvolume: "@home", Phase: PhasePre, Timestamp: "20260115T120500"}
	path := "/.snapshots/pc-switcher/" + folder + "/" + snap.Name()

	parsed, err := ParseSnapshotPath(path, HostTarget)
	if err != nil {
		t.Fatalf("ParseSnapshotPath: %v", err)
	}
	if parsed.SessionID != "abcd1234" {
		t.Errorf("SessionID = %q, want abcd1234", parsed.SessionID)
	}
	if parsed.Phase != PhasePre {
		t.Errorf("Phase = %q, want pre", parsed.Phase)
	}
	if parsed.Subvolume != "@home" {
		t.Errorf("Subvolume = %q, want @home", parsed.Subvolume)
	}
	if parsed.Timestamp != "20260115T120500" {
		t.Errorf("Timestamp = %q, want 20260115T120500", parsed.Timestamp)
	}
}

func TestParseSnapshotPathRejectsGarbage(t *testing.T) {
	if _, err := ParseSnapshotPath("/not/a/snapshot/path", HostSource); err == nil {
		t.Fatalf("expected error parsing a non-conforming path")
	}
}

func TestMountPoint(t *testing.T) {
	cases := map[string]string{
		"@":      "/",
		"@home":  "/home",
		"@var":   "/var",
	}
	for subvol, want := range cases {
		if got := MountPoint(subvol); got != want {
			t.Errorf("MountPoint(%q) = %q, want %q", subvol, got, want)
		}
	}
}
