package diskmonitor

import "testing"

func TestParseThresholdUnits(t *testing.T) {
	cases := map[string]int64{
		"10GiB": 10 * (1 << 30),
		"500MiB": 500 * (1 << 20),
		"1GB":    1_000_000_000,
		"500MB":  500_000_000,
		"1024B":  1024,
	}
	for s, want := range cases {
		th, err := ParseThreshold(s)
		if err != nil {
			t.Fatalf("ParseThreshold(%q): %v", s, err)
		}
		if th.Bytes != want {
			t.Errorf("ParseThreshold(%q).Bytes = %d, want %d", s, th.Bytes, want)
		}
	}
}

func TestParseThresholdPercent(t *testing.T) {
	th, err := ParseThreshold("15%")
	if err != nil {
		t.Fatalf("ParseThreshold: %v", err)
	}
	if th.Percent == nil || *th.Percent != 15 {
		t.Fatalf("ParseThreshold(\"15%%\") = %+v, want Percent=15", th)
	}
}

func TestParseThresholdRejectsBareNumber(t *testing.T) {
	if _, err := ParseThreshold("10"); err == nil {
		t.Fatalf("expected an error for a unit-less threshold")
	}
}

func TestParseDFOutput(t *testing.T) {
	out := "Filesystem     1B-blocks       Used  Available Use% Mounted on\n" +
		"/dev/sda1   107374182400 53687091200 53687091200  50% /\n"
	usage, err := ParseDFOutput(out)
	if err != nil {
		t.Fatalf("ParseDFOutput: %v", err)
	}
	if usage.TotalBytes != 107374182400 || usage.AvailableBytes != 53687091200 {
		t.Errorf("ParseDFOutput = %+v, unexpected", usage)
	}
	if usage.PercentFree() != 50 {
		t.Errorf("PercentFree() = %v, want 50", usage.PercentFree())
	}
}

func TestUsageSatisfies(t *testing.T) {
	u := Usage{TotalBytes: 100, AvailableBytes: 20}
	pct := 15.0
	if !u.Satisfies(Threshold{Percent: &pct}) {
		t.Errorf("expected 20%% free to satisfy a 15%% threshold")
	}
	if u.Satisfies(Threshold{Bytes: 50}) {
		t.Errorf("expected 20 available bytes to fail a 50-byte threshold")
	}
}
