package versiongate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flaksit/pc-switcher/internal/command"
)

func TestParseTargetVersionOutput(t *testing.T) {
	cases := map[string]string{
		"pc-switcher version 0.1.0": "0.1.0",
		"0.4.0":                     "0.4.0",
		"1.2.3.dev0":                "1.2.3.dev0",
		"garbage output":            "",
	}
	for in, want := range cases {
		if got := ParseTargetVersionOutput(in); got != want {
			t.Errorf("ParseTargetVersionOutput(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompare(t *testing.T) {
	cases := []struct {
		source, target string
		want            int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.1.0", "1.0.0", 1},
		{"1.0.0", "1.1.0", -1},
		{"1.2.3.dev0", "1.2.3", 0},
	}
	for _, c := range cases {
		got, err := Compare(c.source, c.target)
		if err != nil {
			t.Fatalf("Compare(%q, %q): %v", c.source, c.target, err)
		}
		if got != c.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", c.source, c.target, got, c.want)
		}
	}
}

func TestCheckDecisionTable(t *testing.T) {
	cases := []struct {
		name       string
		targetResp command.Result
		targetErr  error
		want       Decision
		wantErr    bool
	}{
		{"absent", command.Result{ExitCode: 127, Stderr: "not found"}, nil, DecisionInstall, false},
		{"equal", command.Result{ExitCode: 0, Stdout: "1.0.0"}, nil, DecisionNoop, false},
		{"older target", command.Result{ExitCode: 0, Stdout: "0.9.0"}, nil, DecisionUpgrade, false},
		{"newer target", command.Result{ExitCode: 0, Stdout: "1.1.0"}, nil, "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			exec := &stubExecutor{result: c.targetResp, err: c.targetErr}
			got, err := Check(context.Background(), exec, "1.0.0")
			if c.wantErr != (err != nil) {
				t.Fatalf("Check() error = %v, wantErr %v", err, c.wantErr)
			}
			if !c.wantErr && got != c.want {
				t.Errorf("Check() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestInstallCommandUsesReleaseTag(t *testing.T) {
	cmd := InstallCommand("0.4.0")
	want := "curl -LsSf https://raw.githubusercontent.com/flaksit/pc-switcher/v0.4.0/install.sh | sh -s -- --version 0.4.0"
	if cmd != want {
		t.Errorf("InstallCommand(%q) = %q, want %q", "0.4.0", cmd, want)
	}
}

func TestInstallCommandHonorsRefOverride(t *testing.T) {
	t.Setenv(installRefEnv, "refs/heads/dev")
	cmd := InstallCommand("0.4.0")
	want := "curl -LsSf https://raw.githubusercontent.com/flaksit/pc-switcher/refs/heads/dev/install.sh | sh -s -- --version 0.4.0"
	if cmd != want {
		t.Errorf("InstallCommand with override = %q, want %q", cmd, want)
	}
}

func TestLatestReleaseParsesTagName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("unexpected Authorization header with no GITHUB_TOKEN set: %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tag_name":"v0.4.0"}`))
	}))
	defer srv.Close()

	orig := latestReleaseURL
	latestReleaseURL = srv.URL
	defer func() { latestReleaseURL = orig }()

	got, err := LatestRelease(context.Background())
	if err != nil {
		t.Fatalf("LatestRelease: %v", err)
	}
	if got != "0.4.0" {
		t.Errorf("LatestRelease() = %q, want %q", got, "0.4.0")
	}
}

func TestLatestReleaseSendsGithubToken(t *testing.T) {
	t.Setenv(githubTokenEnv, "secret-token")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("Authorization header = %q, want bearer token", got)
		}
		_, _ = w.Write([]byte(`{"tag_name":"v1.0.0"}`))
	}))
	defer srv.Close()

	orig := latestReleaseURL
	latestReleaseURL = srv.URL
	defer func() { latestReleaseURL = orig }()

	if _, err := LatestRelease(context.Background()); err != nil {
		t.Fatalf("LatestRelease: %v", err)
	}
}

func TestLatestReleaseRejectsNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	orig := latestReleaseURL
	latestReleaseURL = srv.URL
	defer func() { latestReleaseURL = orig }()

	if _, err := LatestRelease(context.Background()); err == nil {
		t.Fatalf("expected an error for a non-2xx releases response")
	}
}

type stubExecutor struct {
	result command.Result
	err    error
}

func (s *stubExecutor) Host() string { return "target" }

func (s *stubExecutor) Run(ctx context.Context, cmd string, timeout int64) (command.Result, error) {
	return s.result, s.err
}

func (s *stubExecutor) Stream(ctx context.Context, cmd string) (<-chan command.OutputLine, <-chan error, error) {
	lines := make(chan command.OutputLine)
	errc := make(chan error, 1)
	close(lines)
	errc <- nil
	return lines, errc, nil
}

func (s *stubExecutor) TerminateAll(ctx context.Context) error { return nil }
