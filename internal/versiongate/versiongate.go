// Package versiongate implements the version-compatibility gate (spec.md
// §4.9): it compares the source tool's version against the target's
// installed version and decides whether to install, upgrade, no-op, or
// fail validation. Ported from the original implementation's
// installation.py (decision table and install flow) and install.py
// (legacy git-ref install variant, supplemented per SPEC_FULL.md).
package versiongate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"

	"github.com/flaksit/pc-switcher/internal/command"
)

// Decision is the outcome of Check.
type Decision string

const (
	DecisionNoop    Decision = "noop"
	DecisionInstall Decision = "install"
	DecisionUpgrade Decision = "upgrade"
)

// ErrTargetNewer is returned by Check when the target's version is strictly
// greater than the source's — a FAIL VALIDATION condition per spec.md
// §4.9's decision table.
type ErrTargetNewer struct {
	Source, Target string
}

func (e *ErrTargetNewer) Error() string {
	return fmt.Sprintf("target version %s is newer than source %s", e.Target, e.Source)
}

var versionRE = regexp.MustCompile(`(\d+\.\d+\.\d+(?:\.\w+)?)`)

// ParseTargetVersionOutput extracts a version string from the output of
// `pc-switcher --version` on the target, mirroring installation.py's
// get_target_version regex. Returns "" if no version could be found
// (interpreted by Check as "absent").
func ParseTargetVersionOutput(output string) string {
	m := versionRE.FindStringSubmatch(output)
	if m == nil {
		return ""
	}
	return m[1]
}

// normalize keeps only the first three dotted components, dropping a 4th
// and anything after it (PEP-440-style local/dev suffixes), so both SemVer
// and PEP-440-ish strings compare via
// go-semver, matching installation.py's compare_versions tolerance for
// "X.Y.Z.dev0"-shaped strings.
func normalize(v string) string {
	parts := strings.SplitN(v, ".", 4)
	if len(parts) >= 3 {
		return strings.Join(parts[:3], ".")
	}
	return v
}

// Compare returns -1, 0, or 1 comparing source and target semver-ish
// strings, mirroring installation.py's compare_versions.
func Compare(source, target string) (int, error) {
	sv, err := semver.NewVersion(normalize(source))
	if err != nil {
		return 0, fmt.Errorf("versiongate: invalid source version %q: %w", source, err)
	}
	tv, err := semver.NewVersion(normalize(target))
	if err != nil {
		return 0, fmt.Errorf("versiongate: invalid target version %q: %w", target, err)
	}
	return sv.Compare(*tv), nil
}

// Check runs `pc-switcher --version` on target (via exec) and decides the
// action per spec.md §4.9's decision table.
func Check(ctx context.Context, target command.Executor, sourceVersion string) (Decision, error) {
	res, err := target.Run(ctx, "pc-switcher --version", 15)
	if err != nil || !res.Success() {
		// Absent (command not found, or any execution failure) → install.
		return DecisionInstall, nil
	}
	targetVersion := ParseTargetVersionOutput(res.Stdout + res.Stderr)
	if targetVersion == "" {
		return DecisionInstall, nil
	}

	cmp, err := Compare(sourceVersion, targetVersion)
	if err != nil {
		return "", err
	}
	switch {
	case cmp == 0:
		return DecisionNoop, nil
	case cmp > 0:
		return DecisionUpgrade, nil
	default:
		return "", &ErrTargetNewer{Source: sourceVersion, Target: targetVersion}
	}
}

// installRefEnv supplements the default tag-based install with a
// developer override pointing at a git branch/ref instead of a published
// release, ported from install.py's get_install_with_script_command_line.
const installRefEnv = "PCSWITCHER_INSTALL_REF"

// InstallCommand builds the remote shell command that installs version on
// the target, matching installation.py's install_on_target:
//
//	curl -LsSf https://raw.githubusercontent.com/flaksit/pc-switcher/v<version>/install.sh | sh -s -- --version <version>
//
// If PCSWITCHER_INSTALL_REF is set, it is used as the URL ref component
// instead of "v<version>", supporting an unreleased source build.
func InstallCommand(version string) string {
	ref := "v" + version
	if override := os.Getenv(installRefEnv); override != "" {
		ref = override
	}
	url := fmt.Sprintf("https://raw.githubusercontent.com/flaksit/pc-switcher/%s/install.sh", ref)
	return fmt.Sprintf("curl -LsSf %s | sh -s -- --version %s", url, version)
}

// Install runs InstallCommand on target with a 300s timeout, then verifies
// by re-running --version, matching installation.py's timeout and
// verification step.
func Install(ctx context.Context, target command.Executor, version string) error {
	res, err := target.Run(ctx, InstallCommand(version), 300)
	if err != nil {
		return fmt.Errorf("versiongate: install failed: %w", err)
	}
	if !res.Success() {
		return fmt.Errorf("versiongate: install script exited %d: %s", res.ExitCode, res.Stderr)
	}

	verify, err := target.Run(ctx, "pc-switcher --version", 15)
	if err != nil || !verify.Success() {
		return fmt.Errorf("versiongate: post-install verification failed")
	}
	got := ParseTargetVersionOutput(verify.Stdout)
	if got != version {
		return fmt.Errorf("versiongate: post-install version mismatch: got %q, want %q", got, version)
	}
	return nil
}

// latestReleaseURL is the GitHub API endpoint for this project's most
// recent non-prerelease, non-draft release. Var rather than const so tests
// can point it at an httptest server.
var latestReleaseURL = "https://api.github.com/repos/flaksit/pc-switcher/releases/latest"

// githubTokenEnv optionally authenticates the releases lookup. It is not
// passed to the install script: InstallCommand does not include it.
const githubTokenEnv = "GITHUB_TOKEN"

type githubRelease struct {
	TagName string `json:"tag_name"`
}

// LatestRelease queries the GitHub releases API for the newest published
// release tag (e.g. "v0.4.0") and returns its version with the leading "v"
// stripped. Used by the `update` command's local self-install, which has
// no target executor to shell out through.
func LatestRelease(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, latestReleaseURL, nil)
	if err != nil {
		return "", fmt.Errorf("versiongate: build releases request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if token := os.Getenv(githubTokenEnv); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("versiongate: releases request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("versiongate: releases endpoint returned status %d", resp.StatusCode)
	}

	var rel githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return "", fmt.Errorf("versiongate: decode releases response: %w", err)
	}
	if rel.TagName == "" {
		return "", fmt.Errorf("versiongate: releases response had no tag_name")
	}
	return strings.TrimPrefix(rel.TagName, "v"), nil
}
