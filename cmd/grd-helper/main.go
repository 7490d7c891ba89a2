// Command grd-helper is the privileged systemd unit controller invoked
// by the unprivileged daemon over polkit: it starts/enables or stops/
// disables the grd-rdpd service unit on behalf of a caller that isn't
// itself allowed to touch systemd. See spec.md §6's "Privileged helper
// CLI" for the exact usage/exit-code contract.
package main

import (
	"fmt"
	"os"
	"os/exec"
)

// serviceUnit is the systemd unit this helper starts/stops and enables/
// disables. It names the daemon built by cmd/grd-rdpd.
const serviceUnit = "grd-rdpd.service"

// policyAction is the polkit action id this helper expects to have been
// authorized under before it is ever invoked (enforced by the polkit
// rule installed alongside this binary's setuid/pkexec wrapper, not by
// this process itself — see run() for why a missing authorization still
// surfaces as a non-zero exit here).
const policyAction = "org.gnome.remotedesktop.rdp.enable-service"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run implements the helper's entire contract: usage `<helper>
// true|false`, checking authorization, then issuing StartUnit/StopUnit
// followed by EnableUnitFiles/DisableUnitFiles. It returns the process
// exit code rather than calling os.Exit directly so tests can assert on
// it without spawning a subprocess.
func run(args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: grd-helper true|false\n")
		return 2
	}

	enable, err := parseBool(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "grd-helper: %v\n", err)
		return 2
	}

	if err := checkAuthorized(); err != nil {
		fmt.Fprintf(os.Stderr, "grd-helper: not authorized: %v\n", err)
		return 1
	}

	if enable {
		if err := startAndEnable(); err != nil {
			fmt.Fprintf(os.Stderr, "grd-helper: %v\n", err)
			return 1
		}
		return 0
	}

	if err := stopAndDisable(); err != nil {
		fmt.Fprintf(os.Stderr, "grd-helper: %v\n", err)
		return 1
	}
	return 0
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("argument must be true or false, got %q", s)
	}
}

// checkAuthorized confirms the invoking user is still entitled to
// policyAction. The binary is expected to run only via a pkexec/polkit
// wrapper that has already gated entry on this action id; this is a
// defense-in-depth recheck against PolicyKit's own authority, mirroring
// how the caller-side systemd D-Bus calls in the original daemon always
// ran behind an equivalent polkit check before ever reaching here.
func checkAuthorized() error {
	cmd := exec.Command("pkcheck", "--action-id", policyAction, "--process", fmt.Sprintf("%d", os.Getppid()))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pkcheck: %w", err)
	}
	return nil
}

func startAndEnable() error {
	if err := systemctl("start", serviceUnit); err != nil {
		return fmt.Errorf("start unit: %w", err)
	}
	if err := systemctl("enable", serviceUnit); err != nil {
		return fmt.Errorf("enable unit: %w", err)
	}
	return nil
}

func stopAndDisable() error {
	if err := systemctl("stop", serviceUnit); err != nil {
		return fmt.Errorf("stop unit: %w", err)
	}
	if err := systemctl("disable", serviceUnit); err != nil {
		return fmt.Errorf("disable unit: %w", err)
	}
	return nil
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
