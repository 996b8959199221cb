// Package execcheck runs the external micro-benchmark and PCIe bandwidth
// probe binaries shared by the NVIDIA and Ascend device adapters, per the
// binary wire contract: `<binary> -d <index> -t <seconds> [--pcie-test] [-v]`,
// exit 0=pass, 1=runtime error, 2=verification mismatch, 3=timeout.
package execcheck

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/NavarchProject/gdnd/pkg/device"
)

const (
	exitPass               = 0
	exitRuntimeError       = 1
	exitVerificationFailed = 2
	exitTimeout            = 3
)

var bandwidthLinePattern = regexp.MustCompile(`(?i)(Host to Device|Device to Host):\s*([\d.]+)\s*GB/s`)

// Run launches binaryPath against the device at index, waiting up to
// timeout. pcieTest selects the --pcie-test probe instead of the default
// active micro-benchmark.
func Run(ctx context.Context, binaryPath string, index int, timeout time.Duration, pcieTest bool) (device.CheckOutcome, error) {
	start := time.Now()

	if binaryPath == "" {
		return device.Failed(0, exitRuntimeError, errors.New("no check binary configured")), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	args := []string{"-d", strconv.Itoa(index), "-t", strconv.Itoa(int(timeout.Seconds()))}
	if pcieTest {
		args = append(args, "--pcie-test", "-v")
	}

	slog.Debug("running check binary", "cmd", quoteArgv(binaryPath, args))

	cmd := exec.CommandContext(runCtx, binaryPath, args...)
	out, err := cmd.Output()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		_ = cmd.Process.Kill()
		return device.TimedOutResult(elapsed), nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			if code == exitTimeout {
				return device.TimedOutResult(elapsed), nil
			}
			return device.Failed(elapsed, code, fmt.Errorf("%s exited %d", binaryPath, code)), nil
		}
		// sub-process launch failure (binary missing, not executable, etc)
		// counts as a failed check under the check-binary wire contract.
		return device.Failed(elapsed, exitRuntimeError, fmt.Errorf("launch %s: %w", binaryPath, err)), nil
	}

	outcome := device.Passed(elapsed)
	if pcieTest {
		outcome.BandwidthGBps = parseMinBandwidth(string(out))
	}
	return outcome, nil
}

// quoteArgv renders a command line for debug logging only; the probe
// itself is always invoked through exec.CommandContext with an argv
// slice, never a shell string.
func quoteArgv(binaryPath string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellescape.Quote(binaryPath))
	for _, a := range args {
		parts = append(parts, shellescape.Quote(a))
	}
	return strings.Join(parts, " ")
}

// parseMinBandwidth extracts the lower of the Host-to-Device and
// Device-to-Host bandwidth readings from verbose PCIe probe output.
func parseMinBandwidth(output string) float64 {
	var min float64
	seen := false
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		m := bandwidthLinePattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		if !seen || v < min {
			min = v
			seen = true
		}
	}
	return min
}
