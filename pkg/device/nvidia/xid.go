package nvidia

import (
	"bufio"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NavarchProject/gdnd/pkg/device"
)

// xidLinePattern matches NVRM's XID log line, e.g.
// "NVRM: Xid (PCI:0000:3b:00.0): 79, pid=1234, GPU has fallen off the bus."
var xidLinePattern = regexp.MustCompile(`NVRM: Xid \(PCI:([0-9a-fA-F:.]+)\): (\d+),(.*)`)

var isoTimestampPattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})`)

// xidParser tails dmesg (falling back to journalctl) for NVRM Xid lines.
// It is shared across all devices on the host; scanSince filters by the
// PCI bus id embedded in the kernel log line.
type xidParser struct {
	mu        sync.Mutex
	lastCheck time.Time
}

func newXIDParser() *xidParser {
	return &xidParser{lastCheck: time.Now()}
}

func (p *xidParser) scanSince(id device.ID) ([]device.ErrorEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	output, err := readKernelLog()
	if err != nil {
		return nil, fmt.Errorf("read kernel log: %w", err)
	}
	p.lastCheck = time.Now()

	var events []device.ErrorEvent
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		m := xidLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		code, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		events = append(events, device.ErrorEvent{
			Code:      code,
			Message:   strings.TrimSpace(m[3]),
			Timestamp: extractTimestamp(line),
			Device:    id,
		})
	}
	return events, nil
}

func readKernelLog() (string, error) {
	if out, err := exec.Command("dmesg", "--time-format=iso").Output(); err == nil {
		return string(out), nil
	}
	if out, err := exec.Command("dmesg").Output(); err == nil {
		return string(out), nil
	}
	if out, err := exec.Command("journalctl", "-k", "--no-pager", "-o", "short-iso").Output(); err == nil {
		return string(out), nil
	}
	return "", fmt.Errorf("dmesg and journalctl both failed")
}

func extractTimestamp(line string) time.Time {
	if m := isoTimestampPattern.FindStringSubmatch(line); m != nil {
		if t, err := time.Parse("2006-01-02T15:04:05", m[1]); err == nil {
			return t
		}
	}
	return time.Now()
}

// Fatal XID codes per https://docs.nvidia.com/deploy/xid-errors/index.html.
// The spec's narrower default {31,43,48,79} set (see config) is what the
// state machine actually evaluates against; this broader table backs the
// human-readable description lookup used in log/finding messages.
var xidDescriptions = map[int]string{
	13:  "Graphics Engine Exception",
	31:  "GPU memory page fault",
	32:  "Invalid or corrupted push buffer stream",
	43:  "GPU stopped processing",
	45:  "Preemptive cleanup, due to previous errors",
	48:  "Double Bit ECC Error",
	63:  "ECC page retirement or row remapping event",
	64:  "ECC page retirement or row remapping recording failure",
	68:  "Video processor exception",
	69:  "Graphics Engine class error",
	74:  "NVLINK Error",
	79:  "GPU has fallen off the bus",
	92:  "High single-bit ECC error rate",
	94:  "Contained ECC error",
	95:  "Uncontained ECC error",
	119: "GSP RPC timeout",
}

// Describe returns a human-readable description for an XID code, falling
// back to a generic label for codes outside the known table.
func Describe(code int) string {
	if desc, ok := xidDescriptions[code]; ok {
		return desc
	}
	return fmt.Sprintf("XID %d", code)
}
