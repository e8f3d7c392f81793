package traffic

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
)

// PidFunc resolves the engine pid for a tunnel, 0 when not running.
type PidFunc func(tunnelID string) int

// Accountant turns raw counters into monotonic per-tunnel byte totals.
// iptables counters reset on rule re-creation or host reboot, so the
// accountant keeps the high-water mark and only ever reports increases.
type Accountant struct {
	fw   *Firewall
	fw6  *Firewall
	pids PidFunc

	mu   sync.Mutex
	high map[string]int64

	procRoot string // overridable for tests, defaults to /proc
}

func NewAccountant(fw, fw6 *Firewall, pids PidFunc) *Accountant {
	return &Accountant{
		fw:       fw,
		fw6:      fw6,
		pids:     pids,
		high:     make(map[string]int64),
		procRoot: "/proc",
	}
}

// BytesFor returns the monotonic byte total for a tunnel: iptables v4+v6
// counters when tagged rules exist, the engine's /proc I/O otherwise.
func (a *Accountant) BytesFor(ctx context.Context, tunnelID string) int64 {
	var total int64
	var counted bool
	if a.fw != nil {
		if n, ok := a.fw.ReadBytes(ctx, tunnelID); ok {
			total += n
			counted = true
		}
	}
	if a.fw6 != nil {
		if n, ok := a.fw6.ReadBytes(ctx, tunnelID); ok {
			total += n
			counted = true
		}
	}
	if !counted && a.pids != nil {
		if pid := a.pids(tunnelID); pid > 0 {
			if n, err := readProcIO(a.procRoot, pid); err == nil {
				total = n
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if total > a.high[tunnelID] {
		a.high[tunnelID] = total
	}
	return a.high[tunnelID]
}

// InstallRules sets up the tagged counting rules for a tunnel's ports
// and peer. Failures are logged: traffic measurement degrades to the
// /proc fallback, the tunnel itself is unaffected.
func (a *Accountant) InstallRules(ctx context.Context, tunnelID string, ports []int, remoteHost string) {
	for _, fw := range []*Firewall{a.fw, a.fw6} {
		if fw == nil {
			continue
		}
		if err := fw.EnsureRules(ctx, tunnelID, ports, remoteHost); err != nil {
			log.Printf("[traffic] install %s rules for %s: %v", fw.binary(), tunnelID, err)
		}
	}
}

// RemoveRules tears the tagged rules down and drops the high-water mark.
func (a *Accountant) RemoveRules(ctx context.Context, tunnelID string) {
	for _, fw := range []*Firewall{a.fw, a.fw6} {
		if fw != nil {
			fw.RemoveRules(ctx, tunnelID)
		}
	}
	a.Forget(tunnelID)
}

// Forget drops the high-water mark for a removed tunnel.
func (a *Accountant) Forget(tunnelID string) {
	a.mu.Lock()
	delete(a.high, tunnelID)
	a.mu.Unlock()
}

// readProcIO sums read_bytes and write_bytes from /proc/<pid>/io.
func readProcIO(procRoot string, pid int) (int64, error) {
	f, err := os.Open(fmt.Sprintf("%s/%d/io", procRoot, pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		if key != "read_bytes" && key != "write_bytes" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, scanner.Err()
}

// BytesToMB converts a byte count to megabytes (2^20 bytes), keeping
// the fractional part.
func BytesToMB(b int64) float64 {
	return float64(b) / (1 << 20)
}
