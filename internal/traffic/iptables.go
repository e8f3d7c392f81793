// Package traffic measures per-tunnel byte counts on a node. The primary
// source is iptables packet counters on rules tagged with a per-tunnel
// comment; when no rules exist (container without NET_ADMIN, nft-only
// hosts) it falls back to the engine process's /proc I/O counters.
package traffic

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
)

const commentPrefix = "smite:"

// RunFunc executes a command and returns its combined output. Tests swap
// this out; production uses execRun.
type RunFunc func(ctx context.Context, name string, args ...string) (string, error)

func execRun(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Firewall manages and reads the tagged counting rules for tunnels.
type Firewall struct {
	run  RunFunc
	ipv6 bool
}

func NewFirewall() *Firewall {
	return &Firewall{run: execRun}
}

// NewFirewallV6 returns a Firewall operating on ip6tables.
func NewFirewallV6() *Firewall {
	return &Firewall{run: execRun, ipv6: true}
}

func (f *Firewall) binary() string {
	if f.ipv6 {
		return "ip6tables"
	}
	return "iptables"
}

func comment(tunnelID string) string {
	return commentPrefix + tunnelID
}

// EnsureRules installs counting rules for a tunnel: one INPUT rule per
// listen port and, when remoteAddr is set, one OUTPUT rule toward the
// peer. Installing an already-present rule is a no-op (-C before -A).
func (f *Firewall) EnsureRules(ctx context.Context, tunnelID string, ports []int, remoteAddr string) error {
	tag := comment(tunnelID)
	for _, port := range ports {
		spec := []string{"INPUT", "-p", "tcp", "--dport", strconv.Itoa(port),
			"-m", "comment", "--comment", tag, "-j", "ACCEPT"}
		if err := f.ensureRule(ctx, spec); err != nil {
			return fmt.Errorf("add port rule for %d: %w", port, err)
		}
	}
	if remoteAddr != "" {
		spec := []string{"OUTPUT", "-d", remoteAddr,
			"-m", "comment", "--comment", tag, "-j", "ACCEPT"}
		if err := f.ensureRule(ctx, spec); err != nil {
			return fmt.Errorf("add peer rule for %s: %w", remoteAddr, err)
		}
	}
	return nil
}

func (f *Firewall) ensureRule(ctx context.Context, spec []string) error {
	if _, err := f.run(ctx, f.binary(), append([]string{"-C"}, spec...)...); err == nil {
		return nil
	}
	out, err := f.run(ctx, f.binary(), append([]string{"-A"}, spec...)...)
	if err != nil {
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// RemoveRules deletes every rule tagged for the tunnel. Failures are
// logged, not returned: a torn-down tunnel must not stay alive because a
// counter rule would not go away.
func (f *Firewall) RemoveRules(ctx context.Context, tunnelID string) {
	save, err := f.run(ctx, f.binary()+"-save", "-t", "filter")
	if err != nil {
		log.Printf("[traffic] %s-save failed, skipping rule cleanup for %s: %v", f.binary(), tunnelID, err)
		return
	}
	tag := comment(tunnelID)
	scanner := bufio.NewScanner(strings.NewReader(save))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "-A ") || !strings.Contains(line, tag) {
			continue
		}
		args := append([]string{"-D"}, strings.Fields(line[3:])...)
		if out, err := f.run(ctx, f.binary(), args...); err != nil {
			log.Printf("[traffic] failed to delete rule %q: %v %s", line, err, strings.TrimSpace(out))
		}
	}
}

// ReadBytes sums the byte counters of every tagged rule for the tunnel.
// A tunnel with no rules reads as 0 with ok=false so callers can fall
// back to process counters.
func (f *Firewall) ReadBytes(ctx context.Context, tunnelID string) (total int64, ok bool) {
	tag := "/* " + comment(tunnelID) + " */"
	for _, chain := range []string{"INPUT", "OUTPUT"} {
		out, err := f.run(ctx, f.binary(), "-nvx", "-L", chain)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(strings.NewReader(out))
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.Contains(line, tag) {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			n, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				continue
			}
			total += n
			ok = true
		}
	}
	return total, ok
}
