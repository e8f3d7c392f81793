package traffic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeRunner struct {
	calls   []string
	outputs map[string]string // matched by substring of the full command
	fail    map[string]bool
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) (string, error) {
	cmd := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	for sub := range f.fail {
		if strings.Contains(cmd, sub) {
			return "", errors.New("exit status 1")
		}
	}
	for sub, out := range f.outputs {
		if strings.Contains(cmd, sub) {
			return out, nil
		}
	}
	return "", nil
}

func TestEnsureRules_ChecksBeforeAdding(t *testing.T) {
	fr := &fakeRunner{fail: map[string]bool{"-C INPUT -p tcp --dport 9001": true}}
	fw := &Firewall{run: fr.run}

	if err := fw.EnsureRules(context.Background(), "t1", []int{9000, 9001}, "203.0.113.10"); err != nil {
		t.Fatalf("EnsureRules: %v", err)
	}

	var adds []string
	for _, c := range fr.calls {
		if strings.Contains(c, " -A ") {
			adds = append(adds, c)
		}
	}
	// 9000 and the peer rule pass -C, only 9001 gets appended.
	if len(adds) != 1 || !strings.Contains(adds[0], "--dport 9001") {
		t.Fatalf("adds = %v, want exactly the 9001 rule", adds)
	}
	if !strings.Contains(adds[0], "smite:t1") {
		t.Fatalf("rule missing tunnel tag: %s", adds[0])
	}
}

func TestRemoveRules_DeletesTaggedOnly(t *testing.T) {
	save := strings.Join([]string{
		"-A INPUT -p tcp --dport 9000 -m comment --comment smite:t1 -j ACCEPT",
		"-A INPUT -p tcp --dport 8080 -m comment --comment smite:other -j ACCEPT",
		"-A OUTPUT -d 203.0.113.10/32 -m comment --comment smite:t1 -j ACCEPT",
	}, "\n")
	fr := &fakeRunner{outputs: map[string]string{"iptables-save": save}}
	fw := &Firewall{run: fr.run}

	fw.RemoveRules(context.Background(), "t1")

	var deletes []string
	for _, c := range fr.calls {
		if strings.Contains(c, " -D ") {
			deletes = append(deletes, c)
		}
	}
	if len(deletes) != 2 {
		t.Fatalf("deletes = %v, want the two t1 rules", deletes)
	}
	for _, d := range deletes {
		if strings.Contains(d, "smite:other") {
			t.Fatalf("deleted a rule belonging to another tunnel: %s", d)
		}
	}
}

func TestReadBytes_SumsTaggedCounters(t *testing.T) {
	input := `Chain INPUT (policy ACCEPT 0 packets, 0 bytes)
    pkts      bytes target     prot opt in     out     source               destination
      10     1500 ACCEPT     tcp  --  *      *       0.0.0.0/0            0.0.0.0/0            tcp dpt:9000 /* smite:t1 */
       5      999 ACCEPT     tcp  --  *      *       0.0.0.0/0            0.0.0.0/0            tcp dpt:8080 /* smite:other */
`
	output := `Chain OUTPUT (policy ACCEPT 0 packets, 0 bytes)
    pkts      bytes target     prot opt in     out     source               destination
       3      500 ACCEPT     all  --  *      *       0.0.0.0/0            203.0.113.10         /* smite:t1 */
`
	fr := &fakeRunner{outputs: map[string]string{"-L INPUT": input, "-L OUTPUT": output}}
	fw := &Firewall{run: fr.run}

	total, ok := fw.ReadBytes(context.Background(), "t1")
	if !ok {
		t.Fatal("expected tagged rules to be found")
	}
	if total != 2000 {
		t.Fatalf("total = %d, want 2000", total)
	}

	if _, ok := fw.ReadBytes(context.Background(), "t-absent"); ok {
		t.Fatal("expected ok=false for a tunnel with no rules")
	}
}

func TestAccountant_MonotonicAndFallback(t *testing.T) {
	procRoot := t.TempDir()
	ioDir := filepath.Join(procRoot, "4242")
	if err := os.MkdirAll(ioDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeIO := func(read, write int64) {
		content := fmt.Sprintf("rchar: 1\nwchar: 2\nread_bytes: %d\nwrite_bytes: %d\n", read, write)
		if err := os.WriteFile(filepath.Join(ioDir, "io"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	// No firewalls wired: the accountant must use /proc.
	a := NewAccountant(nil, nil, func(string) int { return 4242 })
	a.procRoot = procRoot

	writeIO(3<<20, 2<<20)
	if got := a.BytesFor(context.Background(), "t1"); got != 5<<20 {
		t.Fatalf("bytes = %d, want %d", got, int64(5<<20))
	}

	// Counter reset: the high-water mark must hold.
	writeIO(1<<20, 0)
	if got := a.BytesFor(context.Background(), "t1"); got != 5<<20 {
		t.Fatalf("bytes after reset = %d, want high-water %d", got, int64(5<<20))
	}

	writeIO(10<<20, 0)
	if got := a.BytesFor(context.Background(), "t1"); got != 10<<20 {
		t.Fatalf("bytes = %d, want %d", got, int64(10<<20))
	}

	a.Forget("t1")
	writeIO(1<<20, 0)
	if got := a.BytesFor(context.Background(), "t1"); got != 1<<20 {
		t.Fatalf("bytes after Forget = %d, want fresh count", got)
	}
}

func TestBytesToMB(t *testing.T) {
	if BytesToMB(3<<19) != 1.5 {
		t.Fatalf("1.5 MiB = %v MB, want 1.5", BytesToMB(3<<19))
	}
	if BytesToMB(7<<20) != 7 {
		t.Fatalf("7 MiB = %v MB, want 7", BytesToMB(7<<20))
	}
}
