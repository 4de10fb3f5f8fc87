package netcfg

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor records command lines and fails those matching a predicate.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  []string
	fail   func(line string) bool
	output string
	paths  map[string]bool
}

type fakeCommand struct {
	out []byte
	err error
}

func (c *fakeCommand) CombinedOutput() ([]byte, error) { return c.out, c.err }

func (e *fakeExecutor) LookPath(file string) (string, error) {
	if e.paths[file] {
		return "/usr/sbin/" + file, nil
	}
	return "", errors.New("command not found")
}

func (e *fakeExecutor) Command(ctx context.Context, name string, args ...string) Command {
	line := name + " " + strings.Join(args, " ")
	e.mu.Lock()
	e.calls = append(e.calls, line)
	e.mu.Unlock()
	if e.fail != nil && e.fail(line) {
		return &fakeCommand{out: []byte(e.output), err: errors.New("exit status 1")}
	}
	return &fakeCommand{}
}

func (e *fakeExecutor) lines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func newGateway(t *testing.T, goos string, ex *fakeExecutor) *ExecGateway {
	t.Helper()
	g, err := NewExecGateway(ex, goos)
	require.NoError(t, err)
	return g
}

func TestNewExecGateway_UnsupportedPlatform(t *testing.T) {
	_, err := NewExecGateway(&fakeExecutor{}, "plan9")
	require.Error(t, err)
}

func TestExecGateway_Check(t *testing.T) {
	g := newGateway(t, "linux", &fakeExecutor{paths: map[string]bool{"iptables": true, "ip": true}})
	require.NoError(t, g.Check())

	g = newGateway(t, "windows", &fakeExecutor{paths: map[string]bool{"netsh": true}})
	require.ErrorContains(t, g.Check(), "route")
}

func TestExecGateway_LinuxAddAllow(t *testing.T) {
	// -C fails: rules absent, so both get inserted.
	ex := &fakeExecutor{fail: func(l string) bool { return strings.HasPrefix(l, "iptables -C") }}
	g := newGateway(t, "linux", ex)

	require.True(t, g.AddAllow(context.Background(), "10.20.7.9"))

	lines := ex.lines()
	require.Len(t, lines, 4)
	assert.Equal(t, "iptables -I INPUT -s 10.20.7.9/32 -j ACCEPT -m comment --comment intercon-in-10.20.7.9", lines[1])
	assert.Equal(t, "iptables -I OUTPUT -d 10.20.7.9/32 -j ACCEPT -m comment --comment intercon-out-10.20.7.9", lines[3])
}

func TestExecGateway_LinuxAddAllowIdempotent(t *testing.T) {
	ex := &fakeExecutor{}
	g := newGateway(t, "linux", ex)

	require.True(t, g.AddAllow(context.Background(), "10.20.7.9"))
	for _, l := range ex.lines() {
		assert.True(t, strings.HasPrefix(l, "iptables -C"), l)
	}
}

func TestExecGateway_LinuxAddAllowUndoesHalfRule(t *testing.T) {
	ex := &fakeExecutor{fail: func(l string) bool {
		return strings.HasPrefix(l, "iptables -C") || strings.HasPrefix(l, "iptables -I OUTPUT")
	}}
	g := newGateway(t, "linux", ex)

	require.False(t, g.AddAllow(context.Background(), "10.20.7.9"))
	lines := ex.lines()
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "iptables -D INPUT -s 10.20.7.9/32"))
}

func TestExecGateway_LinuxRemoveAllowMissingRules(t *testing.T) {
	ex := &fakeExecutor{fail: func(l string) bool { return strings.HasPrefix(l, "iptables -C") }}
	g := newGateway(t, "linux", ex)

	require.True(t, g.RemoveAllow(context.Background(), "10.20.7.9"))
	for _, l := range ex.lines() {
		assert.NotContains(t, l, "-D")
	}
}

func TestExecGateway_LinuxRoutes(t *testing.T) {
	ex := &fakeExecutor{}
	g := newGateway(t, "linux", ex)

	require.True(t, g.AddHostRoute(context.Background(), "10.20.7.9", "10.20.0.1"))
	require.True(t, g.RemoveHostRoute(context.Background(), "10.20.7.9"))
	assert.Equal(t, []string{
		"ip route replace 10.20.7.9/32 via 10.20.0.1",
		"ip route del 10.20.7.9/32",
	}, ex.lines())
}

func TestExecGateway_LinuxRemoveMissingRoute(t *testing.T) {
	ex := &fakeExecutor{
		fail:   func(l string) bool { return strings.HasPrefix(l, "ip route del") },
		output: "RTNETLINK answers: No such process",
	}
	g := newGateway(t, "linux", ex)
	require.True(t, g.RemoveHostRoute(context.Background(), "10.20.7.9"))

	ex.output = "RTNETLINK answers: Operation not permitted"
	require.False(t, g.RemoveHostRoute(context.Background(), "10.20.7.9"))
}

func TestExecGateway_WindowsAddAllow(t *testing.T) {
	ex := &fakeExecutor{}
	g := newGateway(t, "windows", ex)

	require.True(t, g.AddAllow(context.Background(), "10.20.7.9"))
	lines := ex.lines()
	require.Len(t, lines, 4)
	assert.Equal(t, `netsh advfirewall firewall delete rule name=intercon-in-10.20.7.9`, lines[0])
	assert.Equal(t, "netsh advfirewall firewall add rule name=intercon-in-10.20.7.9 dir=in action=allow remoteip=10.20.7.9/32 enable=yes", lines[2])
	assert.Equal(t, "netsh advfirewall firewall add rule name=intercon-out-10.20.7.9 dir=out action=allow remoteip=10.20.7.9/32 enable=yes", lines[3])
}

func TestExecGateway_WindowsRemoveAllowNoMatch(t *testing.T) {
	ex := &fakeExecutor{
		fail:   func(string) bool { return true },
		output: "No rules match the specified criteria.",
	}
	g := newGateway(t, "windows", ex)
	require.True(t, g.RemoveAllow(context.Background(), "10.20.7.9"))
}

func TestExecGateway_WindowsRoutes(t *testing.T) {
	ex := &fakeExecutor{}
	g := newGateway(t, "windows", ex)

	require.True(t, g.AddHostRoute(context.Background(), "10.20.7.9", "10.20.0.1"))
	assert.Equal(t, []string{
		"route delete 10.20.7.9",
		"route add 10.20.7.9 mask 255.255.255.255 10.20.0.1",
	}, ex.lines())

	ex.fail = func(l string) bool { return strings.HasPrefix(l, "route add") }
	require.False(t, g.AddHostRoute(context.Background(), "10.20.7.9", "10.20.0.1"))
}
