package netcfg

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// CommandExecutor abstracts command execution for testing
type CommandExecutor interface {
	// LookPath searches for an executable in PATH
	LookPath(file string) (string, error)
	// Command creates a new command bound to ctx
	Command(ctx context.Context, name string, args ...string) Command
}

// Command abstracts a command that can be executed
type Command interface {
	// CombinedOutput runs the command and returns its combined stdout and stderr
	CombinedOutput() ([]byte, error)
}

// RealCommandExecutor is the production implementation that uses os/exec
type RealCommandExecutor struct{}

// LookPath searches for an executable in PATH
func (RealCommandExecutor) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// Command creates a new command with the given name and arguments
func (RealCommandExecutor) Command(ctx context.Context, name string, args ...string) Command {
	return exec.CommandContext(ctx, name, args...)
}

// ExecGateway implements Gateway by shelling out to the platform tools:
// iptables and ip on linux, netsh and route on windows.
type ExecGateway struct {
	exec CommandExecutor
	goos string

	Logger *log.Entry
}

// NewExecGateway creates a gateway for goos (as in runtime.GOOS).
func NewExecGateway(executor CommandExecutor, goos string) (*ExecGateway, error) {
	switch goos {
	case "linux", "windows":
	default:
		return nil, fmt.Errorf("netcfg: unsupported platform %q", goos)
	}
	return &ExecGateway{
		exec:   executor,
		goos:   goos,
		Logger: packageLogger.WithFields(log.Fields{"subpack": "exec", "os": goos}),
	}, nil
}

// Check verifies the platform tools are installed.
func (g *ExecGateway) Check() error {
	tools := []string{"iptables", "ip"}
	if g.goos == "windows" {
		tools = []string{"netsh", "route"}
	}
	for _, t := range tools {
		if _, err := g.exec.LookPath(t); err != nil {
			return fmt.Errorf("netcfg: %s not found: %w", t, err)
		}
	}
	return nil
}

func (g *ExecGateway) run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := g.exec.Command(ctx, name, args...).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		g.Logger.WithFields(log.Fields{
			"cmd":    name + " " + strings.Join(args, " "),
			"output": text,
		}).WithError(err).Debug("command failed")
	}
	return text, err
}

// RuleName returns the firewall rule name used for ip in direction dir
// ("in" or "out").
func RuleName(dir, ip string) string {
	return "intercon-" + dir + "-" + ip
}

// AddAllow permits traffic with ip in both directions.
func (g *ExecGateway) AddAllow(ctx context.Context, ip string) bool {
	if g.goos == "windows" {
		return g.windowsAddAllow(ctx, ip)
	}
	return g.linuxAddAllow(ctx, ip)
}

// RemoveAllow drops both directions of the exception for ip.
func (g *ExecGateway) RemoveAllow(ctx context.Context, ip string) bool {
	if g.goos == "windows" {
		return g.windowsRemoveAllow(ctx, ip)
	}
	return g.linuxRemoveAllow(ctx, ip)
}

// AddHostRoute routes dst/32 via gw, replacing any existing host route.
func (g *ExecGateway) AddHostRoute(ctx context.Context, dst, gw string) bool {
	if g.goos == "windows" {
		// route add does not replace; clear any stale entry first.
		_, _ = g.run(ctx, "route", "delete", dst)
		_, err := g.run(ctx, "route", "add", dst, "mask", "255.255.255.255", gw)
		return err == nil
	}
	_, err := g.run(ctx, "ip", "route", "replace", dst+"/32", "via", gw)
	return err == nil
}

// RemoveHostRoute drops the host route for dst. A missing route counts as
// removed.
func (g *ExecGateway) RemoveHostRoute(ctx context.Context, dst string) bool {
	if g.goos == "windows" {
		out, err := g.run(ctx, "route", "delete", dst)
		return err == nil || strings.Contains(strings.ToLower(out), "not found")
	}
	out, err := g.run(ctx, "ip", "route", "del", dst+"/32")
	return err == nil || strings.Contains(out, "No such process")
}

// linuxRules returns the INPUT and OUTPUT rule specs for ip.
func linuxRules(ip string) [][]string {
	return [][]string{
		{"INPUT", "-s", ip + "/32", "-j", "ACCEPT", "-m", "comment", "--comment", RuleName("in", ip)},
		{"OUTPUT", "-d", ip + "/32", "-j", "ACCEPT", "-m", "comment", "--comment", RuleName("out", ip)},
	}
}

func (g *ExecGateway) linuxAddAllow(ctx context.Context, ip string) bool {
	var added [][]string
	for _, rule := range linuxRules(ip) {
		if _, err := g.run(ctx, "iptables", append([]string{"-C"}, rule...)...); err == nil {
			continue
		}
		if _, err := g.run(ctx, "iptables", append([]string{"-I"}, rule...)...); err != nil {
			for _, r := range added {
				_, _ = g.run(ctx, "iptables", append([]string{"-D"}, r...)...)
			}
			return false
		}
		added = append(added, rule)
	}
	return true
}

func (g *ExecGateway) linuxRemoveAllow(ctx context.Context, ip string) bool {
	ok := true
	for _, rule := range linuxRules(ip) {
		if _, err := g.run(ctx, "iptables", append([]string{"-C"}, rule...)...); err != nil {
			continue
		}
		if _, err := g.run(ctx, "iptables", append([]string{"-D"}, rule...)...); err != nil {
			ok = false
		}
	}
	return ok
}

func (g *ExecGateway) windowsAddAllow(ctx context.Context, ip string) bool {
	// netsh happily creates duplicates, so start from a clean slate.
	g.windowsRemoveAllow(ctx, ip)
	for _, dir := range []string{"in", "out"} {
		_, err := g.run(ctx, "netsh", "advfirewall", "firewall", "add", "rule",
			"name="+RuleName(dir, ip), "dir="+dir, "action=allow",
			"remoteip="+ip+"/32", "enable=yes")
		if err != nil {
			g.windowsRemoveAllow(ctx, ip)
			return false
		}
	}
	return true
}

func (g *ExecGateway) windowsRemoveAllow(ctx context.Context, ip string) bool {
	ok := true
	for _, dir := range []string{"in", "out"} {
		out, err := g.run(ctx, "netsh", "advfirewall", "firewall", "delete", "rule",
			"name="+RuleName(dir, ip))
		if err != nil && !strings.Contains(out, "No rules match") {
			ok = false
		}
	}
	return ok
}
