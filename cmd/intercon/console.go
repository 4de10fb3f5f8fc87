package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/saintparish4/intercon/internal/client"
	"github.com/saintparish4/intercon/pkg/types"
)

// controller is the part of the orchestrator the console drives.
type controller interface {
	Connect(ctx context.Context, input string, progress client.ProgressFunc) (client.Result, error)
	Cancel() bool
	Accept(peer types.Identity) error
	Reject(peer types.Identity) error
	Disconnect(ctx context.Context, peer types.Identity) error
	Pending() []client.Request
	Records() *client.Records
}

// console reads commands line by line and prints results and events.
type console struct {
	ctx    context.Context
	ctl    controller
	prompt bool
	manual bool // incoming requests wait for accept or reject

	mu  sync.Mutex // guards out
	out io.Writer

	wg sync.WaitGroup
}

func newConsole(ctx context.Context, ctl controller, out io.Writer, prompt bool) *console {
	return &console{ctx: ctx, ctl: ctl, out: out, prompt: prompt}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) showPrompt() {
	if c.prompt {
		c.printf("> ")
	}
}

// run processes commands until quit or end of input. It reports whether the
// user asked to quit.
func (c *console) run(in io.Reader) bool {
	scanner := bufio.NewScanner(in)
	c.showPrompt()
	for scanner.Scan() {
		if c.exec(scanner.Text()) {
			return true
		}
		c.showPrompt()
	}
	return false
}

// wait blocks until background connection attempts return.
func (c *console) wait() {
	c.wg.Wait()
}

// exec runs one command line. It returns true for quit.
func (c *console) exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		c.help()
	case "connect":
		if len(args) != 1 {
			c.printf("usage: connect <identity>\n")
			return false
		}
		c.connect(args[0])
	case "cancel":
		if c.ctl.Cancel() {
			c.printf("cancelling attempt\n")
		} else {
			c.printf("no attempt in progress\n")
		}
	case "accept", "reject", "disconnect":
		if len(args) != 1 {
			c.printf("usage: %s <identity>\n", cmd)
			return false
		}
		c.peerCommand(cmd, args[0])
	case "list":
		c.list()
	case "pending":
		c.pending()
	default:
		c.printf("unknown command %q (try help)\n", cmd)
	}
	return false
}

func (c *console) help() {
	c.printf("Commands:\n")
	c.printf("  connect <id>     ask the broker to link with <id>\n")
	c.printf("  cancel           abandon the attempt in progress\n")
	c.printf("  accept <id>      accept a pending request from <id>\n")
	c.printf("  reject <id>      reject a pending request from <id>\n")
	c.printf("  disconnect <id>  end the link with <id>\n")
	c.printf("  list             show linked peers\n")
	c.printf("  pending          show requests awaiting an answer\n")
	c.printf("  quit             tear down all links and exit\n")
}

func (c *console) connect(input string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, err := c.ctl.Connect(c.ctx, input, func(p client.Progress) {
			c.printf("  [%3d%%] %s\n", p.Percent, p.Message)
		})
		if err != nil {
			c.printf("✗ connect %s: %v\n", input, err)
			return
		}
		c.printf("%s\n", describe(res))
	}()
}

func (c *console) peerCommand(cmd, input string) {
	peer, err := types.ParseIdentity(input)
	if err != nil {
		c.printf("✗ %v\n", err)
		return
	}

	switch cmd {
	case "accept":
		err = c.ctl.Accept(peer)
	case "reject":
		err = c.ctl.Reject(peer)
	case "disconnect":
		err = c.ctl.Disconnect(c.ctx, peer)
	}
	switch {
	case errors.Is(err, client.ErrNoRequest):
		c.printf("✗ no pending request from %s\n", peer)
	case errors.Is(err, client.ErrNotLinked):
		c.printf("✗ not linked with %s\n", peer)
	case err != nil:
		c.printf("✗ %s %s: %v\n", cmd, peer, err)
	default:
		c.printf("✓ %s %s\n", pastTense[cmd], peer)
	}
}

var pastTense = map[string]string{
	"accept":     "accepted",
	"reject":     "rejected",
	"disconnect": "disconnected from",
}

func (c *console) list() {
	records := c.ctl.Records().List()
	if len(records) == 0 {
		c.printf("no links\n")
		return
	}
	for _, rec := range records {
		c.printf("  %s  %-15s  %s\n", rec.Peer, rec.Address, rec.Status)
	}
}

func (c *console) pending() {
	reqs := c.ctl.Pending()
	if len(reqs) == 0 {
		c.printf("no pending requests\n")
		return
	}
	for _, req := range reqs {
		c.printf("  %s  %s\n", req.Peer, req.Address)
	}
}

// events prints orchestrator events until ch closes or ctx ends.
func (c *console) events(ch <-chan client.Event) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.event(ev)
		}
	}
}

func (c *console) event(ev client.Event) {
	switch ev.Kind {
	case client.EventRegistered:
		c.printf("\n✓ Registered with the broker. Your identity: %s\n", ev.Peer)
	case client.EventIncomingRequest:
		if c.manual {
			c.printf("\n? %s (%s) wants to connect. Type 'accept %s' or 'reject %s'\n", ev.Peer, ev.Address, ev.Peer, ev.Peer)
		} else {
			c.printf("\n? connection request from %s (%s)\n", ev.Peer, ev.Address)
		}
	case client.EventRequestWithdrawn:
		c.printf("\n- request from %s withdrawn\n", ev.Peer)
	case client.EventLinked:
		if ev.Result != nil {
			c.printf("\n%s\n", describe(*ev.Result))
		} else {
			c.printf("\n✓ linked with %s (%s)\n", ev.Peer, ev.Address)
		}
	case client.EventUnlinked:
		c.printf("\n- %s disconnected\n", ev.Peer)
	case client.EventBrokerError:
		c.printf("\n✗ broker: %s\n", ev.Message)
	default:
		return
	}
	c.showPrompt()
}

// describe renders a finished attempt for the user.
func describe(res client.Result) string {
	switch res.Outcome {
	case client.OutcomeConnected:
		return fmt.Sprintf("✓ connected to %s (%s)", res.Peer, res.Address)
	case client.OutcomeAlreadyLinked:
		return fmt.Sprintf("✓ already linked with %s", res.Peer)
	case client.OutcomeRejected:
		return fmt.Sprintf("✗ %s rejected the request", res.Peer)
	case client.OutcomeTimeout:
		return fmt.Sprintf("✗ %s did not answer in time", res.Peer)
	case client.OutcomeCancelled:
		return fmt.Sprintf("- request to %s cancelled", res.Peer)
	case client.OutcomeConfigurationFailed:
		return fmt.Sprintf("✗ linked with %s but local setup failed: %v", res.Peer, res.Err)
	default:
		return fmt.Sprintf("✗ connect to %s failed: %s", res.Peer, res.Cause)
	}
}
