// Package interactive provides the interactive prompt for flowprobe.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/flowkit-net/flowkit-go/pkg/cancelable"
	"github.com/flowkit-net/flowkit-go/pkg/flow"
	"github.com/flowkit-net/flowkit-go/pkg/runloop"
	"github.com/flowkit-net/flowkit-go/pkg/session"
)

// DefaultTimeout bounds each pipeline operation issued from the prompt
// when the config does not.
const DefaultTimeout = 10 * time.Second

// Config wires the prompt to the surrounding command.
type Config struct {
	// Target is the endpoint "connect" dials when called without an
	// argument. May be nil.
	Target *session.Endpoint

	// Build returns a fresh unconnected pipeline. Flows are single-use;
	// every connect builds a new one.
	Build func() (flow.RemoteFlow, error)

	// Loop is the runloop the pipeline lives on.
	Loop *runloop.Runloop

	// Timeout bounds each operation. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Probe drives a data-flow pipeline from an interactive prompt.
type Probe struct {
	conf Config
	rl   *readline.Instance

	// fl is the current pipeline, nil while disconnected. Only the Run
	// goroutine touches it; the flow itself is touched only on the loop.
	fl flow.RemoteFlow
}

// New creates the interactive probe handler.
func New(conf Config) (*Probe, error) {
	if conf.Timeout <= 0 {
		conf.Timeout = DefaultTimeout
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "flowprobe> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Probe{conf: conf, rl: rl}, nil
}

// Stdout returns a writer that coordinates with the prompt. Use it for
// output that may race a pending Readline.
func (p *Probe) Stdout() io.Writer {
	return p.rl.Stdout()
}

// Run starts the interactive command loop.
func (p *Probe) Run(ctx context.Context, cancel context.CancelFunc) {
	defer p.rl.Close()

	p.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := p.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(p.rl.Stdout(), "Exiting...")
			p.teardown()
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			p.printHelp()

		case "connect", "c":
			p.cmdConnect(args)

		case "write", "w":
			p.cmdWrite(args)

		case "read", "r":
			p.cmdRead()

		case "status", "s":
			p.cmdStatus()

		case "closewrite", "cw":
			p.cmdCloseWrite()

		case "close":
			p.cmdClose()

		case "quit", "exit", "q":
			fmt.Fprintln(p.rl.Stdout(), "Exiting...")
			p.teardown()
			cancel()
			return

		default:
			fmt.Fprintf(p.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (p *Probe) printHelp() {
	fmt.Fprintln(p.rl.Stdout(), `
Pipeline Commands:
  connect [host:port]  - Build a fresh pipeline and connect it
  write <text>         - Send text over the pipeline
  read                 - Wait for the next chunk and print it
  closewrite           - Half-close the write direction
  close                - Tear the pipeline down
  status               - Show per-stage pipeline state

General:
  help                 - Show this help
  quit                 - Exit`)
}

// cmdConnect builds a fresh pipeline and connects it to the argument or
// the default target.
func (p *Probe) cmdConnect(args []string) {
	out := p.rl.Stdout()
	if p.fl != nil {
		fmt.Fprintln(out, "Already connected; close first")
		return
	}

	ep := p.conf.Target
	if len(args) > 0 {
		parsed, err := session.ParseEndpoint(args[0])
		if err != nil {
			fmt.Fprintf(out, "Invalid endpoint: %v\n", err)
			return
		}
		ep = parsed
	}
	if ep == nil {
		fmt.Fprintln(out, "Usage: connect <host:port> (no default target configured)")
		return
	}

	fl, err := p.conf.Build()
	if err != nil {
		fmt.Fprintf(out, "Build pipeline: %v\n", err)
		return
	}

	done := make(chan error, 1)
	p.conf.Loop.Do(func() {
		fl.Connect(ep, func(err error) { done <- err })
	})

	select {
	case err := <-done:
		if err != nil {
			p.conf.Loop.Do(func() { fl.Close() })
			fmt.Fprintf(out, "Connect failed: %v\n", err)
			return
		}
	case <-time.After(p.conf.Timeout):
		p.conf.Loop.Do(func() { fl.Close() })
		fmt.Fprintf(out, "Connect timed out after %v\n", p.conf.Timeout)
		return
	}

	p.fl = fl
	fmt.Fprintf(out, "Connected to %s (session %s)\n", ep, fl.Session().ID)
}

// cmdWrite sends the joined arguments as one chunk.
func (p *Probe) cmdWrite(args []string) {
	out := p.rl.Stdout()
	if p.fl == nil {
		fmt.Fprintln(out, "Not connected")
		return
	}
	if len(args) == 0 {
		fmt.Fprintln(out, "Usage: write <text>")
		return
	}

	data := []byte(strings.Join(args, " "))
	done := make(chan error, 1)
	busy := false
	p.conf.Loop.Do(func() {
		if p.fl.StateMachine().IsWriting() {
			busy = true
			return
		}
		p.fl.Write(data, func(err error) { done <- err })
	})
	if busy {
		fmt.Fprintln(out, "A write is still in flight; try again later")
		return
	}

	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintf(out, "Write failed: %v\n", err)
			return
		}
		fmt.Fprintf(out, "Sent %d bytes\n", len(data))
	case <-time.After(p.conf.Timeout):
		fmt.Fprintf(out, "Write not confirmed within %v\n", p.conf.Timeout)
	}
}

// cmdRead waits for the next chunk. On timeout the pending read is
// canceled; a chunk that arrives later is dropped by the flow.
func (p *Probe) cmdRead() {
	out := p.rl.Stdout()
	if p.fl == nil {
		fmt.Fprintln(out, "Not connected")
		return
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	busy := false
	var token cancelable.Token
	p.conf.Loop.Do(func() {
		if p.fl.StateMachine().IsReading() {
			busy = true
			return
		}
		token = p.fl.Read(func(data []byte, err error) { done <- result{data, err} })
	})
	if busy {
		fmt.Fprintln(out, "A read is still in flight; try again later")
		return
	}

	select {
	case res := <-done:
		if res.err != nil {
			fmt.Fprintf(out, "Read failed: %v\n", res.err)
			return
		}
		fmt.Fprintf(out, "Received %d bytes:\n%s\n", len(res.data), res.data)
	case <-time.After(p.conf.Timeout):
		p.conf.Loop.Do(func() { token.Cancel() })
		fmt.Fprintf(out, "No data within %v\n", p.conf.Timeout)
	}
}

// cmdStatus walks the pipeline and prints each stage's dispatch state.
func (p *Probe) cmdStatus() {
	out := p.rl.Stdout()
	if p.fl == nil {
		fmt.Fprintln(out, "Not connected")
		return
	}

	var lines []string
	p.conf.Loop.Do(func() {
		sess := p.fl.Session()
		lines = append(lines, fmt.Sprintf("Session:  %s", sess.ID))
		if sess.Endpoint != nil {
			lines = append(lines, fmt.Sprintf("Endpoint: %s", sess.Endpoint))
		}
		lines = append(lines, "Stages:")
		for st := flow.Flow(p.fl); st != nil; st = st.NextHop() {
			lines = append(lines, fmt.Sprintf("  %-12s %-7s %s",
				stageLabel(st), st.DataType(), st.StateMachine()))
		}
	})
	for _, l := range lines {
		fmt.Fprintln(out, l)
	}
}

// cmdCloseWrite half-closes the write direction where the pipeline
// supports it.
func (p *Probe) cmdCloseWrite() {
	out := p.rl.Stdout()
	if p.fl == nil {
		fmt.Fprintln(out, "Not connected")
		return
	}

	done := make(chan error, 1)
	p.conf.Loop.Do(func() {
		p.fl.CloseWrite(func(err error) { done <- err })
	})

	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintf(out, "Close-write failed: %v\n", err)
			return
		}
		fmt.Fprintln(out, "Write direction closed")
	case <-time.After(p.conf.Timeout):
		fmt.Fprintf(out, "No confirmation within %v; the pipeline may not support half-close\n", p.conf.Timeout)
	}
}

// cmdClose tears the pipeline down.
func (p *Probe) cmdClose() {
	out := p.rl.Stdout()
	if p.fl == nil {
		fmt.Fprintln(out, "Not connected")
		return
	}
	p.teardown()
	fmt.Fprintln(out, "Closed")
}

func (p *Probe) teardown() {
	if p.fl == nil {
		return
	}
	fl := p.fl
	p.fl = nil
	p.conf.Loop.Do(func() { fl.Close() })
}

// stageLabel names a stage by its implementing package.
func stageLabel(st flow.Flow) string {
	label := fmt.Sprintf("%T", st)
	label = strings.TrimPrefix(label, "*")
	return strings.TrimSuffix(label, ".Flow")
}
