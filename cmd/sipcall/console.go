package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcall/call"
)

var errUnknownCommand = errors.New("unknown command")

const helpText = `commands:
  call <sip-uri>   place a call
  answer [id]      answer the ringing call
  hangup [id]      hang up or decline the call
  status           show registration and call state
  quit             hang up and exit`

// console drives the phone from text commands.
type console struct {
	phone *call.Phone
	out   io.Writer
}

// run executes commands read from in until quit, EOF or ctx cancellation.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, `type "help" for commands`)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.exec(ctx, line)
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) (quit bool, err error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false, nil
	}

	switch cmd, args := strings.ToLower(args[0]), args[1:]; cmd {
	case "call", "dial":
		if len(args) != 1 {
			return false, errtrace.Wrap(errors.New("usage: call <sip-uri>"))
		}
		s, err := c.phone.StartCall(ctx, args[0])
		if err != nil {
			return false, errtrace.Wrap(err)
		}
		fmt.Fprintf(c.out, "calling %s, session %s\n", s.RemoteParty(), s.ID())
	case "answer":
		id, err := c.sessionID(args)
		if err != nil {
			return false, errtrace.Wrap(err)
		}
		return false, errtrace.Wrap(c.phone.AnswerCall(ctx, id))
	case "hangup", "decline":
		id, err := c.sessionID(args)
		if err != nil {
			return false, errtrace.Wrap(err)
		}
		return false, errtrace.Wrap(c.phone.EndCall(ctx, id))
	case "status":
		c.status()
	case "help", "?":
		fmt.Fprintln(c.out, helpText)
	case "quit", "exit":
		return true, nil
	default:
		return false, errtrace.Wrap(fmt.Errorf("%w %q", errUnknownCommand, cmd))
	}
	return false, nil
}

func (c *console) sessionID(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	s, ok := c.phone.Registry().Active()
	if !ok {
		return "", errtrace.Wrap(errors.New("no active call"))
	}
	return s.ID(), nil
}

func (c *console) status() {
	reg := c.phone.Registrar()
	line := "registration: " + string(reg.State())
	if id, ok := reg.Identity(); ok {
		line += " as " + id.URI
	}
	if err := reg.Err(); err != nil {
		line += " (" + err.Error() + ")"
	}
	fmt.Fprintln(c.out, line)

	s, ok := c.phone.Registry().Active()
	if !ok {
		fmt.Fprintln(c.out, "call: none")
		return
	}
	fmt.Fprintf(c.out, "call: %s %s %s, session %s\n", s.Direction(), s.RemoteParty(), s.State(), s.ID())
}

// printEvents prints the bridge notifications until the bridge is closed.
func printEvents(b *call.Bridge, out io.Writer) {
	sessions, regs, warns := b.Sessions(), b.Registrations(), b.Warnings()
	for sessions != nil || regs != nil || warns != nil {
		select {
		case evt, ok := <-sessions:
			if !ok {
				sessions = nil
				continue
			}
			fmt.Fprintln(out, formatSessionEvent(evt))
		case evt, ok := <-regs:
			if !ok {
				regs = nil
				continue
			}
			fmt.Fprintln(out, formatRegistrationEvent(evt))
		case w, ok := <-warns:
			if !ok {
				warns = nil
				continue
			}
			fmt.Fprintf(out, "warning: session %s: %v\n", w.SessionID, w.Err)
		}
	}
}

func formatSessionEvent(evt call.SessionEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "call %s %s %s: %s -> %s", evt.SessionID, evt.Direction, evt.RemoteParty, evt.From, evt.To)
	switch {
	case evt.To == call.SessionStateRinging && evt.Direction == call.DirectionIncoming:
		sb.WriteString(`, type "answer" or "hangup"`)
	case evt.Err != nil:
		fmt.Fprintf(&sb, " (%v)", evt.Err)
	}
	return sb.String()
}

func formatRegistrationEvent(evt call.RegistrationEvent) string {
	s := fmt.Sprintf("registration: %s -> %s", evt.From, evt.To)
	if evt.Err != nil {
		s += fmt.Sprintf(" (%v)", evt.Err)
	}
	return s
}
