package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devicehive/notifyhub/pkg/client"
	"github.com/devicehive/notifyhub/pkg/version"
	"github.com/devicehive/notifyhub/pkg/wire"
)

// hub is the part of client.Client the console drives.
type hub interface {
	Call(ctx context.Context, req *wire.Request, onPush func(*wire.Push)) (*wire.Response, error)
	ReceiveMessage(ctx context.Context, timeout time.Duration) (*wire.Response, *wire.Push, error)
}

var _ hub = (*client.Client)(nil)

type console struct {
	hub     hub
	out     io.Writer
	timeout time.Duration
	nextID  uint64
}

func newConsole(h hub, out io.Writer, timeout time.Duration) *console {
	return &console{hub: h, out: out, timeout: timeout}
}

// exec runs one command line and reports whether the console should exit.
func (c *console) exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	var err error
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "info":
		err = c.cmdInfo()
	case "auth":
		err = c.cmdAuth(args)
	case "subscribe", "sub":
		err = c.cmdSubscribe(args)
	case "unsubscribe", "unsub":
		err = c.cmdUnsubscribe(args)
	case "insert", "ins":
		err = c.cmdInsert(args)
	case "listen", "l":
		err = c.cmdListen(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	if err != nil {
		fmt.Fprintln(c.out, "Error:", err)
	}
	return false
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `
Commands:
  info                                   - Show server info
  auth <token>                           - Authenticate the session
  subscribe [dev,...|*] [names=a,b] [since=RFC3339]
                                         - Subscribe to notifications
  unsubscribe <subscription-id>          - Remove a subscription
  unsubscribe devices=dev,...            - Remove subscriptions of devices
  insert <device> <name> [json]          - Insert a notification
  listen [seconds]                       - Print pushes for a while (default 10)
  quit                                   - Exit`)
}

func (c *console) call(req *wire.Request) (*wire.Response, error) {
	c.nextID++
	req.RequestID = c.nextID
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	resp, err := c.hub.Call(ctx, req, c.printPush)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%s failed: %d %s", req.Action, resp.Code, resp.Error)
	}
	return resp, nil
}

func (c *console) cmdInfo() error {
	resp, err := c.call(&wire.Request{Action: wire.ActionServerInfo})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "API version: %s\n", resp.APIVersion)
	if resp.ServerTimestamp != nil {
		fmt.Fprintf(c.out, "Server time: %s\n", resp.ServerTimestamp.Format(time.RFC3339Nano))
	}
	if err := version.CheckAPI(resp.APIVersion); err != nil {
		fmt.Fprintln(c.out, "Warning:", err)
	}
	return nil
}

func (c *console) cmdAuth(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: auth <token>")
	}
	if _, err := c.call(&wire.Request{Action: wire.ActionAuthenticate, Token: args[0]}); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Authenticated")
	return nil
}

func (c *console) cmdSubscribe(args []string) error {
	req := &wire.Request{Action: wire.ActionSubscribe}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		switch {
		case !ok && arg == "*":
		case !ok:
			req.DeviceIDs = append(req.DeviceIDs, splitList(arg)...)
		case key == "names":
			req.Names = splitList(value)
		case key == "since":
			ts, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return fmt.Errorf("invalid since: %w", err)
			}
			req.Timestamp = &ts
		default:
			return fmt.Errorf("unknown option %q", key)
		}
	}
	resp, err := c.call(req)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Subscribed: %s\n", resp.SubscriptionID)
	return nil
}

func (c *console) cmdUnsubscribe(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: unsubscribe <subscription-id> | devices=dev,...")
	}
	req := &wire.Request{Action: wire.ActionUnsubscribe}
	if devices, ok := strings.CutPrefix(args[0], "devices="); ok {
		req.DeviceIDs = splitList(devices)
	} else {
		req.SubscriptionID = args[0]
	}
	if _, err := c.call(req); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Unsubscribed")
	return nil
}

func (c *console) cmdInsert(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: insert <device> <name> [json]")
	}
	body := &wire.NotificationBody{Name: args[1]}
	if len(args) > 2 {
		raw := strings.Join(args[2:], " ")
		if err := json.Unmarshal([]byte(raw), &body.Parameters); err != nil {
			return fmt.Errorf("invalid parameters: %w", err)
		}
	}
	resp, err := c.call(&wire.Request{Action: wire.ActionInsert, DeviceID: args[0], Notification: body})
	if err != nil {
		return err
	}
	if resp.Notification != nil {
		fmt.Fprintf(c.out, "Inserted notification %d\n", resp.Notification.ID)
	}
	return nil
}

func (c *console) cmdListen(args []string) error {
	wait := 10 * time.Second
	if len(args) > 0 {
		secs, err := strconv.ParseFloat(args[0], 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid duration %q", args[0])
		}
		wait = time.Duration(secs * float64(time.Second))
	}

	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		_, push, err := c.hub.ReceiveMessage(context.Background(), remaining)
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			if client.IsConnectionLost(err) {
				fmt.Fprintln(c.out, "Connection lost and restored, still listening")
				continue
			}
			return err
		}
		if push != nil {
			c.printPush(push)
		}
	}
}

func (c *console) printPush(p *wire.Push) {
	n := p.Notification
	if n == nil {
		return
	}
	ts := ""
	if n.Timestamp != nil {
		ts = n.Timestamp.Format("15:04:05.000")
	}
	params := ""
	if len(n.Parameters) > 0 {
		if data, err := json.Marshal(n.Parameters); err == nil {
			params = " " + string(data)
		}
	}
	fmt.Fprintf(c.out, "[%s] %s #%d %s/%s%s\n", p.SubscriptionID, ts, n.ID, n.DeviceID, n.Name, params)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}
