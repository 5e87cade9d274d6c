// Command hivectl is an interactive client for the hub's framed transport.
// It reconnects when the hub goes away and restores its subscriptions.
//
// Usage:
//
//	hivectl [flags]
//
// Flags:
//
//	-addr string      hub address (default "localhost:8011")
//	-discover         find the hub over mDNS instead of -addr
//	-token string     authenticate with this access token on connect
//	-tls              use TLS
//	-ca string        CA file verifying the hub certificate
//	-insecure         skip certificate verification
//	-timeout duration request timeout (default 10s)
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/chzyer/readline"

	"github.com/devicehive/notifyhub/pkg/client"
	"github.com/devicehive/notifyhub/pkg/discovery"
	"github.com/devicehive/notifyhub/pkg/transport"
)

var (
	addr     = flag.String("addr", "localhost:8011", "hub address")
	discover = flag.Bool("discover", false, "find the hub over mDNS")
	token    = flag.String("token", "", "access token used on connect")
	useTLS   = flag.Bool("tls", false, "use TLS")
	caFile   = flag.String("ca", "", "CA file verifying the hub certificate")
	insecure = flag.Bool("insecure", false, "skip certificate verification")
	timeout  = flag.Duration("timeout", 10*time.Second, "request timeout")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	address := *addr
	if *discover {
		hub, err := discovery.NewBrowser(discovery.BrowserConfig{}, nil).FindFirst(ctx)
		if err != nil {
			return fmt.Errorf("discover hub: %w", err)
		}
		address = hub.TCPAddress()
		if address == "" {
			return fmt.Errorf("hub %s does not serve the framed transport", hub.InstanceName)
		}
		*useTLS = *useTLS || hub.TLS
		fmt.Printf("Found %s at %s\n", hub.InstanceName, address)
	}

	cfg := transport.ClientConfig{}
	if *useTLS {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return err
		}
		tlsConf, err := transport.NewClientTLSConfig(*caFile, host, *insecure)
		if err != nil {
			return err
		}
		cfg.TLS = tlsConf
	}

	hubClient := client.New(client.Config{
		Dial:    client.DialTransport(transport.NewClient(cfg), address),
		Timeout: *timeout,
	})
	if err := hubClient.Connect(ctx); err != nil {
		return err
	}
	defer hubClient.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hive> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	hubClient.OnStateChange(func(_, state client.State) {
		if state != client.StateClosed {
			fmt.Fprintf(out, "Connection %s\n", state)
		}
	})
	hubClient.OnResubscribe(func(oldID, newID string) {
		fmt.Fprintf(out, "Resubscribed: %s is now %s\n", oldID, newID)
	})

	c := newConsole(hubClient, out, *timeout)
	fmt.Fprintf(out, "Connected to %s\n", address)
	if *token != "" {
		c.exec("auth " + *token)
	}
	c.exec("info")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return nil
		}
		if c.exec(line) {
			return nil
		}
	}
}
