// ABOUTME: Entry point for pinion-console, the operator CLI for a pinion master
// ABOUTME: Subcommands request, command and watch run over a registered client session

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/pinion/internal/client"
	"github.com/2389/pinion/internal/console"
	"github.com/2389/pinion/internal/events"
	"github.com/2389/pinion/internal/transport"
)

var version = "dev"

func usage(fs *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "Usage: pinion-console [flags] <command> [args]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  request <module> [json]      Call a module and print its response")
	fmt.Fprintln(os.Stderr, "  command list                 List modules and their enabled flag")
	fmt.Fprintln(os.Stderr, "  command enable <module>      Enable a module on the master and every monitor")
	fmt.Fprintln(os.Stderr, "  command disable <module>     Disable a module on the master and every monitor")
	fmt.Fprintln(os.Stderr, "  watch                        Print notifications pushed by the master")
	fmt.Fprintln(os.Stderr, "  version                      Print the version")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Flags:")
	fmt.Fprint(os.Stderr, fs.FlagUsages())
}

func main() {
	fs := pflag.NewFlagSet("pinion-console", pflag.ContinueOnError)
	profile := fs.StringP("profile", "c", profilePath(), "profile file")
	addr := fs.String("master", "", "master console address")
	codec := fs.String("codec", "", "wire codec: json or cbor")
	id := fs.String("id", "", "client id")
	username := fs.StringP("username", "u", "", "operator username")
	password := fs.StringP("password", "p", os.Getenv("PINION_PASSWORD"), "operator password")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	args := fs.Args()
	if len(args) == 0 {
		usage(fs)
		os.Exit(2)
	}
	if args[0] == "version" {
		fmt.Println(version)
		return
	}

	p, err := LoadProfile(*profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	override := func(dst *string, flag string, val string) {
		if fs.Changed(flag) || (val != "" && *dst == "") {
			*dst = val
		}
	}
	override(&p.Master.Addr, "master", *addr)
	override(&p.Master.Codec, "codec", *codec)
	override(&p.Operator.ID, "id", *id)
	override(&p.Operator.Username, "username", *username)
	override(&p.Operator.Password, "password", *password)
	override(&p.Logging.Level, "log-level", *logLevel)
	if err := p.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, p, *timeout, args); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func run(ctx context.Context, p *Profile, timeout time.Duration, args []string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(p.Logging.Level)); err != nil {
		lvl = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	c := client.New(client.Options{
		ID:        p.Operator.ID,
		Username:  p.Operator.Username,
		Password:  p.Operator.Password,
		Transport: transport.ClientOptions{Codec: p.Master.Codec},
		Logger:    logger,
	})
	defer c.Close()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Connect(dialCtx, p.Master.Addr); err != nil {
		return err
	}

	switch args[0] {
	case "request":
		return runRequest(ctx, c, timeout, args[1:])
	case "command":
		return runCommand(ctx, c, timeout, args[1:])
	case "watch":
		return runWatch(ctx, c)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runRequest(ctx context.Context, c *client.Client, timeout time.Duration, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return errors.New("usage: request <module> [json]")
	}
	var body any
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("request body is not valid JSON: %s", args[1])
		}
		body = json.RawMessage(args[1])
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := c.Call(ctx, args[0], body)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runCommand(ctx context.Context, c *client.Client, timeout time.Duration, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: command list|enable|disable [module]")
	}
	command := args[0]
	var moduleID string
	switch command {
	case console.CommandList:
		if len(args) != 1 {
			return errors.New("usage: command list")
		}
	case console.CommandEnable, console.CommandDisable:
		if len(args) != 2 {
			return fmt.Errorf("usage: command %s <module>", command)
		}
		moduleID = args[1]
	default:
		return fmt.Errorf("unknown console command %q", command)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := c.CallCommand(ctx, command, moduleID, nil)
	if err != nil {
		return err
	}

	if command != console.CommandList {
		color.Green("%s %s: ok", command, moduleID)
		return nil
	}
	var modules []console.ModuleStatus
	if err := json.Unmarshal(resp, &modules); err != nil {
		return printJSON(resp)
	}
	for _, m := range modules {
		state := color.GreenString("enabled")
		if !m.Enabled {
			state = color.YellowString("disabled")
		}
		fmt.Printf("  %-20s %s\n", m.ModuleID, state)
	}
	return nil
}

func runWatch(ctx context.Context, c *client.Client) error {
	ch, _ := c.Events().Subscribe(ctx, events.KindNotify, events.KindClose)
	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)
	for ev := range ch {
		if ev.Kind == events.KindClose {
			return ev.Err
		}
		gray.Print(time.Now().Format("15:04:05") + " ")
		cyan.Print(ev.ModuleID + " ")
		fmt.Println(string(ev.Body))
	}
	return nil
}

func printJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		fmt.Println("null")
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
