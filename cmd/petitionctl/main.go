package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/petitiond/petitiond/internal/client"
	"github.com/petitiond/petitiond/internal/protocol"
	"github.com/petitiond/petitiond/internal/tui"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runSubmit(args))
	case "hello":
		os.Exit(runHello(args))
	case "cancel":
		os.Exit(runCancel(args))
	case "status":
		os.Exit(runStatus(args))
	case "history":
		os.Exit(runHistory(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("petitionctl version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`petitionctl - Client for the petition scheduling service

Usage:
  petitionctl <command> [flags]

Commands:
  run       Submit a command petition and stream its output
  hello     Submit the greeter demo petition
  cancel    Cancel a live petition by id
  status    Show service status
  history   Show recently finished petitions
  watch     Live TUI monitor
  version   Show version information
  help      Show this help message

Connection flags (all commands):
  --url     Service base URL (default http://127.0.0.1:7611, or $PETITIOND_URL)
  --key     Shared auth key (or $PETITIOND_KEY)

The process exits with the exit code of the petition it submitted.
`)
}

func connFlags(fs *flag.FlagSet) (*string, *string) {
	url := fs.String("url", envOr("PETITIOND_URL", "http://127.0.0.1:7611"), "Service base URL")
	key := fs.String("key", os.Getenv("PETITIOND_KEY"), "Shared auth key")
	return url, key
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runSubmit streams a command petition and exits with its exit code, so
// shell pipelines treat the remote petition like a local process.
func runSubmit(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	url, key := connFlags(fs)
	id := fs.String("id", "", "Petition id (generated when empty)")
	priority := fs.Float64("priority", 100, "Petition priority; lower runs first")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: petitionctl run [flags] -- <command> [args...]\n")
		return 1
	}

	if *id == "" {
		*id = uuid.NewString()
	}
	extras := map[string]any{
		"command":  rest[0],
		"priority": *priority,
	}
	if len(rest) > 1 {
		extras["args"] = rest[1:]
	}

	return submit(*url, *key, protocol.SubmitRequest{ID: *id, Extras: extras})
}

// runHello submits the greeter demo: print "Hello World! i" counter times
// with sleep_time seconds in between.
func runHello(args []string) int {
	fs := flag.NewFlagSet("hello", flag.ExitOnError)
	url, key := connFlags(fs)
	counter := fs.Int("counter", 5, "Number of greetings")
	sleep := fs.Float64("sleep-time", 1, "Seconds between greetings")
	priority := fs.Float64("priority", 100, "Petition priority; lower runs first")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	return submit(*url, *key, protocol.SubmitRequest{
		ID: uuid.NewString(),
		Extras: map[string]any{
			"counter":    *counter,
			"sleep_time": *sleep,
			"priority":   *priority,
		},
	})
}

func submit(url, key string, req protocol.SubmitRequest) int {
	ctx, cancel := signalContext()
	defer cancel()

	c := client.New(url, key)
	code, err := c.Submit(ctx, req, func(line string) {
		fmt.Println(line)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return code
}

func runCancel(args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	url, key := connFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: petitionctl cancel [flags] <petition_id>\n")
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	c := client.New(*url, *key)
	cancelled, err := c.Cancel(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !cancelled {
		fmt.Printf("petition %s not found or already settled\n", fs.Arg(0))
		return 1
	}
	fmt.Printf("petition %s cancelled\n", fs.Arg(0))
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	url, key := connFlags(fs)
	jsonOut := fs.Bool("json", false, "Output status as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	c := client.New(*url, *key)
	st, err := c.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(out))
		return 0
	}

	health := "healthy"
	if !st.Healthy {
		health = "UNHEALTHY"
	}
	fmt.Printf("%s: %s, %d running, %d queued, up %s\n",
		st.Name, health, st.Running, st.Queued, (time.Duration(st.UptimeSeconds) * time.Second).String())
	return 0
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	url, key := connFlags(fs)
	jsonOut := fs.Bool("json", false, "Output history as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	c := client.New(*url, *key)
	entries, err := c.History(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(out))
		return 0
	}

	if len(entries) == 0 {
		fmt.Println("no finished petitions recorded")
		return 0
	}
	for _, e := range entries {
		exit := "-"
		if e.ExitCode != nil {
			exit = fmt.Sprintf("%d", *e.ExitCode)
		}
		fmt.Printf("%s  %-10s exit=%-3s prio=%-6.0f %s\n",
			e.FinishedAt.Local().Format("2006-01-02 15:04:05"), e.State, exit, e.Priority, e.PetitionID)
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	url, key := connFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	monitor := tui.NewMonitor(client.New(*url, *key))
	if _, err := tea.NewProgram(monitor).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
