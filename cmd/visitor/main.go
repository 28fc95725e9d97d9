package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/portfolio-narrator/internal/app"
	"github.com/portfolio-narrator/internal/config"
	"github.com/portfolio-narrator/pkg/logger"
)

const usage = `commands:
  start            start a new game
  navigate <path>  visit a page, e.g. navigate /about
  click <id>       click an element
  exit             try to leave
  emit <event>     emit any event by name
  reload           pull the server state again
  status           print the game state
  quit             post queued events and leave`

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewWithLevel(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	visitor, err := app.New(cfg, log)
	if err != nil {
		log.Error("Failed to build app", logger.Err(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := visitor.Start(ctx); err != nil {
		log.Error("Failed to start app", logger.Err(err))
		os.Exit(1)
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	fmt.Println(usage)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || !run(ctx, visitor, line) {
				break loop
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := visitor.Stop(shutdownCtx); err != nil {
		log.Warn("Some events were not posted", logger.Err(err))
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// run executes one command and reports whether to keep going
func run(ctx context.Context, visitor *app.App, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch strings.ToLower(fields[0]) {
	case "start":
		visitor.StartGame()
	case "navigate", "go":
		if arg == "" {
			arg = "/"
		}
		visitor.Navigate(arg)
	case "click":
		visitor.Click(arg)
	case "exit":
		visitor.TryExit()
	case "emit":
		if arg == "" {
			fmt.Println("emit needs an event name")
			return true
		}
		visitor.Emit(strings.ToUpper(arg), nil)
	case "reload":
		visitor.Reload(ctx)
	case "status":
		printStatus(visitor)
	case "quit", "q":
		return false
	case "help", "?":
		fmt.Println(usage)
	default:
		fmt.Printf("unknown command %q\n", fields[0])
	}
	return true
}

func printStatus(visitor *app.App) {
	out := struct {
		SessionID string `json:"sessionId"`
		State     any    `json:"gameState"`
		Loop      any    `json:"loop"`
	}{visitor.SessionID(), visitor.State(), visitor.LoopStatus()}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Printf("status: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
