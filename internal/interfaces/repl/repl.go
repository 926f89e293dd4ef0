// Package repl is the plain line-oriented console for gateway mode:
// every line goes through the same Core pipeline the chat channels
// use, so crons, workflows, and markers all behave identically.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Core is the slice of application.Core this console drives — every
// inbound line lands in HandleInboundMessage keyed by the session's
// submitter key, same as the Telegram surface.
type Core interface {
	HandleInboundMessage(ctx context.Context, submitterKey, text string, now time.Time) (string, error)
}

// Config REPL configuration
type Config struct {
	DefaultModel string
	UserName     string
}

// REPL interactive console session
type REPL struct {
	core         Core
	logger       *zap.Logger
	submitterKey string
	currentModel string
	userName     string
}

// New creates a console session with a fresh submitter key.
func New(core Core, logger *zap.Logger, cfg Config) *REPL {
	model := cfg.DefaultModel
	if model == "" {
		model = "default"
	}
	userName := cfg.UserName
	if userName == "" {
		userName = "user"
	}
	return &REPL{
		core:         core,
		logger:       logger,
		submitterKey: newSubmitterKey(),
		currentModel: model,
		userName:     userName,
	}
}

func newSubmitterKey() string {
	return fmt.Sprintf("repl:%d", time.Now().UnixNano())
}

// Run reads lines until EOF or /exit.
func (r *REPL) Run(ctx context.Context) error {
	r.banner()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Printf("%s%s> %s", colorGreen, r.userName, colorReset)
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if done := r.command(line); done != nil {
			if *done {
				return nil
			}
			continue
		}

		if err := r.turn(ctx, line); err != nil {
			fmt.Printf("%sError: %v%s\n", colorYellow, err, colorReset)
			r.logger.Error("repl: turn failed", zap.Error(err))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}
	fmt.Println("\nGoodbye!")
	return nil
}

// command handles console-local slash commands. It returns nil when
// the line is not a command, otherwise a pointer to "should exit".
func (r *REPL) command(line string) *bool {
	stay, quit := false, true

	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "/exit", "/quit", "/q":
		fmt.Println("Goodbye!")
		return &quit
	case "/new":
		r.submitterKey = newSubmitterKey()
		fmt.Printf("%s✓ New conversation started%s\n", colorCyan, colorReset)
		return &stay
	case "/model":
		if len(fields) > 1 {
			r.currentModel = fields[1]
			fmt.Printf("%s✓ Model switched to: %s%s\n", colorCyan, r.currentModel, colorReset)
		} else {
			fmt.Printf("%sCurrent model: %s%s\n", colorCyan, r.currentModel, colorReset)
		}
		return &stay
	case "/status":
		fmt.Printf("%s── Status ──%s\n", colorCyan, colorReset)
		fmt.Printf("  Session: %s\n  Model:   %s\n  User:    %s\n", r.submitterKey, r.currentModel, r.userName)
		return &stay
	case "/help":
		r.help()
		return &stay
	}
	return nil
}

// turn runs one line through the pipeline and prints the reply.
func (r *REPL) turn(ctx context.Context, line string) error {
	start := time.Now()
	reply, err := r.core.HandleInboundMessage(ctx, r.submitterKey, line, start)
	if err != nil {
		return err
	}
	if reply == "" {
		fmt.Printf("%s(no reply — handled out of band)%s\n", colorGray, colorReset)
		return nil
	}

	fmt.Printf("\n%s%s🤖 Assistant%s\n%s\n", colorBold, colorCyan, colorReset, reply)
	fmt.Printf("%s(%s)%s\n\n", colorGray, time.Since(start).Round(time.Millisecond), colorReset)
	return nil
}

func (r *REPL) banner() {
	fmt.Printf("\n%s%s╔══════════════════════════════════╗%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%s%s║        Kestrel Console           ║%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%s%s╚══════════════════════════════════╝%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%sModel: %s | /help for commands | plain text talks to the agent%s\n\n", colorGray, r.currentModel, colorReset)
}

func (r *REPL) help() {
	fmt.Printf("\n%s── Commands ──%s\n", colorCyan, colorReset)
	fmt.Println("  /new          Start a new conversation")
	fmt.Println("  /model [name] Show or switch current model")
	fmt.Println("  /status       Show current session status")
	fmt.Println("  /help         Show this help")
	fmt.Println("  /exit         Exit")
	fmt.Println("  Anything else goes to the agent; \"crons\" lists scheduled jobs.")
	fmt.Println()
}
