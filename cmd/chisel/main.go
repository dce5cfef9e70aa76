package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chiseldev/chisel/internal/config"
	"github.com/chiseldev/chisel/internal/engine"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runCmd(os.Args[2:]))
	case "resume":
		os.Exit(resumeCmd(os.Args[2:]))
	case "status":
		os.Exit(statusCmd(os.Args[2:]))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  chisel run --config <chisel.yaml> --request <text> [--session-id <id>]")
	fmt.Fprintln(os.Stderr, "  chisel resume --config <chisel.yaml> --session-id <id> --answer <text>")
	fmt.Fprintln(os.Stderr, "  chisel status --config <chisel.yaml> --session-id <id>")
}

func runCmd(args []string) int {
	var configPath, request, sessionID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				return 1
			}
			configPath = args[i]
		case "--request":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--request requires a value")
				return 1
			}
			request = args[i]
		case "--session-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--session-id requires a value")
				return 1
			}
			sessionID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if configPath == "" || request == "" {
		usage()
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	eng, err := engine.New(cfg, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		return 1
	}
	fmt.Printf("session: %s\n", eng.SessionID())

	ctx, cancel := signalContext()
	defer cancel()

	res, err := eng.Run(ctx, request)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	if res.Interrupted {
		fmt.Printf("session %s is waiting for input\n", eng.SessionID())
		if q, ok := res.InterruptPayload["question"].(string); ok && q != "" {
			fmt.Printf("question: %s\n", q)
		}
		fmt.Printf("answer with: chisel resume --config %s --session-id %s --answer <text>\n", configPath, eng.SessionID())
		return 0
	}
	if res.State != nil && res.State.BranchName != "" {
		fmt.Printf("done: branch %s is ready for review\n", res.State.BranchName)
	} else {
		fmt.Println("done: no changes were produced")
	}
	return 0
}

func resumeCmd(args []string) int {
	var configPath, sessionID, answer string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				return 1
			}
			configPath = args[i]
		case "--session-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--session-id requires a value")
				return 1
			}
			sessionID = args[i]
		case "--answer":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--answer requires a value")
				return 1
			}
			answer = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if configPath == "" || sessionID == "" {
		usage()
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	eng, err := engine.New(cfg, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	res, err := eng.Resume(ctx, answer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resume: %v\n", err)
		return 1
	}
	if res.Interrupted {
		fmt.Printf("session %s is waiting for input\n", sessionID)
		if q, ok := res.InterruptPayload["question"].(string); ok && q != "" {
			fmt.Printf("question: %s\n", q)
		}
		return 0
	}
	if res.State != nil && res.State.BranchName != "" {
		fmt.Printf("done: branch %s is ready for review\n", res.State.BranchName)
	} else {
		fmt.Println("done: no changes were produced")
	}
	return 0
}

func statusCmd(args []string) int {
	var configPath, sessionID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				return 1
			}
			configPath = args[i]
		case "--session-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--session-id requires a value")
				return 1
			}
			sessionID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if configPath == "" || sessionID == "" {
		usage()
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	st, err := engine.SessionStatus(cfg, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	if !st.Exists {
		fmt.Printf("session %s: no persisted state\n", sessionID)
	} else {
		fmt.Printf("session %s\n", sessionID)
		fmt.Printf("  phase:  %s (step %d)\n", st.CurrentPhase, st.Steps)
		if st.PlanTitle != "" {
			fmt.Printf("  plan:   %s (%d/%d items done)\n", st.PlanTitle, st.ItemsDone, st.ItemsTotal)
		}
		if st.BranchName != "" {
			fmt.Printf("  branch: %s\n", st.BranchName)
		}
		if st.HelpQuestion != "" {
			fmt.Printf("  waiting on: %s\n", st.HelpQuestion)
		}
	}
	if st.LastEvent != nil {
		if name, ok := st.LastEvent["event"].(string); ok {
			ts, _ := st.LastEvent["ts"].(string)
			fmt.Printf("  last event: %s at %s\n", name, ts)
		}
	}
	return 0
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
