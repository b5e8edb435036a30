package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/drover-dev/drover/internal/lifecycle"
	"github.com/drover-dev/drover/internal/lifecycle/entity"
	"github.com/drover-dev/drover/internal/lifecycle/machine"
)

const defaultConfigPath = "drover.yaml"

// exit code 2 marks a transition blocked by a guard or condition, so
// scripts can tell "not allowed right now" from hard failures.
const exitBlocked = 2

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "create":
		cmdCreate(os.Args[2:])
	case "transition":
		cmdTransition(os.Args[2:])
	case "show":
		cmdShow(os.Args[2:])
	case "recover":
		cmdRecover(os.Args[2:])
	case "sweep":
		cmdSweep(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "locks":
		cmdLocks(os.Args[2:])
	case "session":
		cmdSession(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  drover create --id <id> --kind <task|qa|session> [--title <text>] [--state <state>] [--config <file>]")
	fmt.Fprintln(os.Stderr, "  drover transition --id <id> --kind <kind> --to <state> [--force] [--wait] [--set k=v]... [--config <file>]")
	fmt.Fprintln(os.Stderr, "  drover show --id <id> --kind <kind> [--config <file>]")
	fmt.Fprintln(os.Stderr, "  drover recover [--config <file>]")
	fmt.Fprintln(os.Stderr, "  drover sweep [--config <file>]")
	fmt.Fprintln(os.Stderr, "  drover status [--session <id>] [--config <file>]")
	fmt.Fprintln(os.Stderr, "  drover locks [--config <file>]")
	fmt.Fprintln(os.Stderr, "  drover session close --id <id> [--config <file>]")
	fmt.Fprintln(os.Stderr, "  drover session provision --id <id> [--config <file>]")
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func openSystem(configPath string) *lifecycle.System {
	var cfg *lifecycle.Config
	var err error
	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = lifecycle.LoadConfig(configPath)
		if err != nil {
			fail(err)
		}
	} else if configPath == defaultConfigPath {
		// No config file: run against the current directory.
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			fail(wdErr)
		}
		cfg = lifecycle.DefaultConfig(wd)
	} else {
		fail(fmt.Errorf("config %s: %v", configPath, statErr))
	}
	sys, err := lifecycle.Open(cfg, func(msg string) {
		fmt.Fprintln(os.Stderr, msg)
	})
	if err != nil {
		fail(err)
	}
	return sys
}

// stringFlag consumes the value following args[i], advancing i.
func stringFlag(args []string, i *int, name string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	return args[*i]
}

func cmdCreate(args []string) {
	configPath := defaultConfigPath
	var id, kindStr, title, state string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = stringFlag(args, &i, "--config")
		case "--id":
			id = stringFlag(args, &i, "--id")
		case "--kind":
			kindStr = stringFlag(args, &i, "--kind")
		case "--title":
			title = stringFlag(args, &i, "--title")
		case "--state":
			state = stringFlag(args, &i, "--state")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if id == "" || kindStr == "" {
		usage()
		os.Exit(1)
	}
	kind, err := entity.ParseKind(kindStr)
	if err != nil {
		fail(err)
	}
	sys := openSystem(configPath)
	if state == "" {
		m, err := sys.Specs.Resolve(string(kind))
		if err != nil {
			fail(err)
		}
		state = m.Initial
	}
	e := &entity.Entity{ID: id, Kind: kind, Title: title}
	if err := sys.Repo.Create(e, state); err != nil {
		fail(err)
	}
	fmt.Printf("%s %s created in %s\n", kind, id, state)
}

func cmdTransition(args []string) {
	configPath := defaultConfigPath
	var id, kindStr, to string
	var force, wait bool
	values := map[string]any{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = stringFlag(args, &i, "--config")
		case "--id":
			id = stringFlag(args, &i, "--id")
		case "--kind":
			kindStr = stringFlag(args, &i, "--kind")
		case "--to":
			to = stringFlag(args, &i, "--to")
		case "--force":
			force = true
		case "--wait":
			wait = true
		case "--set":
			kv := stringFlag(args, &i, "--set")
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				fmt.Fprintln(os.Stderr, "--set requires k=v")
				os.Exit(1)
			}
			values[k] = v
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if id == "" || kindStr == "" || to == "" {
		usage()
		os.Exit(1)
	}
	kind, err := entity.ParseKind(kindStr)
	if err != nil {
		fail(err)
	}
	sys := openSystem(configPath)
	var e *entity.Entity
	if wait {
		e, err = sys.Engine.ApplyWait(context.Background(), id, kind, to, values, force, sys.Config.LockPollInterval())
	} else {
		e, err = sys.Engine.Apply(context.Background(), id, kind, to, values, force)
	}
	if err != nil {
		var guardErr *machine.GuardRejectedError
		var condErr *machine.ConditionFailedError
		if errors.As(err, &guardErr) || errors.As(err, &condErr) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitBlocked)
		}
		fail(err)
	}
	fmt.Printf("%s %s -> %s\n", kind, id, e.State)
}

func cmdShow(args []string) {
	configPath := defaultConfigPath
	var id, kindStr string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = stringFlag(args, &i, "--config")
		case "--id":
			id = stringFlag(args, &i, "--id")
		case "--kind":
			kindStr = stringFlag(args, &i, "--kind")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if id == "" || kindStr == "" {
		usage()
		os.Exit(1)
	}
	kind, err := entity.ParseKind(kindStr)
	if err != nil {
		fail(err)
	}
	sys := openSystem(configPath)
	e, err := sys.Repo.Get(id, kind)
	if err != nil {
		fail(err)
	}
	fmt.Printf("id:    %s\n", e.ID)
	fmt.Printf("kind:  %s\n", e.Kind)
	fmt.Printf("state: %s\n", e.State)
	if e.Title != "" {
		fmt.Printf("title: %s\n", e.Title)
	}
	if e.Worktree != "" {
		fmt.Printf("worktree: %s\n", e.Worktree)
	}
	for _, rel := range e.Relationships {
		fmt.Printf("rel:   %s %s\n", rel.Type, rel.Target)
	}
}

func cmdRecover(args []string) {
	sys := openSystem(onlyConfigFlag(args))
	swept, resolved, err := sys.Startup(context.Background())
	if err != nil {
		fail(err)
	}
	fmt.Printf("swept %d dead run(s), resolved %d marker(s)\n", swept, resolved)
}

func cmdSweep(args []string) {
	sys := openSystem(onlyConfigFlag(args))
	n, err := sys.Tracker.Sweep()
	if err != nil {
		fail(err)
	}
	fmt.Printf("swept %d dead run(s)\n", n)
}

func cmdStatus(args []string) {
	configPath := defaultConfigPath
	var sessionID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = stringFlag(args, &i, "--config")
		case "--session":
			sessionID = stringFlag(args, &i, "--session")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	sys := openSystem(configPath)

	if sessionID != "" {
		snap, err := sys.Tracker.Snapshot(sessionID)
		if err != nil {
			fail(err)
		}
		fmt.Printf("session: %s\n", snap.SessionID)
		fmt.Printf("state:   %s\n", snap.State)
		if snap.RunID != "" {
			fmt.Printf("run:     %s pid=%d alive=%t\n", snap.RunID, snap.PID, snap.PIDAlive)
		}
		if snap.Recovered {
			fmt.Println("note:    last run was reconciled by sweep after its process died")
		}
		if !snap.LastEventAt.IsZero() {
			fmt.Printf("last event: %s\n", snap.LastEventAt.Format("2006-01-02 15:04:05"))
		}
		return
	}

	st, err := sys.Status()
	if err != nil {
		fail(err)
	}
	fmt.Printf("active runs: %d\n", len(st.ActiveRuns))
	for _, ev := range st.ActiveRuns {
		fmt.Printf("  %s %s pid=%d since %s\n", ev.SessionID, ev.RunID, ev.PID, ev.TS.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("locks held: %d\n", len(st.Locks))
	for _, rec := range st.Locks {
		fmt.Printf("  pid=%d %s (%s)\n", rec.PID, rec.Purpose, rec.AcquiredAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("pending recovery markers: %d\n", len(st.PendingMarkers))
	for _, m := range st.PendingMarkers {
		fmt.Printf("  %s %s %s/%s cursor=%d\n", m.OperationID, m.Op, m.Kind, m.EntityID, m.Cursor)
	}
}

func cmdLocks(args []string) {
	sys := openSystem(onlyConfigFlag(args))
	records, err := sys.Locks.List()
	if err != nil {
		fail(err)
	}
	for _, rec := range records {
		fmt.Printf("pid=%d %s acquired=%s\n", rec.PID, rec.Purpose, rec.AcquiredAt.Format("2006-01-02 15:04:05"))
	}
}

func cmdSession(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	sub := args[0]
	configPath := defaultConfigPath
	var id string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = stringFlag(args, &i, "--config")
		case "--id":
			id = stringFlag(args, &i, "--id")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if id == "" {
		usage()
		os.Exit(1)
	}
	sys := openSystem(configPath)
	switch sub {
	case "close":
		if err := sys.Sessions.Close(context.Background(), id); err != nil {
			fail(err)
		}
		fmt.Printf("session %s closed\n", id)
	case "provision":
		if err := sys.Sessions.Provision(context.Background(), id); err != nil {
			fail(err)
		}
		fmt.Printf("session %s provisioned at %s\n", id, sys.Sessions.WorktreePath(id))
	default:
		usage()
		os.Exit(1)
	}
}

func onlyConfigFlag(args []string) string {
	configPath := defaultConfigPath
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = stringFlag(args, &i, "--config")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	return configPath
}
