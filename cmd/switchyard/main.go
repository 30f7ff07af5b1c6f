package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mwynne/switchyard/internal/kernel/engine"
	"github.com/mwynne/switchyard/internal/kernel/model"
	"github.com/mwynne/switchyard/internal/kernel/mutation"
	"github.com/mwynne/switchyard/internal/kernel/runstate"
	"github.com/mwynne/switchyard/internal/kernel/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "resume":
		cmdResume(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "answer":
		cmdAnswer(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  switchyard run --graph <flows.yaml> [--run-id <id>] [--state-root <dir>] [--entry <flow>] [--repo <path>] [--max-reruns <n>] [--stall-timeout <dur>]")
	fmt.Fprintln(os.Stderr, "  switchyard resume --state-root <dir> --run-id <id>")
	fmt.Fprintln(os.Stderr, "  switchyard validate --graph <flows.yaml>")
	fmt.Fprintln(os.Stderr, "  switchyard status --state-root <dir> --run-id <id>")
	fmt.Fprintln(os.Stderr, "  switchyard answer --state-root <dir> --run-id <id> --question <id> --text <answer>")
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func requireValue(args []string, i int, name string) string {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	return args[i]
}

func cmdRun(args []string) {
	var graphPath, runID, stateRoot, entry, repo string
	var maxReruns int
	var stallTimeout time.Duration

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--graph":
			i++
			graphPath = requireValue(args, i, "--graph")
		case "--run-id":
			i++
			runID = requireValue(args, i, "--run-id")
		case "--state-root":
			i++
			stateRoot = requireValue(args, i, "--state-root")
		case "--entry":
			i++
			entry = requireValue(args, i, "--entry")
		case "--repo":
			i++
			repo = requireValue(args, i, "--repo")
		case "--max-reruns":
			i++
			if _, err := fmt.Sscanf(requireValue(args, i, "--max-reruns"), "%d", &maxReruns); err != nil {
				fail(fmt.Errorf("--max-reruns: %w", err))
			}
		case "--stall-timeout":
			i++
			d, err := time.ParseDuration(requireValue(args, i, "--stall-timeout"))
			if err != nil {
				fail(fmt.Errorf("--stall-timeout: %w", err))
			}
			stallTimeout = d
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if graphPath == "" {
		usage()
		os.Exit(1)
	}

	g, err := model.LoadGraphFile(graphPath)
	if err != nil {
		fail(err)
	}
	eng, err := engine.New(g, engine.Options{
		RunID:         runID,
		StateRoot:     stateRoot,
		EntryFlow:     entry,
		MaxFlowReruns: maxReruns,
		StallTimeout:  stallTimeout,
	})
	if err != nil {
		fail(err)
	}
	wireDriver(eng, repo)

	if err := runstate.WritePIDFile(eng.Store.Dir()); err != nil {
		fail(err)
	}

	// No deadline by default; station runners can take hours.
	res, err := eng.Run(context.Background())
	if err != nil {
		fail(err)
	}
	printResult(eng, res)
}

func cmdResume(args []string) {
	var stateRoot, runID, repo string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state-root":
			i++
			stateRoot = requireValue(args, i, "--state-root")
		case "--run-id":
			i++
			runID = requireValue(args, i, "--run-id")
		case "--repo":
			i++
			repo = requireValue(args, i, "--repo")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if stateRoot == "" || runID == "" {
		usage()
		os.Exit(1)
	}

	eng, err := engine.Attach(stateRoot, runID)
	if err != nil {
		fail(err)
	}
	wireDriver(eng, repo)
	if err := runstate.WritePIDFile(eng.Store.Dir()); err != nil {
		fail(err)
	}
	res, err := eng.Resume(context.Background())
	if err != nil {
		fail(err)
	}
	printResult(eng, res)
}

// wireDriver attaches the file outbox and, when a repo is given, the
// git-backed mutation client.
func wireDriver(eng *engine.Engine, repo string) {
	eng.Outbox = &store.FileOutbox{Path: filepath.Join(eng.Store.Dir(), "outbox.ndjson")}
	if repo != "" {
		eng.Mutator = &mutation.GitClient{RepoDir: repo}
	}
}

func printResult(eng *engine.Engine, res *engine.Result) {
	fmt.Printf("run_id=%s\n", res.RunID)
	fmt.Printf("state_dir=%s\n", eng.Store.Dir())
	fmt.Printf("status=%s\n", res.Final.Status)
	if res.Final.PendingQuestionID != "" {
		fmt.Printf("pending_question=%s\n", res.Final.PendingQuestionID)
	}
	keys := make([]string, 0, len(res.Receipts))
	for k := range res.Receipts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r := res.Receipts[k]
		fmt.Printf("receipt.%s=%s/%s\n", k, r.Status, r.RecommendedAction)
	}
	if string(res.Final.Status) == "success" {
		os.Exit(0)
	}
	os.Exit(1)
}

func cmdValidate(args []string) {
	var graphPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--graph":
			i++
			graphPath = requireValue(args, i, "--graph")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if graphPath == "" {
		usage()
		os.Exit(1)
	}
	g, err := model.LoadGraphFile(graphPath)
	if err != nil {
		fail(err)
	}
	diags := model.Validate(g)
	for _, d := range diags {
		fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
	}
	if model.HasErrors(diags) {
		os.Exit(1)
	}
	fmt.Println("ok")
}

func cmdStatus(args []string) {
	var stateRoot, runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state-root":
			i++
			stateRoot = requireValue(args, i, "--state-root")
		case "--run-id":
			i++
			runID = requireValue(args, i, "--run-id")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if stateRoot == "" || runID == "" {
		usage()
		os.Exit(1)
	}
	snap, err := runstate.LoadSnapshot(filepath.Join(stateRoot, runID))
	if err != nil {
		fail(err)
	}
	fmt.Printf("run_id=%s\n", snap.RunID)
	fmt.Printf("state=%s\n", snap.State)
	if snap.CurrentStepID != "" {
		fmt.Printf("current_step=%s\n", snap.CurrentStepID)
	}
	if snap.LastEvent != "" {
		fmt.Printf("last_event=%s\n", snap.LastEvent)
	}
	if !snap.LastEventAt.IsZero() {
		fmt.Printf("last_event_at=%s\n", snap.LastEventAt.Format(time.RFC3339))
	}
	if snap.FailureReason != "" {
		fmt.Printf("failure_reason=%s\n", snap.FailureReason)
	}
	if snap.PendingQuestionID != "" {
		fmt.Printf("pending_question=%s\n", snap.PendingQuestionID)
	}
	keys := make([]string, 0, len(snap.Receipts))
	for k := range snap.Receipts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("receipt.%s=%s\n", k, snap.Receipts[k])
	}
	if snap.PID > 0 {
		fmt.Printf("pid=%d alive=%v\n", snap.PID, snap.PIDAlive)
	}
}

func cmdAnswer(args []string) {
	var stateRoot, runID, questionID, text string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state-root":
			i++
			stateRoot = requireValue(args, i, "--state-root")
		case "--run-id":
			i++
			runID = requireValue(args, i, "--run-id")
		case "--question":
			i++
			questionID = requireValue(args, i, "--question")
		case "--text":
			i++
			text = requireValue(args, i, "--text")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if stateRoot == "" || runID == "" || questionID == "" || text == "" {
		usage()
		os.Exit(1)
	}
	s, err := store.Open(stateRoot, runID)
	if err != nil {
		fail(err)
	}
	q, err := s.LoadPendingQuestion(questionID)
	if err != nil {
		fail(err)
	}
	if q == nil {
		fail(fmt.Errorf("no pending question %s in run %s", questionID, runID))
	}
	if err := s.RecordAnswer(questionID, text); err != nil {
		fail(err)
	}
	fmt.Printf("answered=%s\n", questionID)
}
