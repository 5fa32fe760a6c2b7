// runworker is the reference worker binary. The supervisor launches it
// with explicit flags; it loads the task definition, executes the
// task's configured command and forwards stop signals to it. No
// retries, no restarts, no policy: lifecycle decisions belong to the
// supervisor.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/runforge/runforge/internal/taskcfg"
)

type launchParams struct {
	runID      string
	taskName   string
	account    string
	workDir    string
	sessionDir string
	mode       string
	tasksDir   string
	override   map[string]string
}

// parseArgs reads "--name value" pairs. Unknown flags are task config
// overrides; the supervisor appends them verbatim.
func parseArgs(args []string) (*launchParams, error) {
	p := &launchParams{override: make(map[string]string)}
	for i := 0; i < len(args); i++ {
		name := strings.TrimPrefix(args[i], "--")
		if name == args[i] || i+1 >= len(args) {
			return nil, fmt.Errorf("malformed argument %q", args[i])
		}
		i++
		value := args[i]
		switch name {
		case "run-id":
			p.runID = value
		case "task":
			p.taskName = value
		case "account":
			p.account = value
		case "workdir":
			p.workDir = value
		case "session-dir":
			p.sessionDir = value
		case "mode":
			p.mode = value
		case "tasks-dir":
			p.tasksDir = value
		default:
			p.override[name] = value
		}
	}
	if p.runID == "" || p.taskName == "" || p.account == "" {
		return nil, fmt.Errorf("run-id, task and account are required")
	}
	if p.tasksDir == "" && p.workDir != "" {
		// Default data layout keeps tasks/ next to workdir/
		p.tasksDir = filepath.Join(filepath.Dir(p.workDir), "tasks")
	}
	return p, nil
}

func main() {
	params, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "runworker: %v\n", err)
		os.Exit(2)
	}
	if err := run(params); err != nil {
		fmt.Fprintf(os.Stderr, "runworker: %v\n", err)
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

func run(params *launchParams) error {
	task, err := taskcfg.NewReader(params.tasksDir).GetTaskConfig(params.taskName)
	if err != nil {
		return err
	}
	if task.AccountName != params.account {
		return fmt.Errorf("task %s belongs to account %s, launched for %s", task.Name, task.AccountName, params.account)
	}

	command := configString(task.Config, "command")
	if v, ok := params.override["command"]; ok {
		command = v
	}
	if command == "" {
		return fmt.Errorf("task %s has no command configured", task.Name)
	}

	runDir := filepath.Join(params.workDir, params.account)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = runDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"RUNFORGE_RUN_ID="+params.runID,
		"RUNFORGE_TASK="+params.taskName,
		"RUNFORGE_ACCOUNT="+params.account,
		"RUNFORGE_MODE="+params.mode,
		"RUNFORGE_SESSION_DIR="+filepath.Join(params.sessionDir, params.account),
	)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start task command: %w", err)
	}

	// Stop signals are forwarded so the task can shut down cleanly;
	// the supervisor escalates to SIGKILL after the grace period.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigs:
				cmd.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	err = cmd.Wait()
	close(done)
	return err
}

func configString(config map[string]interface{}, key string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
