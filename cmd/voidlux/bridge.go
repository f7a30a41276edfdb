package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/types"
)

const bridgeTimeout = 30 * time.Second

// execBridge hands a task to the external terminal-multiplexer bridge
// by running a configured command with the task in its environment.
// The command is expected to inject the work into the agent's session
// and return; the agent reports lifecycle through its own channel.
type execBridge struct {
	command string
}

func (b *execBridge) Deliver(agent *types.Agent, task *types.Task) error {
	ctx, cancel := context.WithTimeout(context.Background(), bridgeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", b.command)
	cmd.Env = append(os.Environ(),
		"VOIDLUX_TASK_ID="+task.ID,
		"VOIDLUX_TASK_TITLE="+task.Title,
		"VOIDLUX_INSTRUCTIONS="+task.WorkInstructions,
		"VOIDLUX_AGENT_ID="+agent.ID,
		"VOIDLUX_AGENT_SESSION="+agent.SessionID,
		"VOIDLUX_PROJECT_PATH="+agent.ProjectPath,
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 500 * time.Millisecond

	out, err := cmd.CombinedOutput()
	if err != nil {
		log.WithAgentID(agent.ID).Debug().Str("output", string(out)).Msg("bridge command output")
		return fmt.Errorf("bridge command failed: %w", err)
	}
	return nil
}
