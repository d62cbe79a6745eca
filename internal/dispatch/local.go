package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/identity"
	"github.com/vesselproject/relay/internal/registry"
	"github.com/vesselproject/relay/internal/session"
)

// brokerConfig is the per-session tool-broker file handed to the confined
// executor. The child's only capability is the broker MCP server, which
// calls back into this relay with the worker's identity.
type brokerConfig struct {
	MCPServers map[string]brokerServer `json:"mcpServers"`
}

type brokerServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// procHandle adapts os/exec to the session registry's Handle.
type procHandle struct {
	cmd *exec.Cmd
}

func (p procHandle) Terminate() error { return p.cmd.Process.Signal(syscall.SIGTERM) }
func (p procHandle) Kill() error      { return p.cmd.Process.Kill() }

// spawnLocal runs the agent as a confined subprocess on this machine. The
// HTTP caller gets the session id immediately; a background goroutine
// awaits the child.
func (d *Dispatcher) spawnLocal(ctx context.Context, requester string, req SpawnRequest) (SpawnResult, error) {
	if _, err := os.Stat(d.cfg.Runner.ExecutorPath); err != nil {
		return SpawnResult{}, fmt.Errorf("%w: %s", ErrExecutorMissing, d.cfg.Runner.ExecutorPath)
	}

	sessionID := uuid.New().String()

	configPath, err := d.writeBrokerConfig(req)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("broker config: %w", err)
	}

	cleanup := func() { removeQuiet(configPath) }

	if err := d.registry.MarkBusy(req.Worker, identity.RoleForJob(req.JobType), req.TokenMint); err != nil {
		cleanup()
		if errors.Is(err, registry.ErrBusy) {
			return SpawnResult{}, fmt.Errorf("%w: %q", ErrWorkerBusy, req.Worker)
		}
		return SpawnResult{}, fmt.Errorf("mark busy: %w", err)
	}

	s := &session.Session{
		ID:            sessionID,
		Worker:        req.Worker,
		JobType:       req.JobType,
		Mode:          session.ModeLocal,
		PromptPreview: preview(req.Prompt),
		Local:         &session.Local{ConfigPath: configPath},
	}
	if err := d.sessions.Create(s); err != nil {
		d.registry.MarkIdle(req.Worker)
		cleanup()
		return SpawnResult{}, fmt.Errorf("create session: %w", err)
	}
	d.observeSessions()

	d.log.Event("AGENT_SPAWNED_LOCAL", audit.Details{
		"session_id": sessionID, "worker": req.Worker, "job_type": req.JobType,
		"mode": "local", "requester": requester, "max_budget_usd": req.MaxBudgetUSD,
	})

	go d.runLocal(sessionID, req, configPath)

	return SpawnResult{
		SessionID: sessionID, Worker: req.Worker, JobType: req.JobType,
		Mode: "local", Status: "spawned_local",
	}, nil
}

// writeBrokerConfig materializes the per-session MCP config. The file name
// carries the worker so stray files are attributable.
func (d *Dispatcher) writeBrokerConfig(req SpawnRequest) (string, error) {
	cfg := brokerConfig{
		MCPServers: map[string]brokerServer{
			"vessel-tools": {
				Command: d.cfg.Runner.BrokerCommand,
				Args:    []string{d.cfg.Runner.BrokerPath},
				Env: map[string]string{
					"AGENT_NAME":  req.Worker,
					"JOB_TYPE":    req.JobType,
					"RELAY_URL":   d.cfg.RelayURL(),
					"RELAY_TOKEN": d.cfg.RelayToken,
				},
			},
		},
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "vessel_broker_"+req.Worker+"_*.json")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		removeQuiet(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		removeQuiet(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// systemPrompt pins the child to broker-only capabilities.
func systemPrompt(req SpawnRequest, identityDoc string) string {
	var b strings.Builder
	if identityDoc != "" {
		b.WriteString("<agent-identity>\n")
		b.WriteString(identityDoc)
		b.WriteString("\n</agent-identity>\n\n")
	}
	b.WriteString("<agent-constraints>\n")
	fmt.Fprintf(&b, "You are %s, a vessel worker. Your job_type is: %s\n\n", req.Worker, req.JobType)
	b.WriteString("CRITICAL RULES:\n")
	b.WriteString("- You can ONLY use the vessel-tools MCP tools. You have NO other capabilities.\n")
	b.WriteString("- You cannot read files, write files, or run shell commands.\n")
	b.WriteString("- You cannot access the internet except through your vessel tools.\n")
	b.WriteString("- Complete your task using ONLY the tools available to you.\n")
	b.WriteString("- When done, output a final summary of what you accomplished.\n")
	b.WriteString("</agent-constraints>")
	return b.String()
}

// runLocal awaits the child, parses its structured output, and always
// releases the worker and removes the broker config.
func (d *Dispatcher) runLocal(sessionID string, req SpawnRequest, configPath string) {
	defer func() {
		d.releaseWorker(req.Worker, "local_session_ended")
		removeQuiet(configPath)
		d.sessions.ClearLocal(sessionID)
	}()

	cmd := exec.Command(d.cfg.Runner.ExecutorPath,
		"--print",
		"--tools", "",
		"--mcp-config", configPath,
		"--strict-mcp-config",
		"--system-prompt", systemPrompt(req, d.loadIdentity(req.Worker)),
		"--output-format", "json",
		"--no-session-persistence",
		"--dangerously-skip-permissions",
		"--max-budget-usd", strconv.FormatFloat(req.MaxBudgetUSD, 'f', -1, 64),
		req.Prompt,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if _, changed, _ := d.sessions.Resolve(sessionID, session.StatusError,
			map[string]interface{}{"error": err.Error()}); changed {
			d.metrics.RecordSessionOutcome(req.Worker, session.StatusError)
			d.observeSessions()
		}
		d.log.Event("LOCAL_AGENT_ERROR", audit.Details{
			"session_id": sessionID, "worker": req.Worker, "error": err.Error(),
		})
		return
	}
	d.sessions.SetProc(sessionID, procHandle{cmd: cmd})

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitErr:
	case <-time.After(d.cfg.Sessions.Timeout):
		cmd.Process.Kill()
		<-waitErr
		if _, changed, _ := d.sessions.Resolve(sessionID, session.StatusTimedOut, nil); changed {
			d.metrics.RecordSessionOutcome(req.Worker, session.StatusTimedOut)
			d.observeSessions()
		}
		d.log.Event("LOCAL_AGENT_TIMEOUT", audit.Details{
			"session_id": sessionID, "worker": req.Worker,
		})
		return
	}

	result := parseExecutorOutput(stdout.Bytes())
	exitCode := 0
	status := session.StatusCompleted
	if err != nil {
		status = session.StatusError
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
		if stderr.Len() > 0 {
			result["stderr"] = truncate(stderr.String(), 2000)
		}
	}

	_, changed, resolveErr := d.sessions.Resolve(sessionID, status, result)
	if resolveErr != nil {
		log.Printf("[dispatch] resolve local session %s: %v", sessionID, resolveErr)
		return
	}
	if changed {
		d.metrics.RecordSessionOutcome(req.Worker, status)
		d.observeSessions()
	}
	cost := extractCost(result)
	d.sessions.SetExit(sessionID, exitCode, cost)

	d.log.Event("LOCAL_AGENT_COMPLETED", audit.Details{
		"session_id": sessionID, "worker": req.Worker,
		"status": status, "exit_code": exitCode, "cost_usd": cost,
	})
}

// parseExecutorOutput decodes the child's JSON report, falling back to the
// raw (truncated) stdout when the child died mid-write.
func parseExecutorOutput(stdout []byte) map[string]interface{} {
	var result map[string]interface{}
	if err := json.Unmarshal(stdout, &result); err != nil || result == nil {
		return map[string]interface{}{"raw_output": truncate(string(stdout), 5000)}
	}
	return result
}

func extractCost(result map[string]interface{}) float64 {
	for _, key := range []string{"cost_usd", "total_cost_usd"} {
		if v, ok := result[key].(float64); ok && v > 0 {
			return v
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func removeQuiet(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[dispatch] WARNING: could not remove %s: %v", path, err)
	}
}
