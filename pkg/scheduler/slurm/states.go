package slurm

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/3leaps/slurmmap/pkg/scheduler"
)

// NormalizeState maps a Slurm job state (squeue %T or sacct State) onto
// the scheduler boundary's states.
func NormalizeState(raw string) scheduler.JobState {
	state := strings.ToUpper(strings.TrimSpace(raw))
	// sacct reports "CANCELLED by <uid>".
	if i := strings.IndexByte(state, ' '); i >= 0 {
		state = state[:i]
	}
	state = strings.TrimSuffix(state, "+")

	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_HOLD", "REQUEUE_FED", "RESV_DEL_HOLD", "SUSPENDED", "STOPPED":
		return scheduler.JobQueued
	case "RUNNING", "COMPLETING", "STAGE_OUT", "SIGNALING", "RESIZING", "POWER_UP_NODE", "UPDATE_DB":
		return scheduler.JobRunning
	case "COMPLETED":
		return scheduler.JobCompleted
	case "FAILED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "BOOT_FAIL", "DEADLINE", "PREEMPTED", "CANCELLED", "REVOKED", "SPECIAL_EXIT":
		return scheduler.JobFailed
	default:
		return scheduler.JobUnknown
	}
}

// parseStates reads "<jobid>|<state>" lines.
func parseStates(out []byte) map[string]scheduler.Status {
	res := make(map[string]scheduler.Status)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		id, raw, ok := strings.Cut(line, "|")
		if !ok {
			continue
		}
		id = strings.TrimSpace(id)
		raw = strings.TrimSpace(raw)
		// Job steps (1234.batch) are not jobs of their own.
		if id == "" || strings.Contains(id, ".") {
			continue
		}
		res[id] = scheduler.Status{State: NormalizeState(raw), Raw: raw}
	}
	return res
}
