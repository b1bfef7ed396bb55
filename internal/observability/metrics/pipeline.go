package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type stageKey struct {
	stage   string
	outcome string
}

type pipelineStats struct {
	mu        sync.Mutex
	stages    map[stageKey]uint64
	decisions map[string]uint64
	killState string
}

var pipelineCollector = &pipelineStats{
	stages:    make(map[stageKey]uint64),
	decisions: make(map[string]uint64),
	killState: "ACTIVE",
}

// ObservePipelineStage records the outcome of one pipeline stage execution.
func ObservePipelineStage(stage, outcome string) {
	pipelineCollector.mu.Lock()
	defer pipelineCollector.mu.Unlock()
	pipelineCollector.stages[stageKey{stage: stage, outcome: outcome}]++
}

// ObservePolicyDecision records the tier produced by a policy evaluation,
// or "DENIED" when the engine refused the candidate.
func ObservePolicyDecision(tier string) {
	pipelineCollector.mu.Lock()
	defer pipelineCollector.mu.Unlock()
	pipelineCollector.decisions[tier]++
}

// SetKillSwitchState publishes the current kill-switch state as a gauge.
func SetKillSwitchState(state string) {
	pipelineCollector.mu.Lock()
	defer pipelineCollector.mu.Unlock()
	pipelineCollector.killState = state
}

func (p *pipelineStats) render() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var builder strings.Builder
	builder.Grow(512)

	stageKeys := make([]stageKey, 0, len(p.stages))
	for key := range p.stages {
		stageKeys = append(stageKeys, key)
	}
	sort.Slice(stageKeys, func(i, j int) bool {
		if stageKeys[i].stage == stageKeys[j].stage {
			return stageKeys[i].outcome < stageKeys[j].outcome
		}
		return stageKeys[i].stage < stageKeys[j].stage
	})
	builder.WriteString("# HELP vault_pipeline_stage_total Pipeline stage executions by outcome.\n")
	builder.WriteString("# TYPE vault_pipeline_stage_total counter\n")
	for _, key := range stageKeys {
		builder.WriteString(fmt.Sprintf("vault_pipeline_stage_total{stage=\"%s\",outcome=\"%s\"} %d\n",
			escape(key.stage), escape(key.outcome), p.stages[key]))
	}

	tiers := make([]string, 0, len(p.decisions))
	for tier := range p.decisions {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	builder.WriteString("# HELP vault_policy_decisions_total Policy evaluation outcomes by tier.\n")
	builder.WriteString("# TYPE vault_policy_decisions_total counter\n")
	for _, tier := range tiers {
		builder.WriteString(fmt.Sprintf("vault_policy_decisions_total{tier=\"%s\"} %d\n",
			escape(tier), p.decisions[tier]))
	}

	builder.WriteString("# HELP vault_killswitch_state Current kill-switch state (1 = current).\n")
	builder.WriteString("# TYPE vault_killswitch_state gauge\n")
	for _, state := range []string{"ACTIVE", "SUSPENDED", "LOCKED"} {
		v := 0
		if state == p.killState {
			v = 1
		}
		builder.WriteString(fmt.Sprintf("vault_killswitch_state{state=\"%s\"} %d\n", state, v))
	}

	return builder.String()
}
