// Package metrics computes per-frame inference metrics, samples device memory and
// exports inference counters to Prometheus.
package metrics

import (
	"time"

	"modelworker/pkg/types"
)

// New returns empty metrics anchored at start.
func New(start time.Time) *types.InferenceMetrics {
	ms := start.UnixMilli()
	return &types.InferenceMetrics{StartTimeMs: ms, CurrentTimeMs: ms}
}

// Collect derives the metrics for the next yielded frame from prev. usage and gpus may be
// nil; missing usage values fall back to prev. GPU averages count only frames that carried
// a sample. prev is not modified.
func Collect(prev *types.InferenceMetrics, isFirst bool, usage *types.Usage, gpus []types.GPUInfo, now time.Time) *types.InferenceMetrics {
	if prev == nil {
		prev = New(now)
	}
	m := *prev
	nowMs := now.UnixMilli()
	m.CollectIndex = prev.CollectIndex + 1
	m.CurrentTimeMs = nowMs

	if usage != nil {
		if usage.PromptTokens > 0 {
			m.PromptTokens = usage.PromptTokens
		}
		if usage.CompletionTokens > 0 {
			m.CompletionTokens = usage.CompletionTokens
		}
		switch {
		case usage.TotalTokens > 0:
			m.TotalTokens = usage.TotalTokens
		case usage.PromptTokens > 0 && usage.CompletionTokens > 0:
			m.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
	}

	if isFirst {
		t := nowMs
		m.FirstCompletionTimeMs = &t
		n := m.CompletionTokens
		m.FirstCompletionTokens = &n
		if m.CompletionTokens == 1 {
			ft := t
			m.FirstTokenTimeMs = &ft
		}
	} else if m.FirstTokenTimeMs == nil && m.CompletionTokens == 1 {
		// prefill produced zero tokens; the first token arrives on a later frame
		ft := nowMs
		m.FirstTokenTimeMs = &ft
	}

	if elapsed := float64(m.CurrentTimeMs-m.StartTimeMs) / 1000.0; elapsed > 0 {
		m.SpeedPerSecond = float64(m.TotalTokens) / elapsed
	}

	if len(gpus) > 0 {
		m.GPUSampleCount = prev.GPUSampleCount + 1
		m.CurrentGPUInfos = append([]types.GPUInfo(nil), gpus...)
		m.AvgGPUInfos = runningMean(prev.AvgGPUInfos, gpus, m.GPUSampleCount)
	}
	return &m
}

// runningMean folds cur into avg as the k-th sample: (avg*(k-1)+cur)/k.
func runningMean(avg, cur []types.GPUInfo, k int) []types.GPUInfo {
	out := make([]types.GPUInfo, len(cur))
	for i, c := range cur {
		if k <= 1 || i >= len(avg) {
			out[i] = c
			continue
		}
		a := avg[i]
		n := float64(k)
		out[i] = types.GPUInfo{
			ID:              c.ID,
			Name:            c.Name,
			TotalMemory:     c.TotalMemory,
			AllocatedMemory: (a.AllocatedMemory*(n-1) + c.AllocatedMemory) / n,
			CachedMemory:    (a.CachedMemory*(n-1) + c.CachedMemory) / n,
			AvailableMemory: (a.AvailableMemory*(n-1) + c.AvailableMemory) / n,
		}
	}
	return out
}
