package metrics

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"modelworker/pkg/types"
)

const gib = 1024 * 1024 * 1024

// Sampler observes device memory. Implementations may fail transiently; callers treat
// an error as "no sample" for that frame.
type Sampler interface {
	Sample(ctx context.Context) ([]types.GPUInfo, error)
}

// DetectDevice returns cuda when nvidia-smi is on PATH, mps on Apple silicon, else cpu.
func DetectDevice() string {
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		return "cuda"
	}
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "mps"
	}
	return "cpu"
}

// NewSampler picks the sampler for device.
func NewSampler(device string) Sampler {
	if device == "cuda" {
		return NvidiaSampler{}
	}
	return HostSampler{}
}

// HostSampler reports system memory as a single device. Used for cpu and mps, where
// model weights live in host (unified) memory.
type HostSampler struct{}

func (HostSampler) Sample(ctx context.Context) ([]types.GPUInfo, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return []types.GPUInfo{{
		ID:              0,
		Name:            "host",
		TotalMemory:     float64(vm.Total) / gib,
		AllocatedMemory: float64(vm.Used) / gib,
		CachedMemory:    float64(vm.Cached) / gib,
		AvailableMemory: float64(vm.Available) / gib,
	}}, nil
}

// NvidiaSampler queries nvidia-smi for per-GPU memory.
type NvidiaSampler struct {
	// Bin overrides the nvidia-smi path.
	Bin string
}

func (s NvidiaSampler) Sample(ctx context.Context) ([]types.GPUInfo, error) {
	bin := s.Bin
	if bin == "" {
		bin = "nvidia-smi"
	}
	cmd := exec.CommandContext(ctx, bin, "--query-gpu=index,name,memory.total,memory.used,memory.free", "--format=csv,noheader,nounits")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseNvidiaCSV(out.String())
}

// parseNvidiaCSV parses "index, name, total MiB, used MiB, free MiB" lines.
func parseNvidiaCSV(s string) ([]types.GPUInfo, error) {
	var infos []types.GPUInfo
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 5 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("gpu index %q: %w", parts[0], err)
		}
		var mib [3]float64
		for i := 0; i < 3; i++ {
			v, err := strconv.ParseFloat(parts[2+i], 64)
			if err != nil {
				return nil, fmt.Errorf("gpu memory %q: %w", parts[2+i], err)
			}
			mib[i] = v
		}
		infos = append(infos, types.GPUInfo{
			ID:              id,
			Name:            parts[1],
			TotalMemory:     mib[0] / 1024,
			AllocatedMemory: mib[1] / 1024,
			AvailableMemory: mib[2] / 1024,
		})
	}
	return infos, nil
}

// Throttle reuses the last successful sample of s for every.
func Throttle(s Sampler, every time.Duration) Sampler {
	return &throttled{s: s, every: every}
}

type throttled struct {
	s     Sampler
	every time.Duration

	mu   sync.Mutex
	at   time.Time
	last []types.GPUInfo
}

func (t *throttled) Sample(ctx context.Context) ([]types.GPUInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last != nil && time.Since(t.at) < t.every {
		return t.last, nil
	}
	infos, err := t.s.Sample(ctx)
	if err != nil {
		return t.last, err
	}
	t.last, t.at = infos, time.Now()
	return infos, nil
}
