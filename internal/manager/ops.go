package manager

import (
	"context"
	"io"
	"sync"

	"modelworker/internal/worker"
	"modelworker/pkg/types"
)

// GenerateStream admits the request on the model's queue and opens a stream. The
// admission slot is held until the stream ends or is closed.
func (m *Manager) GenerateStream(ctx context.Context, req types.ModelRequest) (worker.Stream, error) {
	inst, err := m.Ensure(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	release, err := m.beginGeneration(ctx, inst)
	if err != nil {
		return nil, err
	}
	s, err := inst.Worker.GenerateStream(ctx, req)
	if err != nil {
		release()
		return nil, err
	}
	return &admittedStream{Stream: s, release: release}, nil
}

// Generate admits the request and returns the final output.
func (m *Manager) Generate(ctx context.Context, req types.ModelRequest) (*types.ModelOutput, error) {
	inst, err := m.Ensure(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	release, err := m.beginGeneration(ctx, inst)
	if err != nil {
		return nil, err
	}
	defer release()
	return inst.Worker.Generate(ctx, req)
}

// CountToken does not queue; it returns -1 when the worker cannot count.
func (m *Manager) CountToken(ctx context.Context, req types.CountTokenRequest) (int, error) {
	inst, err := m.Ensure(ctx, req.Model)
	if err != nil {
		return -1, err
	}
	return inst.Worker.CountToken(ctx, req)
}

func (m *Manager) ModelMetadata(ctx context.Context, req types.ModelMetadataRequest) (types.ModelMetadata, error) {
	inst, err := m.Ensure(ctx, req.Model)
	if err != nil {
		return types.ModelMetadata{}, err
	}
	return inst.Worker.ModelMetadata(ctx, req)
}

func (m *Manager) Embeddings(ctx context.Context, req types.EmbeddingsRequest) ([][]float64, error) {
	inst, err := m.Ensure(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	return inst.Worker.Embeddings(ctx, req)
}

// Switch preloads name and unloads every other local worker once it is ready.
func (m *Manager) Switch(name string) (string, error) {
	name, err := m.resolve(name)
	if err != nil {
		return "", err
	}
	op := m.nextOpID()
	go func() {
		m.publish("switch_start", name, map[string]any{"op": op})
		if _, err := m.Ensure(context.Background(), name); err != nil {
			m.publish("switch_error", name, map[string]any{"op": op, "error": err.Error()})
			return
		}
		for _, other := range m.localLoaded() {
			if other != name {
				_ = m.Unload(other)
			}
		}
		m.publish("switch_done", name, map[string]any{"op": op})
	}()
	return op, nil
}

func (m *Manager) localLoaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, inst := range m.instances {
		if inst.Kind == KindLocal {
			out = append(out, name)
		}
	}
	return out
}

// admittedStream releases the admission slot once, at end of stream or Close.
type admittedStream struct {
	worker.Stream
	release func()
	once    sync.Once
}

func (s *admittedStream) Next(ctx context.Context) (*types.ModelOutput, error) {
	out, err := s.Stream.Next(ctx)
	if err == io.EOF {
		s.once.Do(s.release)
	}
	return out, err
}

func (s *admittedStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(s.release)
	return err
}
