package chat

import (
	"fmt"
	"sort"
	"sync"
)

// ChatNormal is the plain chat scene.
const ChatNormal = "chat_normal"

// Scene binds a chat mode to its history window and prompt.
type Scene struct {
	Mode string
	// KeepStartRounds and KeepEndRounds select which history rounds reach the model.
	// Negative keeps every round.
	KeepStartRounds int
	KeepEndRounds   int
	// PromptCode overrides the registry lookup by chat mode.
	PromptCode string
	// ParamType labels SelectParam on stored human messages.
	ParamType string
}

// Scenes is the chat mode table.
type Scenes struct {
	mu     sync.RWMutex
	scenes map[string]Scene
}

func NewScenes() *Scenes { return &Scenes{scenes: map[string]Scene{}} }

func (s *Scenes) Register(sc Scene) error {
	if sc.Mode == "" {
		return fmt.Errorf("scene without chat mode")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.scenes[sc.Mode]; dup {
		return fmt.Errorf("scene %s already registered", sc.Mode)
	}
	s.scenes[sc.Mode] = sc
	return nil
}

func (s *Scenes) Get(mode string) (Scene, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenes[mode]
	return sc, ok
}

// Modes lists registered chat modes.
func (s *Scenes) Modes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.scenes))
	for m := range s.scenes {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// DefaultScenes registers chat_normal keeping the last 2 rounds of history.
func DefaultScenes() *Scenes {
	s := NewScenes()
	_ = s.Register(Scene{Mode: ChatNormal, KeepStartRounds: 0, KeepEndRounds: 2})
	return s
}
