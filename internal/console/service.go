// ABOUTME: Console service: module registry, enable/disable state, key-value store and dispatch
// ABOUTME: Agents route inbound frames here; built-in commands manage modules at runtime

package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/pinion/internal/protocol"
)

// Built-in commands.
const (
	CommandEnable  = "enable"
	CommandDisable = "disable"
	CommandList    = "list"
)

var (
	ErrUnknownModule    = errors.New("unknown module")
	ErrModuleDisabled   = errors.New("module disabled")
	ErrNoHandler        = errors.New("module has no handler for this role")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrModuleRegistered = errors.New("module already registered")
)

// CommandNotifier forwards enable/disable to monitors. The master agent implements it.
type CommandNotifier interface {
	NotifyCommand(command, moduleID string, body any) error
}

// ModuleStatus is one row of the list command.
type ModuleStatus struct {
	ModuleID string `json:"moduleId"`
	Enabled  bool   `json:"enabled"`
}

type moduleEntry struct {
	module  Module
	enabled bool
}

// Service is safe for concurrent use.
type Service struct {
	mu       sync.RWMutex
	modules  map[string]*moduleEntry
	values   map[string]any
	notifier CommandNotifier
	logger   *slog.Logger
}

// NewService creates an empty service.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		modules: make(map[string]*moduleEntry),
		values:  make(map[string]any),
		logger:  logger.With("component", "console"),
	}
}

// Register adds an enabled module.
func (s *Service) Register(m Module) error {
	id := m.ModuleID()
	if id == "" {
		return fmt.Errorf("%w: empty module id", ErrUnknownModule)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.modules[id]; exists {
		return fmt.Errorf("%w: %s", ErrModuleRegistered, id)
	}
	s.modules[id] = &moduleEntry{module: m, enabled: true}
	s.logger.Debug("module registered", "module_id", id)
	return nil
}

// SetCommandNotifier installs the notifier used by enable and disable.
func (s *Service) SetCommandNotifier(n CommandNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Modules lists modules ordered by id.
func (s *Service) Modules() []ModuleStatus {
	s.mu.RLock()
	out := make([]ModuleStatus, 0, len(s.modules))
	for id, e := range s.modules {
		out = append(out, ModuleStatus{ModuleID: id, Enabled: e.enabled})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

// Enable turns a module on.
func (s *Service) Enable(moduleID string) error {
	return s.setEnabled(moduleID, true)
}

// Disable turns a module off; its handlers then fail with ErrModuleDisabled.
func (s *Service) Disable(moduleID string) error {
	return s.setEnabled(moduleID, false)
}

func (s *Service) setEnabled(moduleID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.modules[moduleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, moduleID)
	}
	e.enabled = enabled
	return nil
}

// Get returns a value from the shared store.
func (s *Service) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Set stores a value in the shared store.
func (s *Service) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *Service) lookup(moduleID string) (Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.modules[moduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, moduleID)
	}
	if !e.enabled {
		return nil, fmt.Errorf("%w: %s", ErrModuleDisabled, moduleID)
	}
	return e.module, nil
}

// ExecuteMonitor dispatches to the module's monitor handler.
func (s *Service) ExecuteMonitor(ctx context.Context, agent MonitorAgent, moduleID string, body json.RawMessage) (any, error) {
	m, err := s.lookup(moduleID)
	if err != nil {
		return nil, err
	}
	h, ok := m.(MonitorHandler)
	if !ok {
		return nil, fmt.Errorf("%w: %s (monitor)", ErrNoHandler, moduleID)
	}
	return h.HandleMonitor(ctx, agent, body)
}

// ExecuteMaster dispatches to the module's master handler.
func (s *Service) ExecuteMaster(ctx context.Context, agent MasterAgent, moduleID string, body json.RawMessage) (any, error) {
	m, err := s.lookup(moduleID)
	if err != nil {
		return nil, err
	}
	h, ok := m.(MasterHandler)
	if !ok {
		return nil, fmt.Errorf("%w: %s (master)", ErrNoHandler, moduleID)
	}
	return h.HandleMaster(ctx, agent, body)
}

// ExecuteClient dispatches to the module's client handler.
func (s *Service) ExecuteClient(ctx context.Context, agent MasterAgent, moduleID string, body json.RawMessage) (any, error) {
	m, err := s.lookup(moduleID)
	if err != nil {
		return nil, err
	}
	h, ok := m.(ClientHandler)
	if !ok {
		return nil, fmt.Errorf("%w: %s (client)", ErrNoHandler, moduleID)
	}
	return h.HandleClient(ctx, agent, body)
}

// Command runs a built-in command. With a notifier installed, enable and
// disable are forwarded to every monitor after the local change.
func (s *Service) Command(command, moduleID string, body json.RawMessage) (any, error) {
	switch command {
	case CommandList:
		return s.Modules(), nil

	case CommandEnable, CommandDisable:
		var err error
		if command == CommandEnable {
			err = s.Enable(moduleID)
		} else {
			err = s.Disable(moduleID)
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info("module toggled", "module_id", moduleID, "command", command)

		s.mu.RLock()
		notifier := s.notifier
		s.mu.RUnlock()
		if notifier != nil {
			if err := notifier.NotifyCommand(command, moduleID, body); err != nil {
				s.logger.Warn("forwarding command to monitors failed", "command", command, "error", err)
			}
		}
		return protocol.AckOK(), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

// RunSchedule ticks every Scheduled module until ctx is done.
// Disabled modules are skipped on each tick.
func (s *Service) RunSchedule(ctx context.Context, agent MasterAgent) {
	s.mu.RLock()
	var wg sync.WaitGroup
	for id, e := range s.modules {
		sched, ok := e.module.(Scheduled)
		if !ok || sched.Interval() <= 0 {
			continue
		}
		wg.Add(1)
		go func(id string, interval time.Duration) {
			defer wg.Done()
			s.tick(ctx, agent, id, interval)
		}(id, sched.Interval())
	}
	s.mu.RUnlock()

	wg.Wait()
}

func (s *Service) tick(ctx context.Context, agent MasterAgent, moduleID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runTick(ctx, agent, moduleID); err != nil && !errors.Is(err, ErrModuleDisabled) {
				s.logger.Warn("scheduled run failed", "module_id", moduleID, "error", err)
			}
		}
	}
}

func (s *Service) runTick(ctx context.Context, agent MasterAgent, moduleID string) error {
	m, err := s.lookup(moduleID)
	if err != nil {
		return err
	}
	sched, ok := m.(Scheduled)
	if !ok {
		return fmt.Errorf("%w: %s (schedule)", ErrNoHandler, moduleID)
	}
	return sched.Tick(ctx, agent)
}
