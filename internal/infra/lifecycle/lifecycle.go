// Package lifecycle — менеджер управляемых подсистем приложения.
// Узлы образуют дерево контекстов: каждый наследует отмену родителя, явные
// зависимости стартуют раньше зависимого узла, остановка идёт в обратном порядке.
package lifecycle

import (
	"context"
	stderrors "errors"
	"slices"
	"sync"

	"wa-instances/internal/infra/logger"

	"github.com/go-faster/errors"
)

// StartFunc запускает узел. ctx отменяется при остановке узла или его предков.
type StartFunc func(ctx context.Context) error

// StopFunc останавливает узел. На момент вызова контекст узла уже отменён.
type StopFunc func(ctx context.Context) error

type nodeStatus int

const (
	statusRegistered nodeStatus = iota
	statusStarting
	statusRunning
	statusStopping
	statusStopped
	statusFailed
)

func (s nodeStatus) String() string {
	switch s {
	case statusRegistered:
		return "registered"
	case statusStarting:
		return "starting"
	case statusRunning:
		return "running"
	case statusStopping:
		return "stopping"
	case statusStopped:
		return "stopped"
	case statusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const rootName = "root"

type node struct {
	name   string
	parent string
	deps   []string

	start StartFunc
	stop  StopFunc

	ctx    context.Context
	cancel context.CancelFunc
	status nodeStatus
	err    error
}

// Manager управляет жизненным циклом узлов. Потокобезопасен.
type Manager struct {
	mu         sync.Mutex
	nodes      map[string]*node
	startOrder []string
}

// New создаёт менеджер с корневым узлом root в состоянии Running.
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{
		nodes: map[string]*node{
			rootName: {name: rootName, ctx: rootCtx, status: statusRunning},
		},
	}
}

// Register добавляет узел name. Пустой parent означает root.
// deps — узлы, которые должны быть запущены раньше.
func (m *Manager) Register(name string, parent string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" || name == rootName {
		return errors.Errorf("lifecycle: invalid node name %q", name)
	}
	if parent == "" {
		parent = rootName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[name]; exists {
		return errors.Errorf("lifecycle: node %q already registered", name)
	}
	if _, ok := m.nodes[parent]; !ok {
		return errors.Errorf("lifecycle: parent %q not found for node %q", parent, name)
	}

	uniqueDeps := slices.Clone(deps)
	slices.Sort(uniqueDeps)
	uniqueDeps = slices.Compact(uniqueDeps)
	uniqueDeps = slices.DeleteFunc(uniqueDeps, func(d string) bool { return d == parent })
	if slices.Contains(uniqueDeps, name) {
		return errors.Errorf("lifecycle: node %q cannot depend on itself", name)
	}

	m.nodes[name] = &node{
		name:   name,
		parent: parent,
		deps:   uniqueDeps,
		start:  start,
		stop:   stop,
		status: statusRegistered,
	}
	return nil
}

// StartAll запускает все узлы с учётом зависимостей. Имена обходятся по алфавиту,
// фактический порядок фиксируется для Shutdown.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		if name != rootName {
			names = append(names, name)
		}
	}
	m.mu.Unlock()
	slices.Sort(names)

	var errs error
	for _, name := range names {
		if err := m.startNode(name); err != nil {
			errs = stderrors.Join(errs, err)
		}
	}
	logger.Debugf("lifecycle start order: %v", m.StartOrder())
	return errs
}

// startNode рекурсивно поднимает родителя и зависимости. Повторный вход в Starting — цикл.
func (m *Manager) startNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists {
		m.mu.Unlock()
		return errors.Errorf("lifecycle: node %q not registered", name)
	}
	switch n.status { //nolint:exhaustive // остальные состояния допускают запуск
	case statusRunning:
		m.mu.Unlock()
		return nil
	case statusStarting:
		m.mu.Unlock()
		return errors.Errorf("lifecycle: detected cycle while starting %q", name)
	case statusFailed:
		err := n.err
		m.mu.Unlock()
		return errors.Wrapf(err, "lifecycle: node %q failed earlier", name)
	}
	n.status = statusStarting
	m.mu.Unlock()

	logger.Debugf("starting node %s", name)

	for _, dep := range append([]string{n.parent}, n.deps...) {
		if err := m.startNode(dep); err != nil {
			m.setNodeFailed(name, err)
			logger.Errorf("failed to start node %s: %v", name, err)
			return err
		}
	}

	parentCtx, err := m.nodeContext(n.parent)
	if err != nil {
		m.setNodeFailed(name, err)
		return err
	}
	childCtx, cancel := context.WithCancel(parentCtx)

	if n.start != nil {
		if err := n.start(childCtx); err != nil {
			cancel()
			err = errors.Wrapf(err, "lifecycle: start %q", name)
			m.setNodeFailed(name, err)
			logger.Errorf("failed to start node %s: %v", name, err)
			return err
		}
	}

	m.mu.Lock()
	n.ctx = childCtx
	n.cancel = cancel
	n.status = statusRunning
	n.err = nil
	if !slices.Contains(m.startOrder, name) {
		m.startOrder = append(m.startOrder, name)
	}
	m.mu.Unlock()

	logger.Debugf("node %s is running", name)
	return nil
}

func (m *Manager) nodeContext(name string) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return nil, errors.Errorf("lifecycle: node %q not registered", name)
	}
	if n.ctx == nil {
		return nil, errors.Errorf("lifecycle: node %q has no context", name)
	}
	return n.ctx, nil
}

// StartOrder возвращает фактический порядок запуска.
func (m *Manager) StartOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.startOrder)
}

// Report возвращает состояние каждого узла, кроме root. Для /health.
func (m *Manager) Report() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	report := make(map[string]string, len(m.nodes)-1)
	for name, n := range m.nodes {
		if name == rootName {
			continue
		}
		report[name] = n.status.String()
	}
	return report
}

// Shutdown останавливает узлы в порядке, обратном старту.
func (m *Manager) Shutdown() error {
	order := m.StartOrder()
	logger.Debugf("shutdown order: %v", order)

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopNode(order[i]); err != nil {
			errs = stderrors.Join(errs, err)
		}
	}
	return errs
}

// stopNode отменяет контекст узла и вызывает StopFunc.
func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists || n.status != statusRunning {
		m.mu.Unlock()
		return nil
	}
	n.status = statusStopping
	cancel, stopFn, nodeCtx := n.cancel, n.stop, n.ctx
	m.mu.Unlock()

	logger.Debugf("stopping node %s", name)
	if cancel != nil {
		cancel()
	}

	var err error
	if stopFn != nil {
		err = stopFn(nodeCtx)
	}

	m.mu.Lock()
	if err != nil {
		n.status = statusFailed
		n.err = err
	} else {
		n.status = statusStopped
	}
	m.mu.Unlock()

	if err != nil {
		logger.Errorf("node %s stopped with error: %v", name, err)
		return errors.Wrapf(err, "lifecycle: stop %q", name)
	}
	logger.Debugf("node %s stopped", name)
	return nil
}

func (m *Manager) setNodeFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok {
		n.status = statusFailed
		n.err = err
	}
}
