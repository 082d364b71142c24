package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	iface "EggDetServer/interface"
)

// Serialized 保护不支持并发调用的检测器，并记录它的工作状态
type Serialized struct {
	inner iface.Detector

	mu        sync.Mutex
	stateMu   sync.RWMutex
	state     int
	lastError error
	calls     int
}

// Serialize 包装 d，同一时间最多只有一个 Detect 在运行
func Serialize(d iface.Detector) *Serialized {
	return &Serialized{inner: d, state: IDLE}
}

func (s *Serialized) Detect(ctx context.Context, req iface.DetectRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.setState(BUSY, nil)
	err := s.inner.Detect(ctx, req)
	if err != nil {
		s.setState(ERROR, err)
		return err
	}
	s.setState(IDLE, nil)
	return nil
}

func (s *Serialized) setState(state int, err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
	s.lastError = err
	if state == BUSY {
		s.calls++
	}
}

// State 返回 IDLE、BUSY 或 ERROR，以及最近一次失败调用的错误
func (s *Serialized) State() (int, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state, s.lastError
}

// Calls returns how many detections were attempted.
func (s *Serialized) Calls() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.calls
}

func (s *Serialized) Name() string { return s.inner.Name() }

func (s *Serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}

// Registry maps model names to detectors.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Serialized
	def    string
	log    *zap.Logger
}

// NewRegistry returns an empty registry whose fallback model is def.
func NewRegistry(def string, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{models: make(map[string]*Serialized), def: def, log: log}
}

// Register adds d under name. Names must be unique.
func (r *Registry) Register(name string, d iface.Detector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[name]; ok {
		return errors.Errorf("model %q registered twice", name)
	}
	r.models[name] = Serialize(d)
	r.log.Info("model registered", zap.String("model", name), zap.String("detector", d.Name()))
	return nil
}

// Get resolves name, falling back to the default model for names that are
// not registered. It fails with ErrUnknownModel only if the default model
// is missing too.
func (r *Registry) Get(name string) (iface.Detector, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.models[name]; ok {
		return d, name, nil
	}
	if name != "" {
		r.log.Warn("unknown model, using default", zap.String("model", name), zap.String("default", r.def))
	}
	if d, ok := r.models[r.def]; ok {
		return d, r.def, nil
	}
	return nil, "", errors.Wrapf(ErrUnknownModel, "%q and default %q", name, r.def)
}

// Names lists the registered models in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.Keys(r.models)
	sort.Strings(names)
	return names
}

// Default returns the fallback model name.
func (r *Registry) Default() string {
	return r.def
}

// Ready fails with ErrUnknownModel when the default model is not registered,
// for instance because its engine was not compiled in.
func (r *Registry) Ready() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.models[r.def]; !ok {
		return errors.Wrapf(ErrUnknownModel, "default model %q is not available", r.def)
	}
	return nil
}

// Close releases every registered detector.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for name, d := range r.models {
		err = multierr.Append(err, errors.Wrapf(d.Close(), "close model %s", name))
	}
	r.models = make(map[string]*Serialized)
	return err
}

// Build constructs a detector for every spec and registers it. Specs whose
// engine is not compiled into the binary are skipped with a warning.
func Build(specs []ModelSpec, def string, log *zap.Logger) (*Registry, error) {
	r := NewRegistry(def, log)
	for _, spec := range specs {
		d, err := New(spec, log)
		if errors.Is(err, ErrEngineUnavailable) {
			r.log.Warn("model skipped", zap.String("model", spec.Name), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, multierr.Append(errors.Wrapf(err, "model %s", spec.Name), r.Close())
		}
		if err := r.Register(spec.Name, d); err != nil {
			return nil, multierr.Append(err, multierr.Append(d.Close(), r.Close()))
		}
	}
	return r, nil
}

// New constructs the detector described by spec.
func New(spec ModelSpec, log *zap.Logger) (iface.Detector, error) {
	switch spec.Engine {
	case EngineRemote:
		return NewRemoteDetector(spec.Name, spec.URL)
	case EngineReplay:
		return NewReplayDetector(spec.Name, spec.Path)
	case EngineOpenCV:
		return NewOpenCVDetector(spec, log)
	default:
		return nil, errors.Errorf("unsupported engine %q", spec.Engine)
	}
}
