package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/metavm/manifest"
	"github.com/chazu/metavm/vm"
	"github.com/chazu/metavm/vm/hotpath"
	"github.com/chazu/metavm/vm/profile"
	"github.com/chazu/metavm/vm/record"
	"github.com/chazu/metavm/vm/sample"
	"github.com/chazu/metavm/vm/trace"
)

// session is one interpreter with its tracing tier wired from the
// configuration.
type session struct {
	universe *vm.Universe
	in       *vm.Interpreter
	executor *trace.Interpreter
	tracer   *hotpath.Tracer
	profiler *hotpath.Profiler
	store    profile.Store
}

// openStore opens the configured profile store, creating its parent
// directory when needed.
func openStore(m *manifest.Manifest) (profile.Store, error) {
	path := m.ProfilePath()
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("cannot create profile directory: %w", err)
		}
	}
	return profile.Open(m.Profile.Backend, path)
}

// newSession builds the interpreter. A nil policy leaves the baseline
// interpreter unprofiled.
func newSession(m *manifest.Manifest, policy hotpath.Policy) (*session, error) {
	s := &session{universe: vm.NewUniverse()}
	s.in = vm.NewInterpreter(s.universe, nil)
	s.in.MaxDepth = m.Interpreter.MaxDepth
	if policy == nil {
		return s, nil
	}

	store, err := openStore(m)
	if err != nil {
		return nil, err
	}
	s.store = store

	rec := record.New()
	rec.MaxLength = m.Tracer.MaxTraceLength
	s.executor = trace.NewInterpreter(s.in)
	s.executor.MaxIterations = m.Tracer.MaxIterations

	s.tracer = hotpath.NewTracer(rec, s.executor, policy)
	s.tracer.MaxFailures = m.Tracer.MaxFailures
	s.profiler = hotpath.NewProfiler(s.tracer, store)
	s.in.Profiler = s.profiler
	return s, nil
}

func (s *session) sample(name string) (*sample.Sample, error) {
	smp, ok := sample.Find(s.universe, name)
	if !ok {
		return nil, fmt.Errorf("unknown sample %q (see 'metavm disasm --list')", name)
	}
	return smp, nil
}

// close persists anchor counters and closes the store.
func (s *session) close() error {
	if s.store == nil {
		return nil
	}
	err := s.profiler.Persist(s.store)
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}
