package sandbox

import "forge/internal/logging"

// fallbackSandbox is the reduced-guarantee implementation used when the
// platform offers no real isolation primitive: declared paths are
// prepared, output capture and timeout/process-group kill are enforced,
// but nothing stops an ill-behaved action from reading outside its
// declared inputs. Environments report Hermetic()=false so strict mode
// can refuse them.
type fallbackSandbox struct{}

func (s *fallbackSandbox) Name() string { return "fallback" }

func (s *fallbackSandbox) Prepare(spec *Spec) (Environment, error) {
	scratch, err := prepareScratch(spec)
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategorySandbox).Debug("prepared best-effort sandbox")
	return &baseEnvironment{
		spec:     spec,
		scratch:  scratch,
		hermetic: false,
	}, nil
}
