//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"forge/internal/action"
	"forge/internal/logging"
)

// linuxSandbox isolates with namespaces (PID, mount, net, IPC, UTS, and
// user namespaces when running unprivileged) and enforces resource limits
// through cgroup v2 when the unified hierarchy is writable. When
// namespaces are unavailable it degrades to the fallback sandbox.
type linuxSandbox struct {
	useNamespaces bool
	useCgroups    bool
	cgroupPath    string
}

func platformSandbox() Sandbox {
	s := &linuxSandbox{cgroupPath: "/sys/fs/cgroup"}
	s.useNamespaces = os.Getuid() == 0 || canUseUserNamespaces()
	s.useCgroups = s.detectCgroupV2()
	if !s.useNamespaces {
		logging.Get(logging.CategorySandbox).Warn("namespaces unavailable, using best-effort sandbox")
		return &fallbackSandbox{}
	}
	return s
}

func (s *linuxSandbox) Name() string { return "linux-namespace" }

func (s *linuxSandbox) Prepare(spec *Spec) (Environment, error) {
	scratch, err := prepareScratch(spec)
	if err != nil {
		return nil, err
	}

	env := &baseEnvironment{
		spec:     spec,
		scratch:  scratch,
		hermetic: true,
	}

	networkIsolated := len(spec.NetworkEndpoints) == 0

	env.configure = func(cmd *exec.Cmd) {
		flags := uintptr(syscall.CLONE_NEWPID | syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
		if networkIsolated {
			flags |= syscall.CLONE_NEWNET
		}
		if os.Getuid() != 0 {
			flags |= syscall.CLONE_NEWUSER
			cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{
				{ContainerID: 0, HostID: os.Getuid(), Size: 1},
			}
			cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{
				{ContainerID: 0, HostID: os.Getgid(), Size: 1},
			}
		}
		cmd.SysProcAttr.Cloneflags = flags
	}

	if s.useCgroups && hasLimits(spec.Limits) {
		cg := newCgroup(s.cgroupPath, fmt.Sprintf("forge_%d_%d", os.Getpid(), time.Now().UnixNano()))
		if err := cg.setup(spec.Limits); err != nil {
			// Limits become advisory; isolation still holds.
			logging.Get(logging.CategorySandbox).Warn("cgroup setup failed: %v", err)
		} else {
			env.postStart = func(cmd *exec.Cmd) error {
				return cg.addProcess(cmd.Process.Pid)
			}
			env.cleanup = func() { cg.teardown() }
		}
	}

	logging.Get(logging.CategorySandbox).Debug("prepared namespace sandbox (net_isolated=%v)", networkIsolated)
	return env, nil
}

func hasLimits(l action.ResourceLimits) bool {
	return l.MaxMemoryBytes > 0 || l.MaxCPUTime > 0 || l.MaxProcesses > 0
}

func (s *linuxSandbox) detectCgroupV2() bool {
	if _, err := os.Stat(filepath.Join(s.cgroupPath, "cgroup.controllers")); err != nil {
		return false
	}
	probe := filepath.Join(s.cgroupPath, "forge_probe_"+strconv.Itoa(os.Getpid()))
	if err := os.MkdirAll(probe, 0755); err != nil {
		return false
	}
	os.RemoveAll(probe)
	return true
}

// canUseUserNamespaces checks whether unprivileged user namespaces work.
func canUseUserNamespaces() bool {
	if data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		return strings.TrimSpace(string(data)) == "1"
	}
	// Kernels without the knob: probe with a trivial clone.
	cmd := exec.Command("/proc/self/exe", "--forge-userns-probe")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
	}
	if err := cmd.Start(); err != nil {
		return false
	}
	cmd.Process.Kill()
	cmd.Wait()
	return true
}

// cgroup manages one cgroup v2 directory per execution.
type cgroup struct {
	dir string
}

func newCgroup(base, name string) *cgroup {
	return &cgroup{dir: filepath.Join(base, name)}
}

func (c *cgroup) setup(limits action.ResourceLimits) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	if limits.MaxMemoryBytes > 0 {
		if err := os.WriteFile(filepath.Join(c.dir, "memory.max"),
			[]byte(strconv.FormatInt(limits.MaxMemoryBytes, 10)), 0644); err != nil {
			return err
		}
	}
	if limits.MaxProcesses > 0 {
		os.WriteFile(filepath.Join(c.dir, "pids.max"),
			[]byte(strconv.Itoa(limits.MaxProcesses)), 0644)
	}
	if limits.MaxCPUTime > 0 {
		// Bandwidth throttle: half a period per period keeps a runaway
		// spin from starving the host while the timeout does the real
		// enforcement.
		os.WriteFile(filepath.Join(c.dir, "cpu.max"), []byte("50000 100000"), 0644)
	}
	return nil
}

func (c *cgroup) addProcess(pid int) error {
	return os.WriteFile(filepath.Join(c.dir, "cgroup.procs"),
		[]byte(strconv.Itoa(pid)), 0644)
}

func (c *cgroup) teardown() {
	// Kill stragglers before removing.
	if data, err := os.ReadFile(filepath.Join(c.dir, "cgroup.procs")); err == nil {
		for _, pidStr := range strings.Fields(string(data)) {
			if pid, err := strconv.Atoi(pidStr); err == nil && pid > 0 {
				syscall.Kill(pid, syscall.SIGKILL)
			}
		}
	}
	os.RemoveAll(c.dir)
}
