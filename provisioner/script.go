// Package provisioner runs the external provisioning and deprovisioning
// scripts as detached processes.
package provisioner

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	didauth "github.com/goliatone/go-didauth"
)

// ScriptProvisioner implements didauth.Provisioner with shell scripts. The
// child runs in its own session so it outlives the control plane.
type ScriptProvisioner struct {
	scripts map[didauth.Phase]string
	shell   string
	dir     string
	env     []string
	logDir  string
	grace   time.Duration
	logger  didauth.Logger
}

// DefaultOutputGrace bounds how long an exit is held back while the output
// forwarders catch up
const DefaultOutputGrace = 2 * time.Second

var _ didauth.Provisioner = (*ScriptProvisioner)(nil)

// Option customizes the provisioner
type Option func(*ScriptProvisioner)

// WithShell sets the interpreter used to run scripts, "sh" by default
func WithShell(shell string) Option {
	return func(p *ScriptProvisioner) {
		if shell != "" {
			p.shell = shell
		}
	}
}

// WithWorkDir sets the working directory of the scripts
func WithWorkDir(dir string) Option {
	return func(p *ScriptProvisioner) {
		p.dir = dir
	}
}

// WithEnv adds KEY=value pairs on top of the inherited environment
func WithEnv(env ...string) Option {
	return func(p *ScriptProvisioner) {
		p.env = append(p.env, env...)
	}
}

// WithLogDir writes script output to <dir>/<phase>-<instance>.log instead of
// forwarding it to the logger. The script then keeps no pipe to the control
// plane and survives its restarts without SIGPIPE.
func WithLogDir(dir string) Option {
	return func(p *ScriptProvisioner) {
		p.logDir = dir
	}
}

// WithOutputGrace sets how long the exit is held back for trailing output.
// A script that leaves a background child holding its stdout open still
// reports its exit code once the grace expires.
func WithOutputGrace(d time.Duration) Option {
	return func(p *ScriptProvisioner) {
		if d >= 0 {
			p.grace = d
		}
	}
}

// WithLogger sets the logger script output is forwarded to
func WithLogger(logger didauth.Logger) Option {
	return func(p *ScriptProvisioner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New returns a provisioner for the given scripts
func New(provisionScript, deprovisionScript string, opts ...Option) *ScriptProvisioner {
	p := &ScriptProvisioner{
		scripts: map[didauth.Phase]string{
			didauth.PhaseProvision:   provisionScript,
			didauth.PhaseDeprovision: deprovisionScript,
		},
		shell:  "sh",
		grace:  DefaultOutputGrace,
		logger: nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start launches the script for spec.Phase. The context only bounds the
// launch, cancelling it later does not stop the script.
func (p *ScriptProvisioner) Start(ctx context.Context, spec didauth.ProvisionSpec) (didauth.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	script := p.scripts[spec.Phase]
	if script == "" {
		return nil, ErrNoScript
	}

	cmd := exec.Command(p.shell, script)
	cmd.Dir = p.dir
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Env = append(cmd.Env, spec.Env()...)
	cmd.SysProcAttr = detachedProcAttr()

	out, err := p.openOutput(spec)
	if err != nil {
		return nil, err
	}
	cmd.Stdout, cmd.Stderr = out.stdout, out.stderr

	if err := cmd.Start(); err != nil {
		out.closeWriters()
		out.closeReaders()
		return nil, err
	}
	// the child holds its own copies of the write ends
	out.closeWriters()

	h := &handle{
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	drained := make(chan struct{}, len(out.readers))
	for _, r := range out.readers {
		go p.forward(spec, r.name, r.file, drained)
	}

	go func() {
		// Wait does not depend on the readers, a background child holding
		// the pipe open cannot hide the exit code
		code, err := exitCode(cmd.Wait())
		out.awaitDrain(drained, p.grace)
		h.code, h.err = code, err
		close(h.done)
	}()

	return h, nil
}

type stream struct {
	name string
	file *os.File
}

// scriptOutput holds the parent side of the child's stdout and stderr
type scriptOutput struct {
	stdout  *os.File
	stderr  *os.File
	readers []stream
}

func (p *ScriptProvisioner) openOutput(spec didauth.ProvisionSpec) (*scriptOutput, error) {
	if p.logDir != "" {
		f, err := os.OpenFile(filepath.Join(p.logDir, logFileName(spec)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, err
		}
		return &scriptOutput{stdout: f, stderr: f}, nil
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	return &scriptOutput{
		stdout:  outW,
		stderr:  errW,
		readers: []stream{{name: "stdout", file: outR}, {name: "stderr", file: errR}},
	}, nil
}

func (o *scriptOutput) closeWriters() {
	o.stdout.Close()
	if o.stderr != o.stdout {
		o.stderr.Close()
	}
}

func (o *scriptOutput) closeReaders() {
	for _, r := range o.readers {
		r.file.Close()
	}
}

func (o *scriptOutput) awaitDrain(drained <-chan struct{}, grace time.Duration) {
	if len(o.readers) == 0 {
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for range o.readers {
		select {
		case <-drained:
		case <-timer.C:
			return
		}
	}
}

func logFileName(spec didauth.ProvisionSpec) string {
	name := spec.InstanceID
	if name == "" {
		name = strings.NewReplacer(":", "_", "/", "_").Replace(spec.DID)
	}
	return string(spec.Phase) + "-" + name + ".log"
}

// forward logs the stream line by line until every holder of the write end
// is gone, which may be after the script itself exited
func (p *ScriptProvisioner) forward(spec didauth.ProvisionSpec, name string, r *os.File, drained chan<- struct{}) {
	defer func() {
		r.Close()
		drained <- struct{}{}
	}()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if name == "stderr" {
			p.logger.Warn("[%s %s %s] %s", spec.Phase, spec.DID, name, scanner.Text())
			continue
		}
		p.logger.Info("[%s %s %s] %s", spec.Phase, spec.DID, name, scanner.Text())
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode(), nil
	}

	return -1, err
}

type handle struct {
	pid  int
	done chan struct{}
	code int
	err  error
}

func (h *handle) PID() int {
	return h.pid
}

func (h *handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.code, h.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// ErrNoScript is returned when no script is configured for a phase
var ErrNoScript = errors.New("provisioner: no script configured for phase")

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
