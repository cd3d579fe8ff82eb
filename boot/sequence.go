// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"context"
	"fmt"
	"log"
)

// Sequencer drives a boot from a bare initramfs to the switched root. Each
// stage either succeeds and advances the state machine or routes the boot
// into the rescue shell with the failing stage attached to the error.
type Sequencer struct {
	Mounter Mounter
	Rescue  *Rescue
	State   *BootState

	// OnVirtFSMounted runs once the virtual file systems are available,
	// before any other stage. Used to attach the kernel log writer, which
	// needs /dev to exist.
	OnVirtFSMounted func()

	// Seams for tests; nil picks the real implementation.
	MountVFS         func(m Mounter, plan *MountPlan) error
	ReadCmdline      func() (string, error)
	LoadKernelMods   func() error
	ConfigureNetwork func(ctx context.Context, ipSpec string) error
	StartNetwork     func(ctx context.Context, ipSpec string) *NetworkTask
	NewAssembler     func(cfg *BootConfig, state *BootState, m Mounter) *Assembler
	NewHandoff       func(m Mounter) *Handoff
}

// NewSequencer wires a [Sequencer] from real components.
func NewSequencer() *Sequencer {
	return &Sequencer{
		Mounter: SysMounter{},
		Rescue:  NewRescue(),
		State:   &BootState{},
	}
}

// Run executes the boot sequence. On success it does not return since the
// final stage replaces the process image. A returned error means the boot
// failed terminally and even the rescue shell is gone.
func (s *Sequencer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.mountVFS(); err != nil {
		return s.fail(StageVirtFSMounted, nil, err)
	}

	s.advance(StageVirtFSMounted, nil)

	if s.OnVirtFSMounted != nil {
		s.OnVirtFSMounted()
	}

	cfg, err := s.parseCmdline()
	if err != nil {
		return s.fail(StageCmdlineParsed, nil, err)
	}

	s.advance(StageCmdlineParsed, cfg)

	s.breakpoint(cfg, StageModulesLoaded)

	// Missing or broken modules surface later as missing devices;
	// loading itself is best effort.
	if err := s.loadKernelMods(); err != nil {
		log.Print("INFO module loading: ", err.Error())
	}

	s.advance(StageModulesLoaded, cfg)

	netTask, err := s.setupNetwork(ctx, cfg)
	if err != nil {
		return s.fail(StageNetworkReady, cfg, err)
	}

	// failDrain stops and awaits the background network helper before the
	// rescue shell takes over, so a failed boot does not leak it.
	failDrain := func(stage Stage, err error) error {
		cancel()

		if netTask != nil {
			if werr := netTask.Wait(); werr != nil {
				log.Print("INFO network setup stopped: ", werr.Error())
			}

			netTask = nil
		}

		return s.fail(stage, cfg, err)
	}

	s.breakpoint(cfg, StageRootAcquired)

	assembler := s.newAssembler(cfg)

	if err := assembler.Acquire(ctx); err != nil {
		return failDrain(StageRootAcquired, err)
	}

	s.advance(StageRootAcquired, cfg)

	s.breakpoint(cfg, StageRootMounted)

	if err := assembler.MountRoot(ctx); err != nil {
		return failDrain(StageRootMounted, err)
	}

	s.advance(StageRootMounted, cfg)

	s.breakpoint(cfg, StageFSMoved)

	// A still-running best effort network setup must settle before the
	// process is replaced, but its failure never blocks the handoff.
	if netTask != nil {
		if err := netTask.Wait(); err != nil {
			log.Print("ERROR network setup: ", err.Error())
		}

		netTask = nil
	}

	handoff := s.newHandoff()

	initPath, err := ResolveInit(handoff.NewRoot, cfg.Init)
	if err != nil {
		return failDrain(StageFSMoved, err)
	}

	s.State.InitPath = initPath
	s.State.RunCleanup()

	if err := handoff.MoveMounts(&s.State.Plan); err != nil {
		return failDrain(StageFSMoved, err)
	}

	s.advance(StageFSMoved, cfg)

	if err := handoff.Switch(initPath); err != nil {
		return failDrain(StageSwitchedRoot, err)
	}

	// Reachable only with a stubbed exec.
	s.advance(StageSwitchedRoot, cfg)

	return nil
}

// setupNetwork brings the network up if the configuration asks for it. For
// network-backed roots the setup is synchronous and its error fatal; for
// everything else it runs in the background and the returned task is awaited
// right before handoff.
func (s *Sequencer) setupNetwork(ctx context.Context, cfg *BootConfig) (*NetworkTask, error) {
	if !cfg.NeedsNetwork() {
		// NetworkReady is skipped entirely.
		return nil, nil
	}

	s.breakpoint(cfg, StageNetworkReady)

	if s.networkRequired(cfg) {
		// A network-backed root without an explicit ip= defaults to DHCP.
		ipSpec := cfg.IP
		if ipSpec == "" {
			ipSpec = "dhcp"
		}

		if err := s.configureNetwork(ctx, ipSpec); err != nil {
			return nil, err
		}

		s.advance(StageNetworkReady, cfg)

		return nil, nil
	}

	task := s.startNetwork(ctx, cfg.IP)

	s.advance(StageNetworkReady, cfg)

	return task, nil
}

// networkRequired reports whether the root itself depends on the network.
func (s *Sequencer) networkRequired(cfg *BootConfig) bool {
	if cfg.Strategy() == StrategyNetwork {
		return true
	}

	return cfg.Squashfs.IsHTTP() || cfg.Squashfs.IsNFS()
}

// breakpoint runs the resumable break= shell if the stage's checkpoint is
// scheduled. It runs before the stage's work so the operator can intervene.
func (s *Sequencer) breakpoint(cfg *BootConfig, stage Stage) {
	name := stage.CheckpointName()
	if name == "" || !cfg.BreakAt(name) {
		return
	}

	if err := s.rescue().Break(name); err != nil {
		log.Print("ERROR breakpoint shell: ", err.Error())
	}
}

func (s *Sequencer) advance(next Stage, cfg *BootConfig) {
	if err := s.State.Advance(next); err != nil {
		// Transition tables and the sequence above are maintained
		// together; a mismatch is a programming error.
		panic(err)
	}

	if cfg != nil && cfg.Debug {
		log.Print("INFO stage ", next.String())
	}
}

// fail records the failing stage, reports it and enters the rescue shell.
// The returned error is terminal; it is only seen if no shell could be
// spawned.
func (s *Sequencer) fail(stage Stage, cfg *BootConfig, err error) error {
	stageErr := &StageError{Stage: stage, Err: err}

	log.Print("ERROR ", stageErr.Error())

	if advErr := s.State.Advance(StageRescueShell); advErr != nil {
		return fmt.Errorf("%w (additionally: %v)", stageErr, advErr)
	}

	if shellErr := s.rescue().Fail(stageErr); shellErr != nil {
		return fmt.Errorf("%w (additionally: %v)", stageErr, shellErr)
	}

	return stageErr
}

func (s *Sequencer) rescue() *Rescue {
	if s.Rescue != nil {
		return s.Rescue
	}

	return NewRescue()
}

func (s *Sequencer) mountVFS() error {
	if s.MountVFS != nil {
		return s.MountVFS(s.Mounter, &s.State.Plan)
	}

	return MountVirtualFS(s.Mounter, &s.State.Plan)
}

func (s *Sequencer) parseCmdline() (*BootConfig, error) {
	read := s.ReadCmdline
	if read == nil {
		read = ReadProcCmdline
	}

	raw, err := read()
	if err != nil {
		return nil, err
	}

	return ParseCmdline(raw)
}

func (s *Sequencer) loadKernelMods() error {
	if s.LoadKernelMods != nil {
		return s.LoadKernelMods()
	}

	return LoadModules(DefaultModulesGlob)
}

func (s *Sequencer) configureNetwork(ctx context.Context, ipSpec string) error {
	if s.ConfigureNetwork != nil {
		return s.ConfigureNetwork(ctx, ipSpec)
	}

	return ConfigureNetwork(ctx, ipSpec)
}

func (s *Sequencer) startNetwork(ctx context.Context, ipSpec string) *NetworkTask {
	if s.StartNetwork != nil {
		return s.StartNetwork(ctx, ipSpec)
	}

	return StartNetwork(ctx, ipSpec)
}

func (s *Sequencer) newAssembler(cfg *BootConfig) *Assembler {
	if s.NewAssembler != nil {
		return s.NewAssembler(cfg, s.State, s.Mounter)
	}

	return NewAssembler(cfg, s.State, s.Mounter)
}

func (s *Sequencer) newHandoff() *Handoff {
	if s.NewHandoff != nil {
		return s.NewHandoff(s.Mounter)
	}

	return NewHandoff(s.Mounter)
}
