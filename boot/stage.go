// SPDX-FileCopyrightText: 2026 The initseq authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

// Stage is a state of the boot sequencer. Transitions are strictly forward,
// except for [StageRescueShell] which is reachable from every non-terminal
// stage.
type Stage int

// Boot stages in execution order.
const (
	StageInit Stage = iota
	StageVirtFSMounted
	StageCmdlineParsed
	StageModulesLoaded
	StageNetworkReady
	StageRootAcquired
	StageRootMounted
	StageFSMoved
	StageSwitchedRoot
	StageRescueShell
)

var stageNames = map[Stage]string{
	StageInit:          "Init",
	StageVirtFSMounted: "VirtFSMounted",
	StageCmdlineParsed: "CmdlineParsed",
	StageModulesLoaded: "ModulesLoaded",
	StageNetworkReady:  "NetworkReady",
	StageRootAcquired:  "RootAcquired",
	StageRootMounted:   "RootMounted",
	StageFSMoved:       "FSMoved",
	StageSwitchedRoot:  "SwitchedRoot",
	StageRescueShell:   "RescueShell",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}

	return "Unknown"
}

// Terminal returns true for the two terminal stages.
func (s Stage) Terminal() bool {
	return s == StageSwitchedRoot || s == StageRescueShell
}

// CheckpointName returns the name under which a stage can be requested as a
// break= checkpoint, or an empty string if the stage has no checkpoint.
func (s Stage) CheckpointName() string {
	switch s {
	case StageModulesLoaded:
		return "modules"
	case StageNetworkReady:
		return "network"
	case StageRootAcquired:
		return "acquire"
	case StageRootMounted:
		return "mount"
	case StageFSMoved:
		return "handoff"
	default:
		return ""
	}
}

// CanTransition reports whether moving from s to next is a legal transition.
// The rescue shell is reachable from any non-terminal stage; everything else
// only moves forward one stage at a time, with NetworkReady being skippable.
func (s Stage) CanTransition(next Stage) bool {
	if s.Terminal() {
		return false
	}

	if next == StageRescueShell {
		return true
	}

	if next == s+1 {
		return true
	}

	// The network stage is optional.
	return s == StageModulesLoaded && next == StageRootAcquired
}
