package workflow

// State is a step of the update run.
type State string

const (
	StateStart               State = "start"
	StatePreflightCheck      State = "preflight_check"
	StateDetectCurrentBuild  State = "detect_current_build"
	StateResolveLatestBuild  State = "resolve_latest_build"
	StateDownloadRecovery    State = "download_recovery"
	StatePushRecovery        State = "push_recovery_to_device"
	StateAwaitHumanPatch     State = "await_human_patch"
	StateLocatePatchedFile   State = "locate_patched_file"
	StatePullPatchedFile     State = "pull_patched_file"
	StateRebootToBootloader  State = "reboot_to_bootloader"
	StateAwaitBootloaderMode State = "await_bootloader_mode"
	StateFlashPartitions     State = "flash_partitions"
	StateRebootNormal        State = "reboot_normal"
	StateAwaitNormalBootMode State = "await_normal_boot_mode"
	StateCleanup             State = "cleanup"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

// Sequence lists the states of a successful run in order.
var Sequence = []State{
	StateStart,
	StatePreflightCheck,
	StateDetectCurrentBuild,
	StateResolveLatestBuild,
	StateDownloadRecovery,
	StatePushRecovery,
	StateAwaitHumanPatch,
	StateLocatePatchedFile,
	StatePullPatchedFile,
	StateRebootToBootloader,
	StateAwaitBootloaderMode,
	StateFlashPartitions,
	StateRebootNormal,
	StateAwaitNormalBootMode,
	StateCleanup,
	StateDone,
}

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)
