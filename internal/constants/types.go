package constants

// Protection modes for registry entries.
const (
	ProtectionApprovalOnly      = "approval-only"
	ProtectionDelegatedApproval = "delegated-approval"
)

// Record kinds. Each kind signs with its own derived subkey.
const (
	KindTool   = "tool"
	KindCommit = "commit"
	KindBypass = "bypass"
)

// Reserved phrases bound to the commit and bypass flows.
const (
	PhraseCommit = "COMMIT"
	PhraseBypass = "BYPASS"
)

// Pseudo targets used when signing commit and bypass records.
const (
	CommitServer = "git"
	CommitTool   = "commit"
	BypassServer = "command-guard"
	BypassTool   = "bypass"
)

// Gate decisions.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Hook exit codes.
const (
	ExitAllow = 0
	ExitError = 1
	ExitBlock = 2
)
