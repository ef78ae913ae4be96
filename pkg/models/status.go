package models

// Deliverable states.
const (
	DeliverableOpen          = "OPEN"
	DeliverableInitialized   = "INITIALIZED"
	DeliverableSemanticReady = "SEMANTIC_READY"
	DeliverableInProgress    = "IN_PROGRESS"
	DeliverableChecking      = "CHECKING"
	DeliverableIssued        = "ISSUED"
)

// Session states.
const (
	SessionCreated   = "CREATED"
	SessionActive    = "ACTIVE"
	SessionPaused    = "PAUSED"
	SessionCompleted = "COMPLETED"
	SessionFailed    = "FAILED"
	SessionCancelled = "CANCELLED"
)

// Agent types.
const (
	AgentArchitect = "ARCHITECT"
	AgentPersona   = "PERSONA"
	AgentTask      = "TASK"
)

// Review outcomes.
const (
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
)

// Error kinds carried in Error.Kind.
const (
	KindInvalidTransition       = "InvalidTransition"
	KindTransitionNotAuthorized = "TransitionNotAuthorized"
	KindConcurrentModification  = "ConcurrentModification"
	KindSessionTerminated       = "SessionTerminated"
	KindWriteDenied             = "WriteDenied"
	KindBranchMismatch          = "BranchMismatch"
	KindTurnSealFailure         = "TurnSealFailure"
	KindNotFound                = "NotFound"
	KindContractViolation       = "ContractViolation"
	KindSessionPaused           = "SessionPaused"
	KindStepLimit               = "StepLimit"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultAuditListLimit      = 200
	DefaultSSEChannelBuffer    = 256
)
