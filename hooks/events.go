package hooks

import (
	"time"

	"github.com/INLOpen/nexusdoc/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Document lifecycle
	EventPreWrite   EventType = "PreWrite"
	EventPostWrite  EventType = "PostWrite"
	EventPreDelete  EventType = "PreDelete"
	EventPostDelete EventType = "PostDelete"

	// Durability
	EventPostWALRotate   EventType = "PostWALRotate"
	EventPostWALRecovery EventType = "PostWALRecovery"
	EventPostCheckpoint  EventType = "PostCheckpoint"
	EventPreCompaction   EventType = "PreCompaction"
	EventPostCompaction  EventType = "PostCompaction"

	// Cache
	EventOnCacheHit      EventType = "OnCacheHit"
	EventOnCacheMiss     EventType = "OnCacheMiss"
	EventOnCacheEviction EventType = "OnCacheEviction"

	// Indexes
	EventPostIndexBuild      EventType = "PostIndexBuild"
	EventPostUniqueViolation EventType = "PostUniqueViolation"

	// Engine lifecycle
	EventPreStartEngine  EventType = "PreStartEngine"
	EventPostStartEngine EventType = "PostStartEngine"
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"
)

// PreWritePayload carries the document about to be logged. Listeners may
// modify Document in place; returning an error rejects the write.
type PreWritePayload struct {
	Document *core.Document
}

func NewPreWriteEvent(payload PreWritePayload) HookEvent {
	return &BaseEvent{eventType: EventPreWrite, payload: payload}
}

type PostWritePayload struct {
	Document *core.Document
	SeqNum   uint64
	Created  bool
}

func NewPostWriteEvent(payload PostWritePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWrite, payload: payload}
}

type PreDeletePayload struct {
	Collection string
	DocID      string
}

func NewPreDeleteEvent(payload PreDeletePayload) HookEvent {
	return &BaseEvent{eventType: EventPreDelete, payload: payload}
}

type PostDeletePayload struct {
	Collection string
	DocID      string
	SeqNum     uint64
	Expired    bool
}

func NewPostDeleteEvent(payload PostDeletePayload) HookEvent {
	return &BaseEvent{eventType: EventPostDelete, payload: payload}
}

// PostWALRotatePayload describes a segment switch.
type PostWALRotatePayload struct {
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
}

// NewPostWALRotateEvent creates an event for after the WAL has been rotated to a new segment.
func NewPostWALRotateEvent(payload PostWALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: payload}
}

// PostWALRecoveryPayload contains information about a completed WAL recovery.
type PostWALRecoveryPayload struct {
	RecoveredEntriesCount int
	AppliedEntriesCount   int
	LastSeqNum            uint64
	Truncated             bool
	Duration              time.Duration
}

// NewPostWALRecoveryEvent creates an event for after WAL recovery is complete.
func NewPostWALRecoveryEvent(payload PostWALRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRecovery, payload: payload}
}

type PostCheckpointPayload struct {
	Checkpoint     core.Checkpoint
	PurgedSegments int
}

func NewPostCheckpointEvent(payload PostCheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCheckpoint, payload: payload}
}

// PreCompactionPayload names the collection whose data log is about to be rewritten.
type PreCompactionPayload struct {
	Collection   string
	GarbageRatio float64
}

func NewPreCompactionEvent(payload PreCompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCompaction, payload: payload}
}

// PostCompactionPayload reports the bytes read and written by a compaction.
type PostCompactionPayload struct {
	Collection   string
	BytesRead    int64
	BytesWritten int64
	LiveRecords  int
	Duration     time.Duration
}

func NewPostCompactionEvent(payload PostCompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCompaction, payload: payload}
}

// CachePayload contains information for cache-related events.
type CachePayload struct {
	Key string
}

func NewOnCacheHitEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheHit, payload: payload}
}

func NewOnCacheMissEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheMiss, payload: payload}
}

func NewOnCacheEvictionEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheEviction, payload: payload}
}

type PostIndexBuildPayload struct {
	Collection string
	Index      string
	Status     core.IndexStatus
	Documents  int
	Err        error
	Duration   time.Duration
}

func NewPostIndexBuildEvent(payload PostIndexBuildPayload) HookEvent {
	return &BaseEvent{eventType: EventPostIndexBuild, payload: payload}
}

type PostUniqueViolationPayload struct {
	Violation *core.UniqueConstraintError
	// CompensationSeqNum is the undo entry logged for the rejected write.
	CompensationSeqNum uint64
}

func NewPostUniqueViolationEvent(payload PostUniqueViolationPayload) HookEvent {
	return &BaseEvent{eventType: EventPostUniqueViolation, payload: payload}
}

type EngineLifecyclePayload struct {
	DataDir string
}

func NewPreStartEngineEvent(payload EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreStartEngine, payload: payload}
}

func NewPostStartEngineEvent(payload EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostStartEngine, payload: payload}
}

func NewPreCloseEngineEvent(payload EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreCloseEngine, payload: payload}
}

func NewPostCloseEngineEvent(payload EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostCloseEngine, payload: payload}
}
