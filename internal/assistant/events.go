// Package assistant defines the abstract event stream consumed from the
// external interactive assistant CLI (spec.md §6.2). The wire format itself
// is out of scope; the core only consumes an already-parsed Go channel of
// these tagged events.
package assistant

// Kind tags an Event's variant.
type Kind string

const (
	KindAssistantText    Kind = "assistant"
	KindToolUse          Kind = "tool_use"
	KindToolResult       Kind = "tool_result"
	KindResult           Kind = "result"
	KindTodoWrite        Kind = "todo_write"
	KindAskUserQuestion  Kind = "ask_user_question"
	KindPlanApproval     Kind = "plan_approval"
	KindActionApproval   Kind = "action_approval"
	KindSubagentStart    Kind = "subagent_start"
	KindSubagentUpdate   Kind = "subagent_update"
	KindSubagentComplete Kind = "subagent_complete"
	KindStatusUpdate     Kind = "status_update"
	KindInit             Kind = "init"
	KindError            Kind = "error"
	KindUnknown          Kind = "unknown"
)

// TaskItem mirrors spec.md §3 "Task item".
type TaskItem struct {
	Content    string     `json:"content"`
	Status     TaskStatus `json:"status"`
	ActiveForm string     `json:"active_form"`
}

// TaskStatus is the status enum of a TaskItem.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// Question is one multiple-choice question in an ask_user_question event.
type Question struct {
	Header   string   `json:"header"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// SubagentInfo describes a subagent_start/update event payload.
type SubagentInfo struct {
	ToolUseID   string
	Description string
	Type        string
}

// StatusUpdate carries model/usage telemetry (spec.md §6.2).
type StatusUpdate struct {
	Model         string
	Tokens        int64
	CostUSD       float64
	ContextWindow int64
}

// Event is a single tagged event from the assistant event stream.
type Event struct {
	Kind Kind

	// KindAssistantText / KindToolResult
	Text string

	// KindToolUse / KindToolResult / subagent events
	ToolUseID string
	ToolName  string

	// KindResult
	ResultSummary string

	// KindTodoWrite
	Tasks []TaskItem

	// KindAskUserQuestion
	Questions []Question

	// KindPlanApproval / KindActionApproval
	ApprovalDescription string

	// KindSubagentStart / KindSubagentUpdate / KindSubagentComplete
	Subagent SubagentInfo

	// KindStatusUpdate
	Status StatusUpdate

	// KindInit
	AvailableSlashCommands []string

	// KindError
	Err error
}

// Stream is the channel of events a running assistant session emits.
// Unknown events are logged and ignored by the consumer per spec.md §6.2.
type Stream <-chan Event
