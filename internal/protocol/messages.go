// Package protocol defines the JSON message envelopes exchanged between the
// engine, its host collaborators and the operator UI. Every message is a flat
// object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"time"
)

// Type is a message discriminator.
type Type string

// Outbound: engine to host.
const (
	TypeGenerateContentStreaming Type = "generate-content-streaming"
	TypeUserInput                Type = "user-input"
	TypeSaveStageFile            Type = "save-stage-file"
	TypeLoadStageFile            Type = "load-stage-file"
	TypeCaptureScreenshot        Type = "capture-screenshot"
	TypeAppendBuildLog           Type = "append-build-log"
	TypeResetTokenUsage          Type = "reset-token-usage"
	TypeEngineState              Type = "engine-state"
)

// Inbound: host to engine.
const (
	TypeStreamUpdate       Type = "stream-update"
	TypeStageFileLoaded    Type = "stage-file-loaded"
	TypeStageFileSaved     Type = "stage-file-saved"
	TypeRetryReady         Type = "retry-ready"
	TypeScreenshotCaptured Type = "screenshot-captured"
	TypeScreenshotError    Type = "screenshot-error"
	TypeUsageUpdate        Type = "usage-update"
	TypeBuildState         Type = "build-state"
)

// Operator commands: UI to engine. retry-generation is also forwarded to the
// host with the project filled in.
const (
	TypeOpenProject     Type = "open-project"
	TypeNavigate        Type = "navigate"
	TypeEditStage       Type = "edit-stage"
	TypeSaveStage       Type = "save-stage"
	TypeGenerate        Type = "generate"
	TypeChat            Type = "chat"
	TypeRetryGeneration Type = "retry-generation"
	TypeStartLoop       Type = "start-loop"
	TypeNextStep        Type = "next-step"
	TypeApprove         Type = "approve"
	TypeStopLoop        Type = "stop-loop"
	TypeRetryCapture    Type = "retry-capture"
	TypeResetUsage      Type = "reset-usage"
	TypeAddRole         Type = "add-role"
	TypeRemoveRole      Type = "remove-role"
)

// Message is implemented by every envelope.
type Message interface {
	MessageType() Type
}

// EntryType classifies a build log entry.
type EntryType string

const (
	EntryUser      EntryType = "user"
	EntryAssistant EntryType = "assistant"
	EntrySystem    EntryType = "system"
	EntryError     EntryType = "error"
)

// BuildLogEntry is one append-only log record.
type BuildLogEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      EntryType         `json:"type"`
	Stage     string            `json:"stage"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Usage mirrors the token counters.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// ---- outbound ----

// GenerateContentStreaming asks the host to stream a generation for a stage.
// Seq is echoed on every resulting stream-update.
type GenerateContentStreaming struct {
	ProjectID    string `json:"projectId"`
	Stage        string `json:"stage"`
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Seq          int    `json:"seq,omitempty"`
}

// UserInput is a free-form chat turn.
type UserInput struct {
	ProjectID    string            `json:"projectId,omitempty"`
	Stage        string            `json:"stage"`
	Mode         string            `json:"mode"`
	Value        string            `json:"value"`
	ContextFiles []string          `json:"contextFiles,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
}

// SaveStageFile persists one stage record.
type SaveStageFile struct {
	ProjectID    string          `json:"projectId"`
	ProjectTitle string          `json:"projectTitle,omitempty"`
	Stage        string          `json:"stage"`
	Data         json.RawMessage `json:"data"`
	Completed    bool            `json:"completed"`
}

// LoadStageFile requests one stage record.
type LoadStageFile struct {
	ProjectID string `json:"projectId"`
	Stage     string `json:"stage"`
}

// CaptureScreenshot requests a capture of the running preview.
type CaptureScreenshot struct {
	URL string `json:"url"`
}

// AppendBuildLog appends an entry to the project's build log.
type AppendBuildLog struct {
	ProjectID    string        `json:"projectId"`
	ProjectTitle string        `json:"projectTitle,omitempty"`
	Entry        BuildLogEntry `json:"entry"`
}

// ResetTokenUsage zeroes persisted usage counters.
type ResetTokenUsage struct{}

// EngineState publishes the engine snapshot to the UI.
type EngineState struct {
	State json.RawMessage `json:"state"`
}

// ---- inbound ----

// StreamUpdate is one chunk of a streamed generation.
type StreamUpdate struct {
	Stage      string          `json:"stage"`
	UpdateType string          `json:"updateType,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Index      *int            `json:"index,omitempty"`
	Complete   bool            `json:"complete,omitempty"`
	Error      string          `json:"error,omitempty"`
	Seq        int             `json:"seq,omitempty"`
}

// StageFile is a persisted stage record.
type StageFile struct {
	Data      json.RawMessage `json:"data"`
	Completed bool            `json:"completed"`
}

// StageFileLoaded answers load-stage-file. Found is false when no record
// exists.
type StageFileLoaded struct {
	ProjectID string    `json:"projectId,omitempty"`
	Stage     string    `json:"stage"`
	Found     bool      `json:"found"`
	Data      StageFile `json:"data"`
}

// StageFileSaved acknowledges save-stage-file.
type StageFileSaved struct {
	ProjectID string `json:"projectId"`
	Stage     string `json:"stage"`
	Completed bool   `json:"completed"`
	Error     string `json:"error,omitempty"`
}

// RetryReady carries the partial output of a failed generation.
type RetryReady struct {
	Stage            string `json:"stage"`
	PartialContent   string `json:"partialContent"`
	PartialItemCount int    `json:"partialItemCount"`
}

// ScreenshotCaptured carries a captured image, usually a data URL.
type ScreenshotCaptured struct {
	Screenshot string `json:"screenshot"`
}

// ScreenshotError reports a failed capture.
type ScreenshotError struct {
	Message string `json:"message"`
}

// UsageUpdate reports token usage. Cumulative means Usage replaces the
// counters; otherwise it is added to them.
type UsageUpdate struct {
	Usage      Usage `json:"usage"`
	Cumulative bool  `json:"cumulative,omitempty"`
}

// BuildState carries a persisted iteration snapshot.
type BuildState struct {
	ProjectID  string          `json:"projectId,omitempty"`
	BuildState json.RawMessage `json:"buildState"`
}

// ---- commands ----

type OpenProject struct {
	ProjectID string `json:"projectId"`
}

type Navigate struct {
	Stage string `json:"stage"`
}

// EditStage replaces a stage's data and schedules an autosave.
type EditStage struct {
	Stage string          `json:"stage"`
	Data  json.RawMessage `json:"data"`
}

// SaveStage saves the current stage data. OverrideID sets the project id on
// the first idea save.
type SaveStage struct {
	Stage      string          `json:"stage"`
	Data       json.RawMessage `json:"data,omitempty"`
	Completed  bool            `json:"completed"`
	OverrideID string          `json:"overrideId,omitempty"`
}

type Generate struct {
	Stage        string `json:"stage"`
	Instructions string `json:"instructions,omitempty"`
}

type Chat struct {
	Stage        string   `json:"stage"`
	Message      string   `json:"message"`
	ContextFiles []string `json:"contextFiles,omitempty"`
}

type RetryGeneration struct {
	ProjectID string `json:"projectId,omitempty"`
	Stage     string `json:"stage"`
}

// StartLoop starts the build loop. Empty Screens and Roles fall back to the
// design stage screens and the team roster.
type StartLoop struct {
	Screens []string `json:"screens,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	AutoRun *bool    `json:"autoRun,omitempty"`
}

type NextStep struct{}

type Approve struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

type StopLoop struct{}

type RetryCapture struct {
	URL string `json:"url,omitempty"`
}

type ResetUsage struct{}

type AddRole struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

type RemoveRole struct {
	Name string `json:"name"`
}

func (GenerateContentStreaming) MessageType() Type { return TypeGenerateContentStreaming }
func (UserInput) MessageType() Type                { return TypeUserInput }
func (SaveStageFile) MessageType() Type            { return TypeSaveStageFile }
func (LoadStageFile) MessageType() Type            { return TypeLoadStageFile }
func (CaptureScreenshot) MessageType() Type        { return TypeCaptureScreenshot }
func (AppendBuildLog) MessageType() Type           { return TypeAppendBuildLog }
func (ResetTokenUsage) MessageType() Type          { return TypeResetTokenUsage }
func (EngineState) MessageType() Type              { return TypeEngineState }

func (StreamUpdate) MessageType() Type       { return TypeStreamUpdate }
func (StageFileLoaded) MessageType() Type    { return TypeStageFileLoaded }
func (StageFileSaved) MessageType() Type     { return TypeStageFileSaved }
func (RetryReady) MessageType() Type         { return TypeRetryReady }
func (ScreenshotCaptured) MessageType() Type { return TypeScreenshotCaptured }
func (ScreenshotError) MessageType() Type    { return TypeScreenshotError }
func (UsageUpdate) MessageType() Type        { return TypeUsageUpdate }
func (BuildState) MessageType() Type         { return TypeBuildState }

func (OpenProject) MessageType() Type     { return TypeOpenProject }
func (Navigate) MessageType() Type        { return TypeNavigate }
func (EditStage) MessageType() Type       { return TypeEditStage }
func (SaveStage) MessageType() Type       { return TypeSaveStage }
func (Generate) MessageType() Type        { return TypeGenerate }
func (Chat) MessageType() Type            { return TypeChat }
func (RetryGeneration) MessageType() Type { return TypeRetryGeneration }
func (StartLoop) MessageType() Type       { return TypeStartLoop }
func (NextStep) MessageType() Type        { return TypeNextStep }
func (Approve) MessageType() Type         { return TypeApprove }
func (StopLoop) MessageType() Type        { return TypeStopLoop }
func (RetryCapture) MessageType() Type    { return TypeRetryCapture }
func (ResetUsage) MessageType() Type      { return TypeResetUsage }
func (AddRole) MessageType() Type         { return TypeAddRole }
func (RemoveRole) MessageType() Type      { return TypeRemoveRole }
