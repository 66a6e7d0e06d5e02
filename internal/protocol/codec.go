package protocol

import (
	"encoding/json"
	"fmt"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

type decoder func(json.RawMessage) (Message, error)

func decodeAs[T Message](raw json.RawMessage) (Message, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// inbound lists everything the engine accepts.
var inbound = map[Type]decoder{
	TypeStreamUpdate:       decodeAs[StreamUpdate],
	TypeStageFileLoaded:    decodeAs[StageFileLoaded],
	TypeStageFileSaved:     decodeAs[StageFileSaved],
	TypeRetryReady:         decodeAs[RetryReady],
	TypeScreenshotCaptured: decodeAs[ScreenshotCaptured],
	TypeScreenshotError:    decodeAs[ScreenshotError],
	TypeUsageUpdate:        decodeAs[UsageUpdate],
	TypeBuildState:         decodeAs[BuildState],

	TypeOpenProject:     decodeAs[OpenProject],
	TypeNavigate:        decodeAs[Navigate],
	TypeEditStage:       decodeAs[EditStage],
	TypeSaveStage:       decodeAs[SaveStage],
	TypeGenerate:        decodeAs[Generate],
	TypeChat:            decodeAs[Chat],
	TypeRetryGeneration: decodeAs[RetryGeneration],
	TypeStartLoop:       decodeAs[StartLoop],
	TypeNextStep:        decodeAs[NextStep],
	TypeApprove:         decodeAs[Approve],
	TypeStopLoop:        decodeAs[StopLoop],
	TypeRetryCapture:    decodeAs[RetryCapture],
	TypeResetUsage:      decodeAs[ResetUsage],
	TypeAddRole:         decodeAs[AddRole],
	TypeRemoveRole:      decodeAs[RemoveRole],
}

// outbound lists everything the engine emits.
var outbound = map[Type]decoder{
	TypeGenerateContentStreaming: decodeAs[GenerateContentStreaming],
	TypeUserInput:                decodeAs[UserInput],
	TypeSaveStageFile:            decodeAs[SaveStageFile],
	TypeLoadStageFile:            decodeAs[LoadStageFile],
	TypeCaptureScreenshot:        decodeAs[CaptureScreenshot],
	TypeAppendBuildLog:           decodeAs[AppendBuildLog],
	TypeResetTokenUsage:          decodeAs[ResetTokenUsage],
	TypeRetryGeneration:          decodeAs[RetryGeneration],
	TypeEngineState:              decodeAs[EngineState],
}

// Encode marshals msg with its type discriminator.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.MessageType(), err)
	}
	typ, _ := json.Marshal(msg.MessageType())

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses an inbound envelope.
func Decode(data []byte) (Message, error) {
	return decodeWith(inbound, data)
}

// DecodeOutbound parses an envelope emitted by the engine.
func DecodeOutbound(data []byte) (Message, error) {
	return decodeWith(outbound, data)
}

func decodeWith(registry map[Type]decoder, data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", perrors.ErrInvalidInput, err)
	}
	dec, ok := registry[head.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown message type %q", perrors.ErrInvalidInput, head.Type)
	}
	msg, err := dec(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", perrors.ErrInvalidInput, head.Type, err)
	}
	return msg, nil
}

// IsCommand reports whether t is an operator command.
func IsCommand(t Type) bool {
	switch t {
	case TypeOpenProject, TypeNavigate, TypeEditStage, TypeSaveStage, TypeGenerate,
		TypeChat, TypeRetryGeneration, TypeStartLoop, TypeNextStep, TypeApprove,
		TypeStopLoop, TypeRetryCapture, TypeResetUsage, TypeAddRole, TypeRemoveRole:
		return true
	}
	return false
}
