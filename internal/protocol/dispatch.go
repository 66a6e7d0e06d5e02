package protocol

import (
	"fmt"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

// InboundHandler has one method per message the engine accepts.
type InboundHandler interface {
	OnStreamUpdate(StreamUpdate)
	OnStageFileLoaded(StageFileLoaded)
	OnStageFileSaved(StageFileSaved)
	OnRetryReady(RetryReady)
	OnScreenshotCaptured(ScreenshotCaptured)
	OnScreenshotError(ScreenshotError)
	OnUsageUpdate(UsageUpdate)
	OnBuildState(BuildState)

	OnOpenProject(OpenProject)
	OnNavigate(Navigate)
	OnEditStage(EditStage)
	OnSaveStage(SaveStage)
	OnGenerate(Generate)
	OnChat(Chat)
	OnRetryGeneration(RetryGeneration)
	OnStartLoop(StartLoop)
	OnNextStep(NextStep)
	OnApprove(Approve)
	OnStopLoop(StopLoop)
	OnRetryCapture(RetryCapture)
	OnResetUsage(ResetUsage)
	OnAddRole(AddRole)
	OnRemoveRole(RemoveRole)
}

// Dispatch routes msg to the matching handler method.
func Dispatch(h InboundHandler, msg Message) error {
	switch m := msg.(type) {
	case StreamUpdate:
		h.OnStreamUpdate(m)
	case StageFileLoaded:
		h.OnStageFileLoaded(m)
	case StageFileSaved:
		h.OnStageFileSaved(m)
	case RetryReady:
		h.OnRetryReady(m)
	case ScreenshotCaptured:
		h.OnScreenshotCaptured(m)
	case ScreenshotError:
		h.OnScreenshotError(m)
	case UsageUpdate:
		h.OnUsageUpdate(m)
	case BuildState:
		h.OnBuildState(m)
	case OpenProject:
		h.OnOpenProject(m)
	case Navigate:
		h.OnNavigate(m)
	case EditStage:
		h.OnEditStage(m)
	case SaveStage:
		h.OnSaveStage(m)
	case Generate:
		h.OnGenerate(m)
	case Chat:
		h.OnChat(m)
	case RetryGeneration:
		h.OnRetryGeneration(m)
	case StartLoop:
		h.OnStartLoop(m)
	case NextStep:
		h.OnNextStep(m)
	case Approve:
		h.OnApprove(m)
	case StopLoop:
		h.OnStopLoop(m)
	case RetryCapture:
		h.OnRetryCapture(m)
	case ResetUsage:
		h.OnResetUsage(m)
	case AddRole:
		h.OnAddRole(m)
	case RemoveRole:
		h.OnRemoveRole(m)
	default:
		return fmt.Errorf("%w: no inbound handler for %T", perrors.ErrInvalidInput, msg)
	}
	return nil
}

// OutboundHandler has one method per message the engine emits.
type OutboundHandler interface {
	OnGenerateContentStreaming(GenerateContentStreaming)
	OnUserInput(UserInput)
	OnSaveStageFile(SaveStageFile)
	OnLoadStageFile(LoadStageFile)
	OnCaptureScreenshot(CaptureScreenshot)
	OnAppendBuildLog(AppendBuildLog)
	OnResetTokenUsage(ResetTokenUsage)
	OnRetryGeneration(RetryGeneration)
	OnEngineState(EngineState)
}

// DispatchOutbound routes an engine message to a host.
func DispatchOutbound(h OutboundHandler, msg Message) error {
	switch m := msg.(type) {
	case GenerateContentStreaming:
		h.OnGenerateContentStreaming(m)
	case UserInput:
		h.OnUserInput(m)
	case SaveStageFile:
		h.OnSaveStageFile(m)
	case LoadStageFile:
		h.OnLoadStageFile(m)
	case CaptureScreenshot:
		h.OnCaptureScreenshot(m)
	case AppendBuildLog:
		h.OnAppendBuildLog(m)
	case ResetTokenUsage:
		h.OnResetTokenUsage(m)
	case RetryGeneration:
		h.OnRetryGeneration(m)
	case EngineState:
		h.OnEngineState(m)
	default:
		return fmt.Errorf("%w: no outbound handler for %T", perrors.ErrInvalidInput, msg)
	}
	return nil
}
