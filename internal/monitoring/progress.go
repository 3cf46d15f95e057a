// Package monitoring - progress.go provides synchronous pipeline progress
// callbacks.
//
// DESIGN: No event emitter. Callers that want progress pass a ProgressFunc;
// the pipelines invoke it synchronously between stages. Nothing in either
// pipeline depends on an observer being present; a nil func is a no-op.
package monitoring

// Stage names reported to progress observers.
const (
	StageFlush     = "flush"
	StageChunk     = "chunk"
	StageSummarize = "summarize"
	StageCheck     = "check"
	StageRetry     = "retry"
	StageFallback  = "fallback"
	StageClassify  = "classify"
	StageWindow    = "window"
	StageTruncate  = "truncate"
	StageSummary   = "summary"
	StageRemoval   = "removal"
	StageHardTrim  = "hard_trim"
	StageArchive   = "archive"
	StageDone      = "done"
)

// ProgressEvent describes one stage transition.
type ProgressEvent struct {
	Stage         string
	Attempt       int // retry attempt, 0 for first pass
	CurrentTokens int // token count after this stage, if known
	TargetTokens  int
}

// ProgressFunc observes stage transitions. Called synchronously; keep it fast.
type ProgressFunc func(ProgressEvent)

// Report invokes f if non-nil.
func (f ProgressFunc) Report(ev ProgressEvent) {
	if f != nil {
		f(ev)
	}
}
