// Package pipeline names the jobs of the conversation pipeline. Job ids are
// deterministic so workers in other processes can find, deduplicate, and
// pattern-cancel them; the builders here are the single source of those
// shapes. Speech detection and the conversation monitor enqueue each other
// across conversation boundaries, which is why neither owns the names.
package pipeline

import "fmt"

// Queue handler names.
const (
	HandlerSpeechDetect  = "speech_detect"
	HandlerMonitor       = "conversation_monitor"
	HandlerBatch         = "batch_retranscribe"
	HandlerSpeaker       = "speaker_recognition"
	HandlerMemory        = "memory_extraction"
	HandlerTitleSummary  = "title_summary"
	HandlerEventDispatch = "event_dispatch"
	HandlerFallback      = "transcription_fallback"
)

// DetectJobID returns the id of conversation n's speech-detection job.
func DetectJobID(sessionID string, n int64) string {
	return fmt.Sprintf("speech_detect_%s_%d", sessionID, n)
}

// MonitorJobID returns the id of conversation n's monitor job.
func MonitorJobID(sessionID string, n int64) string {
	return fmt.Sprintf("open-conv_%s_%d", sessionID, n)
}

// FallbackJobID returns the id of a session's transcription-fallback job.
func FallbackJobID(sessionID string) string { return "fallback_" + sessionID }

// Post-conversation chain job ids, keyed by conversation.

func BatchJobID(conversationID string) string        { return "crop_" + conversationID }
func SpeakerJobID(conversationID string) string      { return "speaker_" + conversationID }
func MemoryJobID(conversationID string) string       { return "memory_" + conversationID }
func TitleSummaryJobID(conversationID string) string { return "title_summary_" + conversationID }
func DispatchJobID(conversationID string) string     { return "dispatch_" + conversationID }

// ChainDependantPrefixes lists the job-id prefixes the batch job sweeps with
// a pattern cancel when a conversation turns out to hold no speech.
func ChainDependantPrefixes(conversationID string) []string {
	return []string{
		SpeakerJobID(conversationID),
		MemoryJobID(conversationID),
		TitleSummaryJobID(conversationID),
		DispatchJobID(conversationID),
	}
}
