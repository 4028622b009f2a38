package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonARIConnect ReasonCode = "ari_connect"
	ReasonARICommand ReasonCode = "ari_command"
	ReasonARIAnswer  ReasonCode = "ari_answer"

	ReasonPlayback  ReasonCode = "playback"
	ReasonRecording ReasonCode = "recording"

	ReasonTranscribe        ReasonCode = "transcribe"
	ReasonRecognizerConnect ReasonCode = "recognizer_connect"
	ReasonRecognizerSend    ReasonCode = "recognizer_send"

	ReasonIntent            ReasonCode = "intent"
	ReasonIntentRateLimit   ReasonCode = "intent_rate_limit"
	ReasonIntentCircuitOpen ReasonCode = "intent_circuit_open"

	ReasonAMD         ReasonCode = "amd"
	ReasonPersistence ReasonCode = "persistence"
	ReasonLaunch      ReasonCode = "launch"
	ReasonAssembly    ReasonCode = "assembly"

	ReasonStreamSend ReasonCode = "stream_send"
)
