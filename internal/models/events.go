// Package models defines the data structures for published voice events.
package models

// Event types carried in the eventType field and the Kafka header.
const (
	EventSegmentStarted   = "voice.segment.started"
	EventSegmentCompleted = "voice.segment.completed"
	EventTranscriptFinal  = "voice.transcript.final"
	EventDecoderStats     = "voice.decoder.stats"
)

// SegmentStarted is emitted when the segmentation engine opens a segment.
type SegmentStarted struct {
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	SegmentID  string  `json:"segmentId"`
	Timestamp  int64   `json:"timestamp"`
	StartIndex uint64  `json:"startIndex"`
	Energy     float64 `json:"energy"`
}

// SegmentCompleted is emitted when a segment closes. Label is empty when
// the classifier gave none; Classified is false when the segment was too
// short to extract features.
type SegmentCompleted struct {
	EventType     string  `json:"eventType"`
	SessionID     string  `json:"sessionId"`
	SegmentID     string  `json:"segmentId"`
	Timestamp     int64   `json:"timestamp"`
	StartIndex    uint64  `json:"startIndex"`
	Samples       int     `json:"samples"`
	DurationMs    int64   `json:"durationMs"`
	Reason        string  `json:"reason"`
	PeakEnergy    float64 `json:"peakEnergy"`
	Label         string  `json:"label,omitempty"`
	Classified    bool    `json:"classified"`
	Energy        float64 `json:"energy"`
	ZeroCrossings int     `json:"zeroCrossings"`
	DominantHz    float64 `json:"dominantHz"`
	RecordingPath string  `json:"recordingPath,omitempty"`
}

// TranscriptFinal represents a final transcript result with confidence score.
type TranscriptFinal struct {
	EventType     string  `json:"eventType"`
	SessionID     string  `json:"sessionId"`
	SegmentID     string  `json:"segmentId"`
	Timestamp     int64   `json:"timestamp"`
	Provider      string  `json:"provider"`
	Text          string  `json:"text"`
	Confidence    float64 `json:"confidence"`
	Label         string  `json:"label,omitempty"`
	AudioOffsetMs int64   `json:"audioOffsetMs"`
}

// DecoderStats is a periodic snapshot of the frame decoder counters.
type DecoderStats struct {
	EventType    string `json:"eventType"`
	SessionID    string `json:"sessionId"`
	Timestamp    int64  `json:"timestamp"`
	Frames       uint64 `json:"frames"`
	Errors       uint64 `json:"errors"`
	BadLength    uint64 `json:"badLength"`
	ShortReads   uint64 `json:"shortReads"`
	Checksum     uint64 `json:"checksum"`
	BytesScanned uint64 `json:"bytesScanned"`
}
