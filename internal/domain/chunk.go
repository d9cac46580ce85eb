package domain

import "time"

// ChunkType classifies one streamed review chunk.
type ChunkType string

const (
	ChunkAnalysis    ChunkType = "ANALYSIS"
	ChunkSuggestion  ChunkType = "SUGGESTION"
	ChunkSecurity    ChunkType = "SECURITY"
	ChunkPerformance ChunkType = "PERFORMANCE"
	ChunkCommentary  ChunkType = "COMMENTARY"
	ChunkError       ChunkType = "ERROR"
	ChunkDone        ChunkType = "DONE"
	ChunkPublished   ChunkType = "PUBLISHED"
)

// ReviewChunk is one unit of streamed review output. Timestamp is
// monotonic nanoseconds; emission order follows the producer's byte order.
type ReviewChunk struct {
	Type      ChunkType `json:"type"`
	Content   string    `json:"content,omitempty"`
	Metadata  string    `json:"metadata,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// NewChunk builds a chunk of the given type stamped with the current
// monotonic time.
func NewChunk(t ChunkType, content string) ReviewChunk {
	return ReviewChunk{Type: t, Content: content, Timestamp: time.Now().UnixNano()}
}

// NewErrorChunk builds a terminal ERROR chunk carrying a sanitized message.
func NewErrorChunk(msg string) ReviewChunk {
	return ReviewChunk{Type: ChunkError, Error: msg, Timestamp: time.Now().UnixNano()}
}

// IsTerminal reports whether the chunk ends a stream.
func (c ReviewChunk) IsTerminal() bool {
	return c.Type == ChunkDone || c.Type == ChunkPublished || c.Type == ChunkError
}
