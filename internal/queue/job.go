package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/errordiag-worker/internal/imaging"
)

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// JobPayload contains the screenshot to diagnose
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	UserID     string                 `json:"userId,omitempty"`
	Filename   string                 `json:"filename,omitempty"`
	MimeType   string                 `json:"mimeType,omitempty"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileBuffer []byte                 `json:"-"` // set by UnmarshalJSON
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// RawImage converts the payload into pipeline input
func (p *JobPayload) RawImage() imaging.RawImage {
	return imaging.RawImage{
		Data:     p.FileBuffer,
		MimeType: p.MimeType,
		Size:     p.FileSize,
	}
}

// MarshalJSON writes fileBuffer as base64, the format UnmarshalJSON prefers
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	return json.Marshal(&struct {
		FileBuffer string `json:"fileBuffer,omitempty"`
		Alias
	}{
		FileBuffer: base64.StdEncoding.EncodeToString(p.FileBuffer),
		Alias:      Alias(p),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for JobPayload to handle Buffer serialization
// Supports both base64 string format (new) and Node.js Buffer object format (legacy)
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	// Create alias type to avoid recursion
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	if aux.FileBuffer == nil {
		return nil
	}

	switch v := aux.FileBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded

	case map[string]interface{}:
		// {"type": "Buffer", "data": [137, 80, ...]}
		bufferType, _ := v["type"].(string)
		if bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.FileBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 || byteVal != float64(int(byteVal)) {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.FileBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}
