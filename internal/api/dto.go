package api

import (
	"time"

	"github.com/JakeFAU/channelscan/internal/scan"
)

type scanRequest struct {
	Category string `json:"category" validate:"required,max=128"`
	Tag      string `json:"tag" validate:"max=64"`
}

type channelDTO struct {
	Link        string   `json:"link" validate:"required,max=512"`
	Title       string   `json:"title" validate:"max=512"`
	Description string   `json:"description"`
	Subscribers int64    `json:"subscribers" validate:"gte=0"`
	Tags        []string `json:"tags" validate:"max=64,dive,max=64"`
	Admin       string   `json:"admin"`
	Verified    bool     `json:"verified"`
}

func (c channelDTO) record() scan.ChannelRecord {
	return scan.ChannelRecord{
		Link:        c.Link,
		Title:       c.Title,
		Description: c.Description,
		Subscribers: c.Subscribers,
		Tags:        c.Tags,
		Admin:       c.Admin,
		Verified:    c.Verified,
	}
}

type batchRequest struct {
	Channels      []channelDTO `json:"channels" validate:"max=5000,dive"`
	ProgressDelta int          `json:"progress_delta" validate:"gte=0,lte=100"`
	Signal        string       `json:"signal" validate:"omitempty,oneof=safe cloudflare captcha blocked"`
}

type batchResponse struct {
	scan.BatchResult
	SignalError string `json:"signal_error,omitempty"`
}

type finishRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=completed failed"`
	Reason  string `json:"reason" validate:"max=512"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

type signalRequest struct {
	Signal string `json:"signal" validate:"required,oneof=safe cloudflare captcha blocked"`
}

type exportRequest struct {
	Name      string    `json:"name" validate:"required,max=512"`
	SizeBytes int64     `json:"size_bytes" validate:"gte=0"`
	Rows      int       `json:"rows" validate:"gte=0"`
	Checksum  string    `json:"checksum" validate:"max=256"`
	CreatedAt time.Time `json:"created_at"`
	JobID     string    `json:"job_id"`
}

type postureResponse struct {
	Posture scan.Posture `json:"posture"`
	Blocked bool         `json:"blocked"`
}

func newPostureResponse(p scan.Posture) postureResponse {
	return postureResponse{Posture: p, Blocked: p.Blocks()}
}
