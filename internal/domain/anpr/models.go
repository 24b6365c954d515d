package anpr

import (
	"image"
	"time"
)

// Frame is one raster image read from a source. Index increases by one per
// frame read, whether or not the frame is analysed.
type Frame struct {
	Index int
	Image image.Image
}

type DetectionBox struct {
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
	Rect       image.Rectangle `json:"rect"`
}

// Candidate is a recognised plate text that already passed format validation.
type Candidate struct {
	Text       string `json:"text"`
	FrameIndex int    `json:"frame_index"`
}

// BoxResult is the outcome of processing one detection box. Exactly one of
// Candidate or Err is meaningful; a box whose text failed validation has
// neither (Rejected is set).
type BoxResult struct {
	Box       DetectionBox
	Text      string
	Candidate *Candidate
	Rejected  bool
	Err       error
}

type VehicleStatus string

const (
	StatusInside  VehicleStatus = "Dentro"
	StatusOutside VehicleStatus = "Fuera"
)

type MovementType string

const (
	MovementEntry MovementType = "Entrada"
	MovementExit  MovementType = "Salida"
)

type VehicleState struct {
	Plate            string        `json:"plate"`
	Status           VehicleStatus `json:"status"`
	LastMovementTime time.Time     `json:"last_movement_time"`
}

type MovementRecord struct {
	ID           int64                  `json:"id"`
	Plate        string                 `json:"plate"`
	MovementType MovementType           `json:"movement_type"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// MovementContext describes where a confirmation came from. It is stored
// alongside the movement record and never influences the transition.
type MovementContext struct {
	SessionID  string
	Source     string
	CameraID   string
	FrameIndex int
	Manual     bool
}

func (c MovementContext) Metadata() map[string]interface{} {
	m := map[string]interface{}{}
	if c.SessionID != "" {
		m["session_id"] = c.SessionID
	}
	if c.Source != "" {
		m["source"] = c.Source
	}
	if c.CameraID != "" {
		m["camera_id"] = c.CameraID
	}
	if c.Manual {
		m["manual"] = true
	} else {
		m["frame_index"] = c.FrameIndex
	}
	return m
}

type ListHit struct {
	ListID   int64  `json:"list_id"`
	ListName string `json:"list_name"`
	ListType string `json:"list_type"`
}

const (
	ListTypeWhitelist = "WHITELIST"
	ListTypeBlacklist = "BLACKLIST"
)

type TransitionResult struct {
	MovementID   int64         `json:"movement_id"`
	Plate        string        `json:"plate"`
	Previous     VehicleStatus `json:"previous_status,omitempty"`
	Status       VehicleStatus `json:"status"`
	MovementType MovementType  `json:"movement_type"`
	Timestamp    time.Time     `json:"timestamp"`
	Hits         []ListHit     `json:"hits"`
}

// ConfirmedEvent is emitted by a session for every plate the confirmation
// engine accepts. Err is set when the movement transition failed.
type ConfirmedEvent struct {
	SessionID  string            `json:"session_id"`
	Plate      string            `json:"plate"`
	FrameIndex int               `json:"frame_index"`
	Transition *TransitionResult `json:"transition,omitempty"`
	Err        error             `json:"-"`
}
