package anpr

import (
	"context"
	"image"
	"time"
)

// Source yields frames from a video file, a local camera or a network stream.
type Source interface {
	// Next blocks until a frame is available. It returns io.EOF once a
	// recorded source is exhausted.
	Next(ctx context.Context) (image.Image, error)
	// FPS is the native rate of a recorded source, 0 when unknown.
	FPS() float64
	// Live is true for cameras and network streams.
	Live() bool
	Close() error
}

// SourceOpener opens a location. Failures wrap ErrSourceUnavailable.
type SourceOpener func(ctx context.Context, location string) (Source, error)

type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]DetectionBox, error)
}

// Recognizer returns the text fragments found in a plate image. An empty
// slice is a valid answer for unreadable input.
type Recognizer interface {
	Read(ctx context.Context, img image.Image) ([]string, error)
}

// Enhancer prepares a cropped plate region for OCR.
type Enhancer interface {
	Enhance(img image.Image) (image.Image, error)
}

// LedgerTx is the read/write view of the ledger inside one transaction.
type LedgerTx interface {
	// GetStatus returns the current status of plate; found is false when the
	// plate was never seen. Concurrent transactions on the same plate
	// serialise on this call.
	GetStatus(ctx context.Context, plate string) (status VehicleStatus, found bool, err error)
	SetStatus(ctx context.Context, plate string, status VehicleStatus, at time.Time) error
	AppendMovement(ctx context.Context, rec *MovementRecord) error
}

type MovementFilter struct {
	Plate  *string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

type VehicleFilter struct {
	Plate  *string
	Status *VehicleStatus
}

// Ledger is the persisted vehicle state and movement history.
type Ledger interface {
	// Transact runs fn atomically: either every write made through tx is
	// committed or none is.
	Transact(ctx context.Context, fn func(tx LedgerTx) error) error

	FindVehicles(ctx context.Context, filter VehicleFilter) ([]VehicleState, error)
	FindMovements(ctx context.Context, filter MovementFilter) ([]MovementRecord, error)
	FindListsForPlate(ctx context.Context, plate string) ([]ListHit, error)
	AddPlateToList(ctx context.Context, listName, plate string, note *string) error
}
