package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"parking-anpr/internal/domain/anpr"
	"parking-anpr/internal/repository"
	"parking-anpr/internal/utils"
)

const (
	defaultMovementsLimit = 50
	maxMovementsLimit     = 100
)

// LedgerService owns the entry/exit state machine and the read side of the
// ledger.
type LedgerService struct {
	ledger anpr.Ledger
	log    zerolog.Logger
	now    func() time.Time
}

func NewLedgerService(ledger anpr.Ledger, log zerolog.Logger) *LedgerService {
	return &LedgerService{
		ledger: ledger,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// nextState is the toggle: unknown or outside enters, inside exits.
func nextState(current anpr.VehicleStatus, found bool) (anpr.VehicleStatus, anpr.MovementType) {
	if found && current == anpr.StatusInside {
		return anpr.StatusOutside, anpr.MovementExit
	}
	return anpr.StatusInside, anpr.MovementEntry
}

// RecordMovement applies one transition for a confirmed plate. Reading the
// current status, writing the new one and appending the movement happen in a
// single ledger transaction; on failure nothing is written and the error
// wraps anpr.ErrPersistence.
func (s *LedgerService) RecordMovement(ctx context.Context, plate string, mc anpr.MovementContext) (*anpr.TransitionResult, error) {
	if plate == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}

	at := s.now()
	result := &anpr.TransitionResult{Plate: plate, Timestamp: at}

	err := s.ledger.Transact(ctx, func(tx anpr.LedgerTx) error {
		current, found, err := tx.GetStatus(ctx, plate)
		if err != nil {
			return fmt.Errorf("get status: %w", err)
		}
		status, movement := nextState(current, found)

		if err := tx.SetStatus(ctx, plate, status, at); err != nil {
			return fmt.Errorf("set status: %w", err)
		}
		rec := &anpr.MovementRecord{
			Plate:        plate,
			MovementType: movement,
			Timestamp:    at,
			Metadata:     mc.Metadata(),
		}
		if err := tx.AppendMovement(ctx, rec); err != nil {
			return fmt.Errorf("append movement: %w", err)
		}

		if found {
			result.Previous = current
		}
		result.Status = status
		result.MovementType = movement
		result.MovementID = rec.ID
		return nil
	})
	if err != nil {
		s.log.Error().
			Err(err).
			Str("plate", plate).
			Str("session_id", mc.SessionID).
			Msg("failed to record movement")
		return nil, fmt.Errorf("%w: %w", anpr.ErrPersistence, err)
	}

	s.log.Info().
		Int64("movement_id", result.MovementID).
		Str("plate", plate).
		Str("movement_type", string(result.MovementType)).
		Str("status", string(result.Status)).
		Str("session_id", mc.SessionID).
		Str("camera_id", mc.CameraID).
		Time("timestamp", at).
		Msg("saved movement to ledger")

	result.Hits = s.listHits(ctx, plate)
	return result, nil
}

// listHits never fails the transition: a lookup error is only logged.
func (s *LedgerService) listHits(ctx context.Context, plate string) []anpr.ListHit {
	hits, err := s.ledger.FindListsForPlate(ctx, plate)
	if err != nil {
		s.log.Error().Err(err).Str("plate", plate).Msg("failed to find lists for plate")
		return []anpr.ListHit{}
	}
	if len(hits) == 0 {
		s.log.Debug().Str("plate", plate).Msg("plate not found in any lists")
		return []anpr.ListHit{}
	}

	for _, hit := range hits {
		ev := s.log.Info()
		if hit.ListType == anpr.ListTypeBlacklist {
			ev = s.log.Warn()
		}
		ev.Int64("list_id", hit.ListID).
			Str("list_name", hit.ListName).
			Str("list_type", hit.ListType).
			Str("plate", plate).
			Msg("plate found in list")
	}
	return hits
}

// RecordManualConfirmation sends an operator-entered plate straight to the
// state machine, bypassing the confirmation buffer.
func (s *LedgerService) RecordManualConfirmation(ctx context.Context, rawPlate, cameraID string) (*anpr.TransitionResult, error) {
	plate, err := validPlate(rawPlate)
	if err != nil {
		return nil, err
	}
	return s.RecordMovement(ctx, plate, anpr.MovementContext{
		Source:   "manual",
		CameraID: cameraID,
		Manual:   true,
	})
}

func (s *LedgerService) FindVehicles(ctx context.Context, plateQuery, status *string) ([]anpr.VehicleState, error) {
	var filter anpr.VehicleFilter
	if plateQuery != nil {
		if normalized := utils.NormalizePlate(*plateQuery); normalized != "" {
			filter.Plate = &normalized
		}
	}
	if status != nil && *status != "" {
		st := anpr.VehicleStatus(*status)
		if st != anpr.StatusInside && st != anpr.StatusOutside {
			return nil, fmt.Errorf("%w: status must be %s or %s", ErrInvalidInput, anpr.StatusInside, anpr.StatusOutside)
		}
		filter.Status = &st
	}

	vehicles, err := s.ledger.FindVehicles(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find vehicles: %w", err)
	}
	return vehicles, nil
}

func (s *LedgerService) FindMovements(ctx context.Context, plateQuery *string, from, to *string, limit, offset int) ([]anpr.MovementRecord, error) {
	var filter anpr.MovementFilter
	if plateQuery != nil {
		if normalized := utils.NormalizePlate(*plateQuery); normalized != "" {
			filter.Plate = &normalized
		}
	}

	if from != nil && *from != "" {
		t, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid from time format", ErrInvalidInput)
		}
		filter.From = &t
	}
	if to != nil && *to != "" {
		t, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid to time format", ErrInvalidInput)
		}
		filter.To = &t
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, fmt.Errorf("%w: to is before from", ErrInvalidInput)
	}

	if limit <= 0 {
		limit = defaultMovementsLimit
	}
	if limit > maxMovementsLimit {
		limit = maxMovementsLimit
	}
	if offset < 0 {
		offset = 0
	}
	filter.Limit = limit
	filter.Offset = offset

	movements, err := s.ledger.FindMovements(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find movements: %w", err)
	}
	return movements, nil
}

func (s *LedgerService) AddPlateToList(ctx context.Context, listName, rawPlate string, note *string) error {
	listName = strings.TrimSpace(listName)
	if listName == "" {
		return fmt.Errorf("%w: list name is required", ErrInvalidInput)
	}
	plate, err := validPlate(rawPlate)
	if err != nil {
		return err
	}

	if err := s.ledger.AddPlateToList(ctx, listName, plate, note); err != nil {
		if errors.Is(err, repository.ErrListNotFound) {
			return fmt.Errorf("%w: list %q", ErrNotFound, listName)
		}
		return fmt.Errorf("failed to add plate to list: %w", err)
	}

	s.log.Info().Str("list_name", listName).Str("plate", plate).Msg("plate added to list")
	return nil
}

func validPlate(raw string) (string, error) {
	plate := utils.NormalizePlate(raw)
	if plate == "" {
		return "", fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if !utils.IsValidPlate(plate) {
		return "", fmt.Errorf("%w: %q is not a valid plate", ErrInvalidInput, plate)
	}
	return plate, nil
}
