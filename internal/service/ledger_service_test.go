package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"parking-anpr/internal/domain/anpr"
	"parking-anpr/internal/repository"
)

var errBroken = errors.New("connection reset")

// flakyLedger wraps the in-memory ledger and breaks selected operations.
type flakyLedger struct {
	*repository.MemoryLedger
	failAppend bool
	failLists  bool
}

type flakyTx struct {
	anpr.LedgerTx
	failAppend bool
}

func (t flakyTx) AppendMovement(ctx context.Context, rec *anpr.MovementRecord) error {
	if t.failAppend {
		return errBroken
	}
	return t.LedgerTx.AppendMovement(ctx, rec)
}

func (l *flakyLedger) Transact(ctx context.Context, fn func(tx anpr.LedgerTx) error) error {
	return l.MemoryLedger.Transact(ctx, func(tx anpr.LedgerTx) error {
		return fn(flakyTx{LedgerTx: tx, failAppend: l.failAppend})
	})
}

func (l *flakyLedger) FindListsForPlate(ctx context.Context, plate string) ([]anpr.ListHit, error) {
	if l.failLists {
		return nil, errBroken
	}
	return l.MemoryLedger.FindListsForPlate(ctx, plate)
}

func newTestLedgerService(ledger anpr.Ledger) *LedgerService {
	return NewLedgerService(ledger, zerolog.New(io.Discard))
}

func TestRecordMovement_Toggle(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryLedger()
	svc := newTestLedgerService(ledger)
	mc := anpr.MovementContext{SessionID: "s1", Source: "gate.mp4", FrameIndex: 12}

	want := []struct {
		movement anpr.MovementType
		status   anpr.VehicleStatus
	}{
		{anpr.MovementEntry, anpr.StatusInside},
		{anpr.MovementExit, anpr.StatusOutside},
		{anpr.MovementEntry, anpr.StatusInside},
	}
	for i, w := range want {
		res, err := svc.RecordMovement(ctx, "ABCD12", mc)
		if err != nil {
			t.Fatalf("confirmation %d: %v", i+1, err)
		}
		if res.MovementType != w.movement || res.Status != w.status {
			t.Fatalf("confirmation %d: got %s/%s, want %s/%s", i+1, res.MovementType, res.Status, w.movement, w.status)
		}
		if res.MovementID == 0 {
			t.Fatalf("confirmation %d: movement id not set", i+1)
		}
	}

	vehicles, err := ledger.FindVehicles(ctx, anpr.VehicleFilter{})
	if err != nil {
		t.Fatalf("FindVehicles: %v", err)
	}
	if len(vehicles) != 1 || vehicles[0].Status != anpr.StatusInside {
		t.Fatalf("vehicles = %+v", vehicles)
	}

	movements, err := ledger.FindMovements(ctx, anpr.MovementFilter{})
	if err != nil {
		t.Fatalf("FindMovements: %v", err)
	}
	if len(movements) != 3 {
		t.Fatalf("movements = %d, want 3", len(movements))
	}
	if movements[0].Metadata["session_id"] != "s1" || movements[0].Metadata["frame_index"] != 12 {
		t.Fatalf("metadata = %v", movements[0].Metadata)
	}
}

func TestRecordMovement_DuplicateDeliveryToggles(t *testing.T) {
	ctx := context.Background()
	svc := newTestLedgerService(repository.NewMemoryLedger())
	mc := anpr.MovementContext{SessionID: "s1"}

	// the same confirmed-event sequence delivered twice
	sequence := []string{"XY1234", "BBBB11"}
	var got []anpr.MovementType
	for range 2 {
		for _, plate := range sequence {
			res, err := svc.RecordMovement(ctx, plate, mc)
			if err != nil {
				t.Fatalf("RecordMovement(%s): %v", plate, err)
			}
			got = append(got, res.MovementType)
		}
	}

	want := []anpr.MovementType{anpr.MovementEntry, anpr.MovementEntry, anpr.MovementExit, anpr.MovementExit}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("movement %d = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestRecordMovement_PreviousStatus(t *testing.T) {
	ctx := context.Background()
	svc := newTestLedgerService(repository.NewMemoryLedger())

	first, err := svc.RecordMovement(ctx, "BB1111", anpr.MovementContext{})
	if err != nil {
		t.Fatalf("RecordMovement: %v", err)
	}
	if first.Previous != "" {
		t.Fatalf("fresh plate previous = %q", first.Previous)
	}
	second, err := svc.RecordMovement(ctx, "BB1111", anpr.MovementContext{})
	if err != nil {
		t.Fatalf("RecordMovement: %v", err)
	}
	if second.Previous != anpr.StatusInside {
		t.Fatalf("previous = %q, want %q", second.Previous, anpr.StatusInside)
	}
}

func TestRecordMovement_FailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	ledger := &flakyLedger{MemoryLedger: repository.NewMemoryLedger(), failAppend: true}
	svc := newTestLedgerService(ledger)

	_, err := svc.RecordMovement(ctx, "ABCD12", anpr.MovementContext{})
	if !errors.Is(err, anpr.ErrPersistence) || !errors.Is(err, errBroken) {
		t.Fatalf("err = %v, want ErrPersistence wrapping the cause", err)
	}

	vehicles, _ := ledger.FindVehicles(ctx, anpr.VehicleFilter{})
	movements, _ := ledger.FindMovements(ctx, anpr.MovementFilter{})
	if len(vehicles) != 0 || len(movements) != 0 {
		t.Fatalf("partial write: vehicles=%v movements=%v", vehicles, movements)
	}

	// once the store recovers the plate starts from scratch
	ledger.failAppend = false
	res, err := svc.RecordMovement(ctx, "ABCD12", anpr.MovementContext{})
	if err != nil || res.MovementType != anpr.MovementEntry {
		t.Fatalf("after recovery: %+v, %v", res, err)
	}
}

func TestRecordMovement_ListHits(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryLedger()
	svc := newTestLedgerService(ledger)

	if err := svc.AddPlateToList(ctx, "default_blacklist", "xy-1234", nil); err != nil {
		t.Fatalf("AddPlateToList: %v", err)
	}
	res, err := svc.RecordMovement(ctx, "XY1234", anpr.MovementContext{})
	if err != nil {
		t.Fatalf("RecordMovement: %v", err)
	}
	if len(res.Hits) != 1 || res.Hits[0].ListType != anpr.ListTypeBlacklist {
		t.Fatalf("hits = %+v", res.Hits)
	}

	res, err = svc.RecordMovement(ctx, "BBBB11", anpr.MovementContext{})
	if err != nil {
		t.Fatalf("RecordMovement: %v", err)
	}
	if res.Hits == nil || len(res.Hits) != 0 {
		t.Fatalf("hits for unlisted plate = %#v", res.Hits)
	}
}

func TestRecordMovement_ListLookupFailureIsNotFatal(t *testing.T) {
	ledger := &flakyLedger{MemoryLedger: repository.NewMemoryLedger(), failLists: true}
	svc := newTestLedgerService(ledger)

	res, err := svc.RecordMovement(context.Background(), "ABCD12", anpr.MovementContext{})
	if err != nil {
		t.Fatalf("RecordMovement: %v", err)
	}
	if res.MovementType != anpr.MovementEntry || len(res.Hits) != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRecordMovement_ConcurrentSamePlate(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryLedger()
	svc := newTestLedgerService(ledger)

	const n = 10
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RecordMovement(ctx, "ABCD12", anpr.MovementContext{}); err != nil {
				t.Errorf("RecordMovement: %v", err)
			}
		}()
	}
	wg.Wait()

	movements, err := ledger.FindMovements(ctx, anpr.MovementFilter{Limit: 100})
	if err != nil {
		t.Fatalf("FindMovements: %v", err)
	}
	entries := 0
	for _, m := range movements {
		if m.MovementType == anpr.MovementEntry {
			entries++
		}
	}
	if len(movements) != n || entries != n/2 {
		t.Fatalf("movements=%d entries=%d, want %d and %d", len(movements), entries, n, n/2)
	}
}

func TestRecordManualConfirmation(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryLedger()
	svc := newTestLedgerService(ledger)

	res, err := svc.RecordManualConfirmation(ctx, " ab-cd 12 ", "gate-1")
	if err != nil {
		t.Fatalf("RecordManualConfirmation: %v", err)
	}
	if res.Plate != "ABCD12" || res.MovementType != anpr.MovementEntry {
		t.Fatalf("result = %+v", res)
	}
	movements, _ := ledger.FindMovements(ctx, anpr.MovementFilter{})
	if movements[0].Metadata["manual"] != true || movements[0].Metadata["camera_id"] != "gate-1" {
		t.Fatalf("metadata = %v", movements[0].Metadata)
	}

	for _, bad := range []string{"", "---", "ABC123", "ABCDE12"} {
		if _, err := svc.RecordManualConfirmation(ctx, bad, ""); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("plate %q: err = %v, want ErrInvalidInput", bad, err)
		}
	}
}

func TestFindMovements_Validation(t *testing.T) {
	svc := newTestLedgerService(repository.NewMemoryLedger())
	ctx := context.Background()
	str := func(s string) *string { return &s }

	cases := []struct {
		name     string
		from, to *string
		wantErr  bool
	}{
		{"no range", nil, nil, false},
		{"valid range", str("2024-01-01T00:00:00Z"), str("2024-01-02T00:00:00Z"), false},
		{"bad from", str("yesterday"), nil, true},
		{"bad to", nil, str("2024-13-01"), true},
		{"reversed", str("2024-01-02T00:00:00Z"), str("2024-01-01T00:00:00Z"), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := svc.FindMovements(ctx, nil, c.from, c.to, 0, 0)
			if c.wantErr != errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestFindMovements_PagingAndPlate(t *testing.T) {
	ctx := context.Background()
	svc := newTestLedgerService(repository.NewMemoryLedger())

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	for range 3 {
		for _, p := range []string{"ABCD12", "XY1234"} {
			if _, err := svc.RecordMovement(ctx, p, anpr.MovementContext{}); err != nil {
				t.Fatalf("RecordMovement: %v", err)
			}
		}
	}

	plate := "xy 1234"
	got, err := svc.FindMovements(ctx, &plate, nil, nil, 2, 0)
	if err != nil {
		t.Fatalf("FindMovements: %v", err)
	}
	if len(got) != 2 || got[0].Plate != "XY1234" || !got[0].Timestamp.After(got[1].Timestamp) {
		t.Fatalf("movements = %+v", got)
	}
	if got[0].MovementType != anpr.MovementEntry || got[1].MovementType != anpr.MovementExit {
		t.Fatalf("most recent first expected, got %s then %s", got[0].MovementType, got[1].MovementType)
	}

	all, err := svc.FindMovements(ctx, nil, nil, nil, 1000, 4)
	if err != nil {
		t.Fatalf("FindMovements: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("offset 4 of 6 = %d rows", len(all))
	}
}

func TestFindVehicles(t *testing.T) {
	ctx := context.Background()
	svc := newTestLedgerService(repository.NewMemoryLedger())

	for _, p := range []string{"ABCD12", "XY1234", "ABCD12"} {
		if _, err := svc.RecordMovement(ctx, p, anpr.MovementContext{}); err != nil {
			t.Fatalf("RecordMovement: %v", err)
		}
	}

	inside := string(anpr.StatusInside)
	got, err := svc.FindVehicles(ctx, nil, &inside)
	if err != nil {
		t.Fatalf("FindVehicles: %v", err)
	}
	if len(got) != 1 || got[0].Plate != "XY1234" {
		t.Fatalf("inside = %+v", got)
	}

	plate := "abcd-12"
	got, err = svc.FindVehicles(ctx, &plate, nil)
	if err != nil || len(got) != 1 || got[0].Status != anpr.StatusOutside {
		t.Fatalf("by plate = %+v, %v", got, err)
	}

	bad := "Parked"
	if _, err := svc.FindVehicles(ctx, nil, &bad); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestAddPlateToList_Errors(t *testing.T) {
	ctx := context.Background()
	svc := newTestLedgerService(repository.NewMemoryLedger())

	if err := svc.AddPlateToList(ctx, "vip", "ABCD12", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown list err = %v", err)
	}
	if err := svc.AddPlateToList(ctx, "default_whitelist", "nope", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("invalid plate err = %v", err)
	}
	if err := svc.AddPlateToList(ctx, " ", "ABCD12", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty list err = %v", err)
	}
}
