package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"parking-anpr/internal/domain/anpr"
)

// MemoryLedger keeps the ledger in process memory. It backs the "memory"
// database driver and the tests. Transactions are serialised by one mutex
// and staged writes are applied only when fn succeeds.
type MemoryLedger struct {
	mu        sync.Mutex
	vehicles  map[string]anpr.VehicleState
	movements []anpr.MovementRecord
	lists     map[string]memoryList
	nextID    int64
}

type memoryList struct {
	id     int64
	kind   string
	plates map[string]*string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		vehicles: make(map[string]anpr.VehicleState),
		lists: map[string]memoryList{
			"default_whitelist": {id: 1, kind: anpr.ListTypeWhitelist, plates: map[string]*string{}},
			"default_blacklist": {id: 2, kind: anpr.ListTypeBlacklist, plates: map[string]*string{}},
		},
	}
}

type memoryTx struct {
	l         *MemoryLedger
	vehicles  map[string]anpr.VehicleState
	movements []anpr.MovementRecord
}

func (l *MemoryLedger) Transact(ctx context.Context, fn func(tx anpr.LedgerTx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &memoryTx{l: l, vehicles: make(map[string]anpr.VehicleState)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for plate, v := range tx.vehicles {
		l.vehicles[plate] = v
	}
	for _, m := range tx.movements {
		l.nextID++
		m.ID = l.nextID
		l.movements = append(l.movements, m)
	}
	return nil
}

func (t *memoryTx) GetStatus(_ context.Context, plate string) (anpr.VehicleStatus, bool, error) {
	if v, ok := t.vehicles[plate]; ok {
		return v.Status, true, nil
	}
	v, ok := t.l.vehicles[plate]
	if !ok {
		return "", false, nil
	}
	return v.Status, true, nil
}

func (t *memoryTx) SetStatus(_ context.Context, plate string, status anpr.VehicleStatus, at time.Time) error {
	t.vehicles[plate] = anpr.VehicleState{Plate: plate, Status: status, LastMovementTime: at}
	return nil
}

func (t *memoryTx) AppendMovement(_ context.Context, rec *anpr.MovementRecord) error {
	t.movements = append(t.movements, *rec)
	// ids are assigned on commit; report the id the record will receive
	rec.ID = t.l.nextID + int64(len(t.movements))
	return nil
}

func (l *MemoryLedger) FindVehicles(_ context.Context, filter anpr.VehicleFilter) ([]anpr.VehicleState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]anpr.VehicleState, 0, len(l.vehicles))
	for _, v := range l.vehicles {
		if filter.Plate != nil && v.Plate != *filter.Plate {
			continue
		}
		if filter.Status != nil && v.Status != *filter.Status {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMovementTime.After(out[j].LastMovementTime)
	})
	return out, nil
}

func (l *MemoryLedger) FindMovements(_ context.Context, filter anpr.MovementFilter) ([]anpr.MovementRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]anpr.MovementRecord, 0)
	for i := len(l.movements) - 1; i >= 0; i-- {
		m := l.movements[i]
		if filter.Plate != nil && m.Plate != *filter.Plate {
			continue
		}
		if filter.From != nil && m.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && m.Timestamp.After(*filter.To) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []anpr.MovementRecord{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > min(filter.Limit, maxMovementsPage) {
		out = out[:min(filter.Limit, maxMovementsPage)]
	}
	return out, nil
}

func (l *MemoryLedger) FindListsForPlate(_ context.Context, plate string) ([]anpr.ListHit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var hits []anpr.ListHit
	for name, list := range l.lists {
		if _, ok := list.plates[plate]; ok {
			hits = append(hits, anpr.ListHit{ListID: list.id, ListName: name, ListType: list.kind})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ListID < hits[j].ListID })
	return hits, nil
}

func (l *MemoryLedger) AddPlateToList(_ context.Context, listName, plate string, note *string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	list, ok := l.lists[listName]
	if !ok {
		return ErrListNotFound
	}
	list.plates[plate] = note
	return nil
}

var _ anpr.Ledger = (*MemoryLedger)(nil)
