package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pharmaflow/pharmaflow/internal/quality"
)

type memoryRepo struct {
	records      map[int64]*Record
	reservations map[int64]*Reservation
	utilizations []UtilizationEntry
	nextRecord   int64
	nextRes      int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		records:      map[int64]*Record{},
		reservations: map[int64]*Reservation{},
		nextRecord:   1,
		nextRes:      1,
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryRepo) CreateRecord(_ context.Context, rec Record) (int64, error) {
	rec.ID = m.nextRecord
	m.nextRecord++
	m.records[rec.ID] = &rec
	return rec.ID, nil
}

func (m *memoryRepo) GetRecordForUpdate(_ context.Context, id int64) (Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (m *memoryRepo) FindRecordForUpdate(_ context.Context, productID int64, batch string, warehouseID int64, location string) (Record, error) {
	for _, rec := range m.records {
		if rec.Active && rec.ProductID == productID && rec.BatchNumber == batch && rec.WarehouseID == warehouseID && rec.Location == location {
			return *rec, nil
		}
	}
	return Record{}, ErrNotFound
}

func (m *memoryRepo) UpdateBalances(_ context.Context, id, currentStock, reservedStock int64) error {
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.CurrentStock = currentStock
	rec.ReservedStock = reservedStock
	return nil
}

func (m *memoryRepo) UpdateLocation(_ context.Context, id int64, location string) error {
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Location = location
	return nil
}

func (m *memoryRepo) UpdateMinimumStock(_ context.Context, id, minimum int64) error {
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.MinimumStock = minimum
	return nil
}

func (m *memoryRepo) DeactivateRecord(_ context.Context, id int64) error {
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Active = false
	return nil
}

func (m *memoryRepo) InsertMovement(_ context.Context, movement Movement) error {
	rec, ok := m.records[movement.RecordID]
	if !ok {
		return ErrNotFound
	}
	movement.ID = int64(len(rec.Movements) + 1)
	rec.Movements = append(rec.Movements, movement)
	return nil
}

func (m *memoryRepo) HasApprovalInward(_ context.Context, recordID, approvalID int64) (bool, error) {
	rec, ok := m.records[recordID]
	if !ok {
		return false, ErrNotFound
	}
	for _, mv := range rec.Movements {
		if mv.Type == MovementInward && mv.Reason == ApprovalReason(approvalID) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) InsertReservation(_ context.Context, reservation Reservation) (int64, error) {
	reservation.ID = m.nextRes
	m.nextRes++
	m.reservations[reservation.ID] = &reservation
	if rec, ok := m.records[reservation.RecordID]; ok {
		rec.Reservations = append(rec.Reservations, reservation)
	}
	return reservation.ID, nil
}

func (m *memoryRepo) GetReservationForUpdate(_ context.Context, id int64) (Reservation, error) {
	res, ok := m.reservations[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return *res, nil
}

func (m *memoryRepo) MarkReservationReleased(_ context.Context, id int64) error {
	res, ok := m.reservations[id]
	if !ok {
		return ErrNotFound
	}
	res.Released = true
	return nil
}

func (m *memoryRepo) InsertUtilization(_ context.Context, entry UtilizationEntry) error {
	m.utilizations = append(m.utilizations, entry)
	return nil
}

func (m *memoryRepo) GetRecord(_ context.Context, id int64) (Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (m *memoryRepo) ListRecords(_ context.Context, limit, offset int, filters ListFilters) ([]Record, int, error) {
	var out []Record
	for _, rec := range m.records {
		if filters.ProductID != 0 && rec.ProductID != filters.ProductID {
			continue
		}
		if filters.WarehouseID != 0 && rec.WarehouseID != filters.WarehouseID {
			continue
		}
		if filters.ActiveOnly && !rec.Active {
			continue
		}
		out = append(out, *rec)
	}
	return out, len(out), nil
}

func (m *memoryRepo) LoadJourney(_ context.Context, recordID int64) (Journey, error) {
	rec, ok := m.records[recordID]
	if !ok {
		return Journey{}, ErrNotFound
	}
	journey := Journey{
		RecordID:     rec.ID,
		ProductID:    rec.ProductID,
		BatchNumber:  rec.BatchNumber,
		WarehouseID:  rec.WarehouseID,
		Location:     rec.Location,
		Provenance:   rec.Provenance,
		Movements:    rec.Movements,
		Reservations: rec.Reservations,
	}
	for _, u := range m.utilizations {
		if u.RecordID == recordID {
			journey.Utilizations = append(journey.Utilizations, u)
		}
	}
	return journey, nil
}

func (m *memoryRepo) ListNearExpiry(_ context.Context, now time.Time, window time.Duration) ([]Record, error) {
	var out []Record
	for _, rec := range m.records {
		if !rec.Active || rec.ExpDate.IsZero() {
			continue
		}
		if rec.ExpDate.Before(now.Add(window)) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memoryRepo) ListReorderAlerts(_ context.Context) ([]Record, error) {
	var out []Record
	for _, rec := range m.records {
		if rec.Active && rec.NeedsReorder() {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memoryRepo) ListExpiredReservationIDs(_ context.Context, now time.Time) ([]int64, error) {
	var ids []int64
	for id, res := range m.reservations {
		if !res.Released && !res.ExpiresAt.IsZero() && res.ExpiresAt.Before(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type countingMeter struct {
	counts map[string]int
}

func (c *countingMeter) CountMovement(movementType string) {
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[movementType]++
}

func newTestService(repo *memoryRepo) (*Service, *countingMeter) {
	meter := &countingMeter{}
	return NewService(repo, nil, nil, meter, ServiceConfig{}), meter
}

func approvalEvent(qty int64) quality.ApprovalCompletedEvent {
	return quality.ApprovalCompletedEvent{
		ApprovalID:  30,
		QCRecordID:  20,
		ReceivingID: 11,
		POID:        7,
		ActorID:     9,
		ApprovedAt:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Batches: []quality.ApprovedBatch{{
			ProductID:   100,
			BatchNumber: "B1",
			Qty:         qty,
			WarehouseID: 2,
			Location:    "A-01",
			Conditions:  "cold chain",
			MfgDate:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			ExpDate:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			UnitCost:    decimal.RequireFromString("25"),
		}},
	}
}

func seedStock(t *testing.T, svc *Service, repo *memoryRepo, qty int64) int64 {
	t.Helper()
	require.NoError(t, svc.CreateFromApproval(context.Background(), approvalEvent(qty)))
	require.Len(t, repo.records, 1)
	for id := range repo.records {
		return id
	}
	return 0
}

func TestCreateFromApprovalOpensRecordWithProvenance(t *testing.T) {
	repo := newMemoryRepo()
	svc, meter := newTestService(repo)

	id := seedStock(t, svc, repo, 95)

	rec, err := svc.GetRecord(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, int64(95), rec.CurrentStock)
	require.Equal(t, int64(0), rec.ReservedStock)
	require.Equal(t, int64(95), rec.AvailableStock())
	require.Equal(t, "25", rec.UnitCost.String())
	require.Equal(t, Provenance{POID: 7, ReceivingID: 11, QCRecordID: 20, ApprovalID: 30}, rec.Provenance)
	require.Len(t, rec.Movements, 1)
	require.Equal(t, MovementInward, rec.Movements[0].Type)
	require.Equal(t, 1, meter.counts["INWARD"])
}

func TestCreateFromApprovalTopsUpExistingPosition(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)

	id := seedStock(t, svc, repo, 95)
	topUp := approvalEvent(5)
	topUp.ApprovalID = 31
	require.NoError(t, svc.CreateFromApproval(context.Background(), topUp))

	require.Len(t, repo.records, 1)
	rec, err := svc.GetRecord(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, int64(100), rec.CurrentStock)
	require.Len(t, rec.Movements, 2)
}

func TestCreateFromApprovalReplayLeavesBalanceAlone(t *testing.T) {
	repo := newMemoryRepo()
	svc, meter := newTestService(repo)
	ctx := context.Background()

	id := seedStock(t, svc, repo, 95)
	// A retried posting for the same approval finds its inward movement on
	// the ledger and is a no-op.
	require.NoError(t, svc.CreateFromApproval(ctx, approvalEvent(95)))

	rec, err := svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(95), rec.CurrentStock)
	require.Len(t, rec.Movements, 1)
	require.Equal(t, 1, meter.counts["INWARD"])
}

func TestAddAndRemoveStockKeepBalanceInvariant(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	require.NoError(t, svc.AddStock(ctx, id, 10, "manual intake", 9))
	require.NoError(t, svc.RemoveStock(ctx, id, 30, "dispense", 9))

	rec, err := svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(75), rec.CurrentStock)
	require.Equal(t, rec.AvailableStock()+rec.ReservedStock, rec.CurrentStock)
	require.Len(t, rec.Movements, 3)
}

func TestRemoveBeyondAvailableLeavesBalancesUntouched(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	err := svc.RemoveStock(ctx, id, 96, "dispense", 9)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(95), insufficient.Available)
	require.Equal(t, int64(96), insufficient.Requested)

	rec, err := svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(95), rec.CurrentStock)
	require.Len(t, rec.Movements, 1)
}

func TestZeroQuantityRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	require.ErrorIs(t, svc.AddStock(ctx, id, 0, "", 9), ErrInvalidQuantity)
	require.ErrorIs(t, svc.RemoveStock(ctx, id, -5, "", 9), ErrInvalidQuantity)
	require.ErrorIs(t, svc.AdjustStock(ctx, id, 0, "count", 9), ErrInvalidQuantity)
}

func TestReserveAndReleaseStock(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	reservation, err := svc.ReserveStock(ctx, id, 20, "order-55", time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, reservation.Reference)

	rec, err := svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(95), rec.CurrentStock)
	require.Equal(t, int64(20), rec.ReservedStock)
	require.Equal(t, int64(75), rec.AvailableStock())

	require.NoError(t, svc.ReleaseReservation(ctx, reservation.ID))
	rec, err = svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(0), rec.ReservedStock)
	require.Equal(t, int64(95), rec.AvailableStock())
}

func TestReleaseIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	reservation, err := svc.ReserveStock(ctx, id, 20, "order-55", time.Time{})
	require.NoError(t, err)
	require.NoError(t, svc.ReleaseReservation(ctx, reservation.ID))
	require.NoError(t, svc.ReleaseReservation(ctx, reservation.ID))

	rec, err := svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(0), rec.ReservedStock)
}

func TestReserveBeyondAvailableFails(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	_, err := svc.ReserveStock(ctx, id, 50, "order-1", time.Time{})
	require.NoError(t, err)

	_, err = svc.ReserveStock(ctx, id, 46, "order-2", time.Time{})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(45), insufficient.Available)
}

func TestReservedStockSurvivesRemoval(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	_, err := svc.ReserveStock(ctx, id, 60, "order-1", time.Time{})
	require.NoError(t, err)

	err = svc.RemoveStock(ctx, id, 40, "dispense", 9)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(35), insufficient.Available)
}

func TestCrossWarehouseTransferSplitsPosition(t *testing.T) {
	repo := newMemoryRepo()
	svc, meter := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	_, err := svc.ReserveStock(ctx, id, 20, "order-55", time.Time{})
	require.NoError(t, err)

	destID, err := svc.TransferStock(ctx, id, 50, 3, "B-07", 9)
	require.NoError(t, err)
	require.NotEqual(t, id, destID)

	src, err := svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(45), src.CurrentStock)
	require.Equal(t, int64(20), src.ReservedStock)

	dest, err := svc.GetRecord(ctx, destID)
	require.NoError(t, err)
	require.Equal(t, int64(50), dest.CurrentStock)
	require.Equal(t, "B1", dest.BatchNumber)
	require.Equal(t, int64(3), dest.WarehouseID)
	require.Equal(t, src.UnitCost.String(), dest.UnitCost.String())
	require.Equal(t, src.Provenance, dest.Provenance)

	require.Len(t, src.Movements, 2)
	out := src.Movements[1]
	require.Equal(t, MovementTransfer, out.Type)
	require.Equal(t, destID, out.RefRecordID)
	require.Len(t, dest.Movements, 1)
	require.Equal(t, id, dest.Movements[0].RefRecordID)
	require.Equal(t, 1, meter.counts["TRANSFER"])
}

func TestTransferBeyondAvailableFails(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	_, err := svc.ReserveStock(ctx, id, 20, "order-55", time.Time{})
	require.NoError(t, err)

	_, err = svc.TransferStock(ctx, id, 80, 3, "B-07", 9)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)

	src, err := svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(95), src.CurrentStock)
	require.Len(t, repo.records, 1)
}

func TestSameWarehouseTransferRelocates(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	destID, err := svc.TransferStock(ctx, id, 95, 0, "A-02", 9)
	require.NoError(t, err)
	require.Equal(t, id, destID)

	rec, err := svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "A-02", rec.Location)
	require.Equal(t, int64(95), rec.CurrentStock)
	require.Len(t, repo.records, 1)

	_, err = svc.TransferStock(ctx, id, 10, 0, "A-02", 9)
	require.ErrorIs(t, err, ErrValidation)
}

func TestSameWarehouseTransferQtyBoundedByStock(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	_, err := svc.TransferStock(ctx, id, 96, 0, "A-02", 9)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(95), insufficient.Available)

	// The move never happened, so neither location nor ledger changed.
	rec, err := svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "A-01", rec.Location)
	require.Len(t, rec.Movements, 1)
}

func TestUtilizationRemovesStockAndLogsEntry(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	require.NoError(t, svc.RecordUtilization(ctx, id, 15, "ward-3", 9))

	rec, err := svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(80), rec.CurrentStock)
	require.Len(t, repo.utilizations, 1)
	require.Equal(t, "ward-3", repo.utilizations[0].Consumer)

	require.ErrorIs(t, svc.RecordUtilization(ctx, id, 5, "", 9), ErrValidation)
}

func TestAdjustmentCannotDropBelowReserved(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	_, err := svc.ReserveStock(ctx, id, 40, "order-1", time.Time{})
	require.NoError(t, err)

	err = svc.AdjustStock(ctx, id, -60, "cycle count", 9)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)

	require.NoError(t, svc.AdjustStock(ctx, id, -55, "cycle count", 9))
	rec, err := svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(40), rec.CurrentStock)
	require.Equal(t, int64(40), rec.ReservedStock)
	require.Equal(t, int64(0), rec.AvailableStock())
	require.Equal(t, MovementAdjustment, rec.Movements[len(rec.Movements)-1].Type)
}

func TestDeactivatedRecordRejectsMutations(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	require.NoError(t, svc.Deactivate(ctx, id, 9))

	require.ErrorIs(t, svc.AddStock(ctx, id, 5, "", 9), ErrInactiveRecord)
	require.ErrorIs(t, svc.RemoveStock(ctx, id, 5, "", 9), ErrInactiveRecord)
	_, err := svc.ReserveStock(ctx, id, 5, "order-1", time.Time{})
	require.ErrorIs(t, err, ErrInactiveRecord)

	// History stays queryable after deactivation.
	rec, err := svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.False(t, rec.Active)
	require.Len(t, rec.Movements, 1)
}

func TestReorderAlertFiresAtThreshold(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	require.NoError(t, svc.SetMinimumStock(ctx, id, 50))
	alerts, err := svc.ReorderAlerts(ctx)
	require.NoError(t, err)
	require.Empty(t, alerts)

	require.NoError(t, svc.RemoveStock(ctx, id, 45, "dispense", 9))
	alerts, err = svc.ReorderAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.True(t, alerts[0].NeedsReorder())
}

func TestExpiryClassification(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	window := 30 * 24 * time.Hour

	rec := Record{ExpDate: now.Add(90 * 24 * time.Hour)}
	require.Equal(t, ExpiryGood, rec.ExpiryStatusAt(now, window))

	rec.ExpDate = now.Add(10 * 24 * time.Hour)
	require.Equal(t, ExpiryNear, rec.ExpiryStatusAt(now, window))

	rec.ExpDate = now.Add(-time.Hour)
	require.Equal(t, Expired, rec.ExpiryStatusAt(now, window))

	rec.ExpDate = time.Time{}
	require.Equal(t, ExpiryGood, rec.ExpiryStatusAt(now, window))
}

func TestReleaseExpiredReservationsSweep(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	_, err := svc.ReserveStock(ctx, id, 10, "order-1", past)
	require.NoError(t, err)
	_, err = svc.ReserveStock(ctx, id, 20, "order-2", future)
	require.NoError(t, err)

	released, err := svc.ReleaseExpiredReservations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	rec, err := svc.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(20), rec.ReservedStock)
}

func TestProductJourneyCollatesHistory(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	id := seedStock(t, svc, repo, 95)
	ctx := context.Background()

	require.NoError(t, svc.RecordUtilization(ctx, id, 10, "ward-1", 9))
	_, err := svc.ReserveStock(ctx, id, 5, "order-9", time.Time{})
	require.NoError(t, err)

	journey, err := svc.ProductJourney(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(7), journey.Provenance.POID)
	require.Equal(t, int64(30), journey.Provenance.ApprovalID)
	require.Len(t, journey.Utilizations, 1)
	require.Len(t, journey.Movements, 2)
	require.Len(t, journey.Reservations, 1)
}
