// Package e2e exercises the full procure-to-stock pipeline with the real
// services wired together over in-memory stores: purchase order approval,
// receiving, per-unit quality control, warehouse approval and the resulting
// inventory positions.
package e2e

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pharmaflow/pharmaflow/internal/inventory"
	"github.com/pharmaflow/pharmaflow/internal/procurement"
	"github.com/pharmaflow/pharmaflow/internal/quality"
)

// procStore is an in-memory procurement repository.
type procStore struct {
	pos        map[int64]*procurement.PurchaseOrder
	workflow   map[int64][]procurement.WorkflowEntry
	receivings map[int64]*procurement.ReceivingRecord
	nextPO     int64
	nextLine   int64
	nextRec    int64
	nextRecLn  int64
}

func newProcStore() *procStore {
	return &procStore{
		pos:        make(map[int64]*procurement.PurchaseOrder),
		workflow:   make(map[int64][]procurement.WorkflowEntry),
		receivings: make(map[int64]*procurement.ReceivingRecord),
	}
}

func (m *procStore) WithTx(ctx context.Context, fn func(context.Context, procurement.TxRepository) error) error {
	return fn(ctx, m)
}

func (m *procStore) GetPO(ctx context.Context, id int64) (procurement.PurchaseOrder, error) {
	po, ok := m.pos[id]
	if !ok {
		return procurement.PurchaseOrder{}, procurement.ErrNotFound
	}
	return *po, nil
}

func (m *procStore) GetPOForUpdate(ctx context.Context, id int64) (procurement.PurchaseOrder, error) {
	return m.GetPO(ctx, id)
}

func (m *procStore) ListPOs(ctx context.Context, limit, offset int, filters procurement.ListFilters) ([]procurement.PurchaseOrder, int, error) {
	var out []procurement.PurchaseOrder
	for _, po := range m.pos {
		out = append(out, *po)
	}
	return out, len(out), nil
}

func (m *procStore) GetWorkflow(ctx context.Context, poID int64) ([]procurement.WorkflowEntry, error) {
	return m.workflow[poID], nil
}

func (m *procStore) GetReceiving(ctx context.Context, id int64) (procurement.ReceivingRecord, error) {
	rec, ok := m.receivings[id]
	if !ok {
		return procurement.ReceivingRecord{}, procurement.ErrNotFound
	}
	return *rec, nil
}

func (m *procStore) ListReceivingsForPO(ctx context.Context, poID int64) ([]procurement.ReceivingRecord, error) {
	var out []procurement.ReceivingRecord
	for _, rec := range m.receivings {
		if rec.POID == poID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *procStore) ListActivePOIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	for id, po := range m.pos {
		if !procurement.Terminal(po.Stage) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *procStore) CreatePO(ctx context.Context, po procurement.PurchaseOrder) (int64, error) {
	m.nextPO++
	po.ID = m.nextPO
	po.CreatedAt = time.Now().UTC()
	m.pos[po.ID] = &po
	return po.ID, nil
}

func (m *procStore) InsertPOLine(ctx context.Context, line procurement.POLine) error {
	m.nextLine++
	line.ID = m.nextLine
	po := m.pos[line.POID]
	po.Lines = append(po.Lines, line)
	return nil
}

func (m *procStore) ReplacePOLines(ctx context.Context, poID int64, lines []procurement.POLine) error {
	po := m.pos[poID]
	po.Lines = nil
	for _, line := range lines {
		if err := m.InsertPOLine(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

func (m *procStore) UpdatePOStage(ctx context.Context, id int64, stage procurement.POStage) error {
	po, ok := m.pos[id]
	if !ok {
		return procurement.ErrNotFound
	}
	po.Stage = stage
	return nil
}

func (m *procStore) SetPOApprovalTimestamp(ctx context.Context, id int64, column string, at time.Time) error {
	po, ok := m.pos[id]
	if !ok {
		return procurement.ErrNotFound
	}
	switch column {
	case "approved_l1_at":
		po.ApprovedL1At = at
	case "approved_final_at":
		po.ApprovedFinalAt = at
	case "ordered_at":
		po.OrderedAt = at
	}
	return nil
}

func (m *procStore) UpdatePOLineReceipt(ctx context.Context, lineID, receivedQty, backlogQty int64) error {
	for _, po := range m.pos {
		for i := range po.Lines {
			if po.Lines[i].ID == lineID {
				po.Lines[i].ReceivedQty = receivedQty
				po.Lines[i].BacklogQty = backlogQty
				return nil
			}
		}
	}
	return procurement.ErrNotFound
}

func (m *procStore) AppendWorkflow(ctx context.Context, entry procurement.WorkflowEntry) error {
	entry.ID = int64(len(m.workflow[entry.POID]) + 1)
	m.workflow[entry.POID] = append(m.workflow[entry.POID], entry)
	return nil
}

func (m *procStore) CreateReceiving(ctx context.Context, rec procurement.ReceivingRecord) (int64, error) {
	m.nextRec++
	rec.ID = m.nextRec
	rec.CreatedAt = time.Now().UTC()
	m.receivings[rec.ID] = &rec
	return rec.ID, nil
}

func (m *procStore) InsertReceivingLine(ctx context.Context, line procurement.ReceivingLine) error {
	m.nextRecLn++
	line.ID = m.nextRecLn
	rec := m.receivings[line.ReceivingID]
	rec.Lines = append(rec.Lines, line)
	return nil
}

func (m *procStore) ReplaceReceivingLines(ctx context.Context, receivingID int64, lines []procurement.ReceivingLine) error {
	rec := m.receivings[receivingID]
	rec.Lines = nil
	for _, line := range lines {
		if err := m.InsertReceivingLine(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

func (m *procStore) UpdateReceivingStatus(ctx context.Context, id int64, status procurement.ReceivingStatus) error {
	rec, ok := m.receivings[id]
	if !ok {
		return procurement.ErrNotFound
	}
	rec.Status = status
	return nil
}

func (m *procStore) SetReceivingQCRef(ctx context.Context, id, qcID int64) error {
	rec, ok := m.receivings[id]
	if !ok {
		return procurement.ErrNotFound
	}
	rec.QCRecordID = qcID
	return nil
}

func (m *procStore) DeleteReceiving(ctx context.Context, id int64) error {
	delete(m.receivings, id)
	return nil
}

func (m *procStore) SumReceivedByProduct(ctx context.Context, poID, excludeReceivingID int64) (map[int64]int64, error) {
	sums := make(map[int64]int64)
	for _, rec := range m.receivings {
		if rec.POID != poID || rec.Status == procurement.ReceivingDraft || rec.ID == excludeReceivingID {
			continue
		}
		for _, line := range rec.Lines {
			sums[line.ProductID] += line.ReceivedQty
		}
	}
	return sums, nil
}

// qcStore is an in-memory quality repository.
type qcStore struct {
	records   map[int64]*quality.Record
	approvals map[int64]*quality.Approval
	nextQC    int64
	nextProd  int64
	nextItem  int64
	nextWA    int64
	nextWProd int64
	nextMA    int64
}

func newQCStore() *qcStore {
	return &qcStore{
		records:   make(map[int64]*quality.Record),
		approvals: make(map[int64]*quality.Approval),
	}
}

func (m *qcStore) WithTx(ctx context.Context, fn func(context.Context, quality.TxRepository) error) error {
	return fn(ctx, m)
}

func (m *qcStore) GetRecord(ctx context.Context, id int64) (quality.Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return quality.Record{}, quality.ErrNotFound
	}
	return *rec, nil
}

func (m *qcStore) GetRecordForUpdate(ctx context.Context, id int64) (quality.Record, error) {
	return m.GetRecord(ctx, id)
}

func (m *qcStore) GetRecordByReceiving(ctx context.Context, receivingID int64) (quality.Record, error) {
	for _, rec := range m.records {
		if rec.ReceivingID == receivingID {
			return *rec, nil
		}
	}
	return quality.Record{}, quality.ErrNotFound
}

func (m *qcStore) ListRecords(ctx context.Context, limit, offset int, status quality.RecordStatus) ([]quality.Record, int, error) {
	var out []quality.Record
	for _, rec := range m.records {
		if status == "" || rec.Status == status {
			out = append(out, *rec)
		}
	}
	return out, len(out), nil
}

func (m *qcStore) GetApproval(ctx context.Context, id int64) (quality.Approval, error) {
	a, ok := m.approvals[id]
	if !ok {
		return quality.Approval{}, quality.ErrNotFound
	}
	return *a, nil
}

func (m *qcStore) GetApprovalForUpdate(ctx context.Context, id int64) (quality.Approval, error) {
	return m.GetApproval(ctx, id)
}

func (m *qcStore) ListApprovals(ctx context.Context, limit, offset int, status quality.ApprovalStatus) ([]quality.Approval, int, error) {
	var out []quality.Approval
	for _, a := range m.approvals {
		if status == "" || a.Status == status {
			out = append(out, *a)
		}
	}
	return out, len(out), nil
}

func (m *qcStore) CreateRecord(ctx context.Context, rec quality.Record) (int64, error) {
	m.nextQC++
	rec.ID = m.nextQC
	rec.CreatedAt = time.Now().UTC()
	m.records[rec.ID] = &rec
	return rec.ID, nil
}

func (m *qcStore) InsertProduct(ctx context.Context, product quality.Product) (int64, error) {
	m.nextProd++
	product.ID = m.nextProd
	rec := m.records[product.QCID]
	rec.Products = append(rec.Products, product)
	return product.ID, nil
}

func (m *qcStore) InsertItem(ctx context.Context, item quality.Item) error {
	m.nextItem++
	item.ID = m.nextItem
	for _, rec := range m.records {
		for i := range rec.Products {
			if rec.Products[i].ID == item.ProductID {
				rec.Products[i].Items = append(rec.Products[i].Items, item)
				return nil
			}
		}
	}
	return quality.ErrNotFound
}

func (m *qcStore) UpdateItem(ctx context.Context, itemID int64, status quality.ItemStatus, reasons []string) error {
	for _, rec := range m.records {
		for i := range rec.Products {
			for j := range rec.Products[i].Items {
				if rec.Products[i].Items[j].ID == itemID {
					rec.Products[i].Items[j].Status = status
					rec.Products[i].Items[j].Reasons = reasons
					return nil
				}
			}
		}
	}
	return quality.ErrNotFound
}

func (m *qcStore) UpdateProduct(ctx context.Context, product quality.Product) error {
	for _, rec := range m.records {
		for i := range rec.Products {
			if rec.Products[i].ID == product.ID {
				items := rec.Products[i].Items
				rec.Products[i] = product
				rec.Products[i].Items = items
				return nil
			}
		}
	}
	return quality.ErrNotFound
}

func (m *qcStore) UpdateRecordStatus(ctx context.Context, id int64, status quality.RecordStatus, result quality.ProductStatus) error {
	rec, ok := m.records[id]
	if !ok {
		return quality.ErrNotFound
	}
	rec.Status = status
	rec.OverallResult = result
	return nil
}

func (m *qcStore) CreateApproval(ctx context.Context, approval quality.Approval) (int64, error) {
	m.nextWA++
	approval.ID = m.nextWA
	approval.CreatedAt = time.Now().UTC()
	m.approvals[approval.ID] = &approval
	return approval.ID, nil
}

func (m *qcStore) InsertApprovalProduct(ctx context.Context, product quality.ApprovalProduct) error {
	m.nextWProd++
	product.ID = m.nextWProd
	a := m.approvals[product.ApprovalID]
	a.Products = append(a.Products, product)
	return nil
}

func (m *qcStore) UpdateApprovalProduct(ctx context.Context, product quality.ApprovalProduct) error {
	for _, a := range m.approvals {
		for i := range a.Products {
			if a.Products[i].ID == product.ID {
				a.Products[i] = product
				return nil
			}
		}
	}
	return quality.ErrNotFound
}

func (m *qcStore) UpdateApprovalStatus(ctx context.Context, id int64, status quality.ApprovalStatus, result quality.ApprovalResult) error {
	a, ok := m.approvals[id]
	if !ok {
		return quality.ErrNotFound
	}
	a.Status = status
	a.OverallResult = result
	return nil
}

func (m *qcStore) SetFinalApproval(ctx context.Context, id int64, at time.Time) error {
	a, ok := m.approvals[id]
	if !ok {
		return quality.ErrNotFound
	}
	a.FinalApproval = at
	return nil
}

func (m *qcStore) InsertManagerAction(ctx context.Context, action quality.ManagerAction) error {
	m.nextMA++
	action.ID = m.nextMA
	a := m.approvals[action.ApprovalID]
	a.Actions = append(a.Actions, action)
	return nil
}

// invStore is an in-memory inventory repository.
type invStore struct {
	records      map[int64]*inventory.Record
	reservations map[int64]*inventory.Reservation
	utilizations []inventory.UtilizationEntry
	nextRecord   int64
	nextRes      int64
}

func newInvStore() *invStore {
	return &invStore{
		records:      map[int64]*inventory.Record{},
		reservations: map[int64]*inventory.Reservation{},
		nextRecord:   1,
		nextRes:      1,
	}
}

func (m *invStore) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return fn(ctx, m)
}

func (m *invStore) CreateRecord(_ context.Context, rec inventory.Record) (int64, error) {
	rec.ID = m.nextRecord
	m.nextRecord++
	m.records[rec.ID] = &rec
	return rec.ID, nil
}

func (m *invStore) GetRecordForUpdate(_ context.Context, id int64) (inventory.Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return inventory.Record{}, inventory.ErrNotFound
	}
	return *rec, nil
}

func (m *invStore) FindRecordForUpdate(_ context.Context, productID int64, batch string, warehouseID int64, location string) (inventory.Record, error) {
	for _, rec := range m.records {
		if rec.Active && rec.ProductID == productID && rec.BatchNumber == batch && rec.WarehouseID == warehouseID && rec.Location == location {
			return *rec, nil
		}
	}
	return inventory.Record{}, inventory.ErrNotFound
}

func (m *invStore) UpdateBalances(_ context.Context, id, currentStock, reservedStock int64) error {
	rec, ok := m.records[id]
	if !ok {
		return inventory.ErrNotFound
	}
	rec.CurrentStock = currentStock
	rec.ReservedStock = reservedStock
	return nil
}

func (m *invStore) UpdateLocation(_ context.Context, id int64, location string) error {
	rec, ok := m.records[id]
	if !ok {
		return inventory.ErrNotFound
	}
	rec.Location = location
	return nil
}

func (m *invStore) UpdateMinimumStock(_ context.Context, id, minimum int64) error {
	rec, ok := m.records[id]
	if !ok {
		return inventory.ErrNotFound
	}
	rec.MinimumStock = minimum
	return nil
}

func (m *invStore) DeactivateRecord(_ context.Context, id int64) error {
	rec, ok := m.records[id]
	if !ok {
		return inventory.ErrNotFound
	}
	rec.Active = false
	return nil
}

func (m *invStore) InsertMovement(_ context.Context, movement inventory.Movement) error {
	rec, ok := m.records[movement.RecordID]
	if !ok {
		return inventory.ErrNotFound
	}
	movement.ID = int64(len(rec.Movements) + 1)
	rec.Movements = append(rec.Movements, movement)
	return nil
}

func (m *invStore) HasApprovalInward(_ context.Context, recordID, approvalID int64) (bool, error) {
	rec, ok := m.records[recordID]
	if !ok {
		return false, inventory.ErrNotFound
	}
	for _, mv := range rec.Movements {
		if mv.Type == inventory.MovementInward && mv.Reason == inventory.ApprovalReason(approvalID) {
			return true, nil
		}
	}
	return false, nil
}

func (m *invStore) InsertReservation(_ context.Context, reservation inventory.Reservation) (int64, error) {
	reservation.ID = m.nextRes
	m.nextRes++
	m.reservations[reservation.ID] = &reservation
	if rec, ok := m.records[reservation.RecordID]; ok {
		rec.Reservations = append(rec.Reservations, reservation)
	}
	return reservation.ID, nil
}

func (m *invStore) GetReservationForUpdate(_ context.Context, id int64) (inventory.Reservation, error) {
	res, ok := m.reservations[id]
	if !ok {
		return inventory.Reservation{}, inventory.ErrNotFound
	}
	return *res, nil
}

func (m *invStore) MarkReservationReleased(_ context.Context, id int64) error {
	res, ok := m.reservations[id]
	if !ok {
		return inventory.ErrNotFound
	}
	res.Released = true
	return nil
}

func (m *invStore) InsertUtilization(_ context.Context, entry inventory.UtilizationEntry) error {
	m.utilizations = append(m.utilizations, entry)
	return nil
}

func (m *invStore) GetRecord(_ context.Context, id int64) (inventory.Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return inventory.Record{}, inventory.ErrNotFound
	}
	return *rec, nil
}

func (m *invStore) ListRecords(_ context.Context, limit, offset int, filters inventory.ListFilters) ([]inventory.Record, int, error) {
	var out []inventory.Record
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

func (m *invStore) LoadJourney(_ context.Context, recordID int64) (inventory.Journey, error) {
	rec, ok := m.records[recordID]
	if !ok {
		return inventory.Journey{}, inventory.ErrNotFound
	}
	journey := inventory.Journey{
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

func (m *invStore) ListNearExpiry(_ context.Context, now time.Time, window time.Duration) ([]inventory.Record, error) {
	var out []inventory.Record
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

func (m *invStore) ListReorderAlerts(_ context.Context) ([]inventory.Record, error) {
	var out []inventory.Record
	for _, rec := range m.records {
		if rec.Active && rec.NeedsReorder() {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *invStore) ListExpiredReservationIDs(_ context.Context, now time.Time) ([]int64, error) {
	var ids []int64
	for id, res := range m.reservations {
		if !res.Released && !res.ExpiresAt.IsZero() && res.ExpiresAt.Before(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type pipeline struct {
	proc    *procurement.Service
	qc      *quality.Service
	inv     *inventory.Service
	invRepo *invStore
}

func newPipeline(t *testing.T) *pipeline {
	return newPipelineWith(t, newQCStore())
}

func newPipelineWith(t *testing.T, qcRepo quality.RepositoryPort) *pipeline {
	t.Helper()
	invRepo := newInvStore()
	invSvc := inventory.NewService(invRepo, nil, nil, nil, inventory.ServiceConfig{})
	procSvc := procurement.NewService(newProcStore(), nil, nil, nil, nil, nil, procurement.ServiceConfig{ReceiptTolerance: 0.10})
	qcSvc := quality.NewService(qcRepo, procSvc, invSvc, nil, nil, quality.ServiceConfig{ApprovalLevels: 2})
	procSvc.SetQuality(qcSvc)
	return &pipeline{proc: procSvc, qc: qcSvc, inv: invSvc, invRepo: invRepo}
}

func (p *pipeline) orderedPO(t *testing.T, qty int64) procurement.PurchaseOrder {
	t.Helper()
	ctx := context.Background()
	po, err := p.proc.CreatePurchaseOrder(ctx, procurement.CreatePOInput{
		SupplierID: 7,
		CreatedBy:  1,
		Lines: []procurement.POLineInput{
			{ProductID: 100, OrderedQty: qty, UnitPrice: decimal.NewFromInt(25)},
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.proc.SubmitPurchaseOrder(ctx, po.ID, 2, ""))
	require.NoError(t, p.proc.ApprovePurchaseOrder(ctx, po.ID, 3, ""))
	require.NoError(t, p.proc.ApprovePurchaseOrder(ctx, po.ID, 4, ""))
	require.NoError(t, p.proc.ApprovePurchaseOrder(ctx, po.ID, 5, ""))
	return po
}

func (p *pipeline) inspect(t *testing.T, qcID int64, passed, failed int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < passed; i++ {
		require.NoError(t, p.qc.RecordItemResult(ctx, qcID, 0, i, quality.ItemPassed, nil, 3))
	}
	for i := 0; i < failed; i++ {
		require.NoError(t, p.qc.RecordItemResult(ctx, qcID, 0, passed+i, quality.ItemFailed, []string{quality.ReasonDamagedPackaging}, 3))
	}
}

// TestProcureToStockPipeline walks one order through the whole chain: 100
// units ordered and received, 95 pass unit inspection, the warehouse approves
// the passed quantity and exactly 95 units land in stock carrying the full
// provenance trail.
func TestProcureToStockPipeline(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	po := p.orderedPO(t, 100)

	rec, err := p.proc.SubmitReceiving(ctx, procurement.SubmitReceivingInput{
		POID:      po.ID,
		CreatedBy: 6,
		Lines: []procurement.ReceivingLineInput{
			{ProductID: 100, ReceivedQty: 100, BatchNumber: "B1",
				MfgDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
				ExpDate: time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.proc.SubmitReceivingRecord(ctx, rec.ID, 6))

	// Quality control opened with one item per received unit.
	qcRec, err := p.qc.GetRecordByReceiving(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, qcRec.Products, 1)
	require.Len(t, qcRec.Products[0].Items, 100)

	// A further delivery of 12 would put the cumulative 112 over the
	// 10% ceiling of 110.
	_, err = p.proc.SubmitReceiving(ctx, procurement.SubmitReceivingInput{
		POID:  po.ID,
		Lines: []procurement.ReceivingLineInput{{ProductID: 100, ReceivedQty: 12, BatchNumber: "B2"}},
	})
	var over *procurement.OverReceiptError
	require.ErrorAs(t, err, &over)
	require.Equal(t, int64(112), over.CumulativeQty)

	p.inspect(t, qcRec.ID, 95, 5)
	require.NoError(t, p.qc.SubmitForApproval(ctx, qcRec.ID, 3))
	require.NoError(t, p.qc.ApproveRecord(ctx, qcRec.ID, 4, "partial pass"))

	poGot, err := p.proc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, procurement.StageQCPassed, poGot.Stage)

	approvals, _, err := p.qc.ListApprovals(ctx, 10, 0, quality.ApprovalInProgress)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	waID := approvals[0].ID

	require.NoError(t, p.qc.RecordWarehouseCheck(ctx, waID, 0, quality.CheckInput{
		Decision:    quality.DecisionApproved,
		WarehouseID: 2,
		Location:    "A-01",
		Conditions:  "15-25C",
	}, 5))
	require.NoError(t, p.qc.RecordManagerAction(ctx, waID, 1, quality.ManagerApprove, 8, ""))
	require.NoError(t, p.qc.RecordManagerAction(ctx, waID, 2, quality.ManagerApprove, 9, ""))

	// The approved quantity is now on hand, tied back to its origin.
	records, _, err := p.inv.ListRecords(ctx, 10, 0, inventory.ListFilters{ProductID: 100})
	require.NoError(t, err)
	require.Len(t, records, 1)
	stock := records[0]
	require.Equal(t, int64(95), stock.CurrentStock)
	require.Equal(t, "B1", stock.BatchNumber)
	require.Equal(t, int64(2), stock.WarehouseID)
	require.Equal(t, "A-01", stock.Location)
	require.Equal(t, po.ID, stock.Provenance.POID)
	require.Equal(t, rec.ID, stock.Provenance.ReceivingID)
	require.Equal(t, qcRec.ID, stock.Provenance.QCRecordID)
	require.Equal(t, waID, stock.Provenance.ApprovalID)
	require.True(t, stock.UnitCost.Equal(decimal.NewFromInt(25)))

	// Fully received, so completing the receiving chain closed the order.
	poGot, err = p.proc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, procurement.StageCompleted, poGot.Stage)

	recGot, err := p.proc.GetReceiving(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, procurement.ReceivingCompleted, recGot.Status)
}

// TestPipelineReservationAndTransfer continues past stock intake: reserve 20
// of the 95 on hand, then move 50 to another warehouse.
func TestPipelineReservationAndTransfer(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	po := p.orderedPO(t, 100)
	rec, err := p.proc.SubmitReceiving(ctx, procurement.SubmitReceivingInput{
		POID:      po.ID,
		CreatedBy: 6,
		Lines: []procurement.ReceivingLineInput{
			{ProductID: 100, ReceivedQty: 100, BatchNumber: "B1"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.proc.SubmitReceivingRecord(ctx, rec.ID, 6))

	qcRec, err := p.qc.GetRecordByReceiving(ctx, rec.ID)
	require.NoError(t, err)
	p.inspect(t, qcRec.ID, 95, 5)
	require.NoError(t, p.qc.SubmitForApproval(ctx, qcRec.ID, 3))
	require.NoError(t, p.qc.ApproveRecord(ctx, qcRec.ID, 4, ""))

	approvals, _, err := p.qc.ListApprovals(ctx, 10, 0, quality.ApprovalInProgress)
	require.NoError(t, err)
	waID := approvals[0].ID
	require.NoError(t, p.qc.RecordWarehouseCheck(ctx, waID, 0, quality.CheckInput{
		Decision: quality.DecisionApproved, WarehouseID: 2, Location: "A-01",
	}, 5))
	require.NoError(t, p.qc.RecordManagerAction(ctx, waID, 1, quality.ManagerApprove, 8, ""))
	require.NoError(t, p.qc.RecordManagerAction(ctx, waID, 2, quality.ManagerApprove, 9, ""))

	records, _, err := p.inv.ListRecords(ctx, 10, 0, inventory.ListFilters{ProductID: 100})
	require.NoError(t, err)
	require.Len(t, records, 1)
	srcID := records[0].ID

	res, err := p.inv.ReserveStock(ctx, srcID, 20, "order-77", time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Reference)

	src, err := p.inv.GetRecord(ctx, srcID)
	require.NoError(t, err)
	require.Equal(t, int64(95), src.CurrentStock)
	require.Equal(t, int64(20), src.ReservedStock)
	require.Equal(t, int64(75), src.AvailableStock())

	destID, err := p.inv.TransferStock(ctx, srcID, 50, 3, "N-01", 5)
	require.NoError(t, err)

	src, err = p.inv.GetRecord(ctx, srcID)
	require.NoError(t, err)
	require.Equal(t, int64(45), src.CurrentStock)
	require.Equal(t, int64(20), src.ReservedStock)

	dest, err := p.inv.GetRecord(ctx, destID)
	require.NoError(t, err)
	require.Equal(t, int64(50), dest.CurrentStock)
	require.Equal(t, int64(3), dest.WarehouseID)
	require.Equal(t, "B1", dest.BatchNumber)

	// Reserved units cannot travel.
	_, err = p.inv.TransferStock(ctx, srcID, 30, 3, "N-02", 5)
	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
}

var errFlakyStore = errors.New("storage briefly unavailable")

// unstableQCStore fails SetFinalApproval a set number of times, mimicking a
// completion transaction that dies after the inward posting committed.
type unstableQCStore struct {
	*qcStore
	failures int
}

func (m *unstableQCStore) WithTx(ctx context.Context, fn func(context.Context, quality.TxRepository) error) error {
	return fn(ctx, m)
}

func (m *unstableQCStore) SetFinalApproval(ctx context.Context, id int64, at time.Time) error {
	if m.failures > 0 {
		m.failures--
		return errFlakyStore
	}
	return m.qcStore.SetFinalApproval(ctx, id, at)
}

// TestPipelineRetriedFinalApprovalPostsStockOnce kills the warehouse
// completion once after the inward posting committed, then retries. The stock
// balance must equal the approved quantity, not double it.
func TestPipelineRetriedFinalApprovalPostsStockOnce(t *testing.T) {
	qcRepo := &unstableQCStore{qcStore: newQCStore(), failures: 1}
	p := newPipelineWith(t, qcRepo)
	ctx := context.Background()

	po := p.orderedPO(t, 10)
	rec, err := p.proc.SubmitReceiving(ctx, procurement.SubmitReceivingInput{
		POID:      po.ID,
		CreatedBy: 6,
		Lines: []procurement.ReceivingLineInput{
			{ProductID: 100, ReceivedQty: 10, BatchNumber: "B1"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.proc.SubmitReceivingRecord(ctx, rec.ID, 6))

	qcRec, err := p.qc.GetRecordByReceiving(ctx, rec.ID)
	require.NoError(t, err)
	p.inspect(t, qcRec.ID, 10, 0)
	require.NoError(t, p.qc.SubmitForApproval(ctx, qcRec.ID, 3))
	require.NoError(t, p.qc.ApproveRecord(ctx, qcRec.ID, 4, ""))

	approvals, _, err := p.qc.ListApprovals(ctx, 10, 0, quality.ApprovalInProgress)
	require.NoError(t, err)
	waID := approvals[0].ID
	require.NoError(t, p.qc.RecordWarehouseCheck(ctx, waID, 0, quality.CheckInput{
		Decision: quality.DecisionApproved, WarehouseID: 2, Location: "A-01",
	}, 5))
	require.NoError(t, p.qc.RecordManagerAction(ctx, waID, 1, quality.ManagerApprove, 8, ""))

	err = p.qc.RecordManagerAction(ctx, waID, 2, quality.ManagerApprove, 9, "")
	require.ErrorIs(t, err, errFlakyStore)

	// The units already landed but the approval is still open.
	records, _, err := p.inv.ListRecords(ctx, 10, 0, inventory.ListFilters{ProductID: 100})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(10), records[0].CurrentStock)
	a, err := p.qc.GetApproval(ctx, waID)
	require.NoError(t, err)
	require.Equal(t, quality.ApprovalPendingManager, a.Status)

	require.NoError(t, p.qc.RecordManagerAction(ctx, waID, 2, quality.ManagerApprove, 9, ""))

	records, _, err = p.inv.ListRecords(ctx, 10, 0, inventory.ListFilters{ProductID: 100})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(10), records[0].CurrentStock)
	require.Len(t, records[0].Movements, 1)

	a, err = p.qc.GetApproval(ctx, waID)
	require.NoError(t, err)
	require.Equal(t, quality.ApprovalCompleted, a.Status)

	recGot, err := p.proc.GetReceiving(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, procurement.ReceivingCompleted, recGot.Status)
}

// TestPipelineQCRejectionStopsStock drives a fully failed inspection and
// verifies nothing reaches inventory while the receiving chain is rejected.
func TestPipelineQCRejectionStopsStock(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	po := p.orderedPO(t, 10)
	rec, err := p.proc.SubmitReceiving(ctx, procurement.SubmitReceivingInput{
		POID:      po.ID,
		CreatedBy: 6,
		Lines: []procurement.ReceivingLineInput{
			{ProductID: 100, ReceivedQty: 10, BatchNumber: "B1"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.proc.SubmitReceivingRecord(ctx, rec.ID, 6))

	qcRec, err := p.qc.GetRecordByReceiving(ctx, rec.ID)
	require.NoError(t, err)
	p.inspect(t, qcRec.ID, 0, 10)
	require.NoError(t, p.qc.SubmitForApproval(ctx, qcRec.ID, 3))
	require.NoError(t, p.qc.RejectRecord(ctx, qcRec.ID, 4, "entire batch damaged"))

	recGot, err := p.proc.GetReceiving(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, procurement.ReceivingRejected, recGot.Status)

	poGot, err := p.proc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, procurement.StageQCFailed, poGot.Stage)

	records, _, err := p.inv.ListRecords(ctx, 10, 0, inventory.ListFilters{})
	require.NoError(t, err)
	require.Empty(t, records)
}
