package quality

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pharmaflow/pharmaflow/internal/procurement"
)

type memoryRepo struct {
	records   map[int64]*Record
	approvals map[int64]*Approval
	nextQC    int64
	nextProd  int64
	nextItem  int64
	nextWA    int64
	nextWProd int64
	nextMA    int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		records:   make(map[int64]*Record),
		approvals: make(map[int64]*Approval),
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryRepo) GetRecord(ctx context.Context, id int64) (Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (m *memoryRepo) GetRecordForUpdate(ctx context.Context, id int64) (Record, error) {
	return m.GetRecord(ctx, id)
}

func (m *memoryRepo) GetRecordByReceiving(ctx context.Context, receivingID int64) (Record, error) {
	for _, rec := range m.records {
		if rec.ReceivingID == receivingID {
			return *rec, nil
		}
	}
	return Record{}, ErrNotFound
}

func (m *memoryRepo) ListRecords(ctx context.Context, limit, offset int, status RecordStatus) ([]Record, int, error) {
	var out []Record
	for _, rec := range m.records {
		if status == "" || rec.Status == status {
			out = append(out, *rec)
		}
	}
	return out, len(out), nil
}

func (m *memoryRepo) GetApproval(ctx context.Context, id int64) (Approval, error) {
	a, ok := m.approvals[id]
	if !ok {
		return Approval{}, ErrNotFound
	}
	return *a, nil
}

func (m *memoryRepo) GetApprovalForUpdate(ctx context.Context, id int64) (Approval, error) {
	return m.GetApproval(ctx, id)
}

func (m *memoryRepo) ListApprovals(ctx context.Context, limit, offset int, status ApprovalStatus) ([]Approval, int, error) {
	var out []Approval
	for _, a := range m.approvals {
		if status == "" || a.Status == status {
			out = append(out, *a)
		}
	}
	return out, len(out), nil
}

func (m *memoryRepo) CreateRecord(ctx context.Context, rec Record) (int64, error) {
	m.nextQC++
	rec.ID = m.nextQC
	rec.CreatedAt = time.Now().UTC()
	m.records[rec.ID] = &rec
	return rec.ID, nil
}

func (m *memoryRepo) InsertProduct(ctx context.Context, product Product) (int64, error) {
	m.nextProd++
	product.ID = m.nextProd
	rec := m.records[product.QCID]
	rec.Products = append(rec.Products, product)
	return product.ID, nil
}

func (m *memoryRepo) InsertItem(ctx context.Context, item Item) error {
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
	return ErrNotFound
}

func (m *memoryRepo) UpdateItem(ctx context.Context, itemID int64, status ItemStatus, reasons []string) error {
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
	return ErrNotFound
}

func (m *memoryRepo) UpdateProduct(ctx context.Context, product Product) error {
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
	return ErrNotFound
}

func (m *memoryRepo) UpdateRecordStatus(ctx context.Context, id int64, status RecordStatus, result ProductStatus) error {
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.OverallResult = result
	return nil
}

func (m *memoryRepo) CreateApproval(ctx context.Context, approval Approval) (int64, error) {
	m.nextWA++
	approval.ID = m.nextWA
	approval.CreatedAt = time.Now().UTC()
	m.approvals[approval.ID] = &approval
	return approval.ID, nil
}

func (m *memoryRepo) InsertApprovalProduct(ctx context.Context, product ApprovalProduct) error {
	m.nextWProd++
	product.ID = m.nextWProd
	a := m.approvals[product.ApprovalID]
	a.Products = append(a.Products, product)
	return nil
}

func (m *memoryRepo) UpdateApprovalProduct(ctx context.Context, product ApprovalProduct) error {
	for _, a := range m.approvals {
		for i := range a.Products {
			if a.Products[i].ID == product.ID {
				a.Products[i] = product
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *memoryRepo) UpdateApprovalStatus(ctx context.Context, id int64, status ApprovalStatus, result ApprovalResult) error {
	a, ok := m.approvals[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.OverallResult = result
	return nil
}

func (m *memoryRepo) SetFinalApproval(ctx context.Context, id int64, at time.Time) error {
	a, ok := m.approvals[id]
	if !ok {
		return ErrNotFound
	}
	a.FinalApproval = at
	return nil
}

func (m *memoryRepo) InsertManagerAction(ctx context.Context, action ManagerAction) error {
	m.nextMA++
	action.ID = m.nextMA
	a := m.approvals[action.ApprovalID]
	a.Actions = append(a.Actions, action)
	return nil
}

type fakeProcurement struct {
	qcPassed  []int64
	rejected  []int64
	completed []int64
}

func (f *fakeProcurement) MarkQCPassed(ctx context.Context, poID int64) error {
	f.qcPassed = append(f.qcPassed, poID)
	return nil
}

func (f *fakeProcurement) RejectReceivingChain(ctx context.Context, receivingID int64) error {
	f.rejected = append(f.rejected, receivingID)
	return nil
}

func (f *fakeProcurement) CompleteReceivingChain(ctx context.Context, receivingID int64) error {
	f.completed = append(f.completed, receivingID)
	return nil
}

type fakeInventory struct {
	events []ApprovalCompletedEvent
}

func (f *fakeInventory) CreateFromApproval(ctx context.Context, evt ApprovalCompletedEvent) error {
	f.events = append(f.events, evt)
	return nil
}

func newTestService(repo *memoryRepo) (*Service, *fakeProcurement, *fakeInventory) {
	proc := &fakeProcurement{}
	inv := &fakeInventory{}
	svc := NewService(repo, proc, inv, nil, nil, ServiceConfig{ApprovalLevels: 2})
	return svc, proc, inv
}

func seedRecord(t *testing.T, svc *Service, qty int64) int64 {
	t.Helper()
	qcID, err := svc.CreateFromReceiving(context.Background(), procurement.ReceivingSubmittedEvent{
		ReceivingID:   11,
		POID:          7,
		InvoiceNumber: "INV-1",
		Lines: []procurement.ReceivingLineEvent{
			{ProductID: 100, ReceivedQty: qty, BatchNumber: "B1", UnitPrice: decimal.NewFromInt(25)},
		},
	})
	require.NoError(t, err)
	return qcID
}

func inspectAll(t *testing.T, svc *Service, qcID int64, passed, failed int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < passed; i++ {
		require.NoError(t, svc.RecordItemResult(ctx, qcID, 0, i, ItemPassed, nil, 3))
	}
	for i := 0; i < failed; i++ {
		require.NoError(t, svc.RecordItemResult(ctx, qcID, 0, passed+i, ItemFailed, []string{ReasonDamagedPackaging}, 3))
	}
}

func TestCreateFromReceivingMaterialisesOneItemPerUnit(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(repo)

	qcID := seedRecord(t, svc, 5)
	rec, err := svc.GetRecord(context.Background(), qcID)
	require.NoError(t, err)
	require.Equal(t, RecordPending, rec.Status)
	require.Len(t, rec.Products, 1)
	require.Len(t, rec.Products[0].Items, 5)
	for _, item := range rec.Products[0].Items {
		require.Equal(t, ItemPending, item.Status)
		require.Empty(t, item.Reasons)
	}
}

func TestItemResultRecomputesSummaryAndStatus(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	qcID := seedRecord(t, svc, 4)
	require.NoError(t, svc.RecordItemResult(ctx, qcID, 0, 0, ItemPassed, nil, 3))

	rec, _ := svc.GetRecord(ctx, qcID)
	product := rec.Products[0]
	require.Equal(t, ProductInProgress, product.OverallStatus)
	require.Equal(t, int64(1), product.PassedQty)
	require.Equal(t, RecordInProgress, rec.Status)

	require.NoError(t, svc.RecordItemResult(ctx, qcID, 0, 1, ItemPassed, nil, 3))
	require.NoError(t, svc.RecordItemResult(ctx, qcID, 0, 2, ItemFailed, []string{ReasonDamagedPackaging}, 3))
	require.NoError(t, svc.RecordItemResult(ctx, qcID, 0, 3, ItemFailed, []string{ReasonExpired, ReasonDamagedPackaging}, 3))

	rec, _ = svc.GetRecord(ctx, qcID)
	product = rec.Products[0]
	require.Equal(t, ProductPartialPass, product.OverallStatus)
	require.Equal(t, int64(2), product.PassedQty)
	require.Equal(t, int64(2), product.FailedQty)
	require.Equal(t, int64(2), product.Summary[BucketReceivedCorrectly])
	require.Equal(t, int64(2), product.Summary[ReasonDamagedPackaging])
	require.Equal(t, int64(1), product.Summary[ReasonExpired])
	require.Equal(t, ProductPartialPass, rec.OverallResult)
}

func TestUniformReductions(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	qcID := seedRecord(t, svc, 3)
	inspectAll(t, svc, qcID, 3, 0)
	rec, _ := svc.GetRecord(ctx, qcID)
	require.Equal(t, ProductPassed, rec.Products[0].OverallStatus)
	require.Equal(t, ProductPassed, rec.OverallResult)

	qcID2 := seedRecord(t, svc, 3)
	inspectAll(t, svc, qcID2, 0, 3)
	rec2, _ := svc.GetRecord(ctx, qcID2)
	require.Equal(t, ProductFailed, rec2.Products[0].OverallStatus)
	require.Equal(t, ProductFailed, rec2.OverallResult)
}

func TestSubmitRequiresEveryItemInspected(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	qcID := seedRecord(t, svc, 3)
	require.NoError(t, svc.RecordItemResult(ctx, qcID, 0, 0, ItemPassed, nil, 3))

	err := svc.SubmitForApproval(ctx, qcID, 3)
	require.ErrorIs(t, err, ErrIncompleteSubmission)

	inspectAll(t, svc, qcID, 3, 0)
	require.NoError(t, svc.SubmitForApproval(ctx, qcID, 3))

	rec, _ := svc.GetRecord(ctx, qcID)
	require.Equal(t, RecordPendingApproval, rec.Status)

	// Frozen: no further inspections.
	err = svc.RecordItemResult(ctx, qcID, 0, 0, ItemFailed, nil, 3)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestApproveSeedsWarehouseApprovalWithPassedQty(t *testing.T) {
	repo := newMemoryRepo()
	svc, proc, _ := newTestService(repo)
	ctx := context.Background()

	qcID := seedRecord(t, svc, 100)
	inspectAll(t, svc, qcID, 95, 5)
	require.NoError(t, svc.SubmitForApproval(ctx, qcID, 3))
	require.NoError(t, svc.ApproveRecord(ctx, qcID, 4, "looks good"))

	rec, _ := svc.GetRecord(ctx, qcID)
	require.Equal(t, RecordCompleted, rec.Status)
	require.Equal(t, []int64{7}, proc.qcPassed)

	approvals, _, err := svc.ListApprovals(ctx, 10, 0, ApprovalInProgress)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	a, err := svc.GetApproval(ctx, approvals[0].ID)
	require.NoError(t, err)
	require.Len(t, a.Products, 1)
	require.Equal(t, int64(95), a.Products[0].CarriedQty)
	require.Equal(t, DecisionPending, a.Products[0].Decision)
}

func TestRejectRecordRejectsReceivingChain(t *testing.T) {
	repo := newMemoryRepo()
	svc, proc, _ := newTestService(repo)
	ctx := context.Background()

	qcID := seedRecord(t, svc, 3)
	inspectAll(t, svc, qcID, 0, 3)
	require.NoError(t, svc.SubmitForApproval(ctx, qcID, 3))
	require.NoError(t, svc.RejectRecord(ctx, qcID, 4, "all damaged"))

	rec, _ := svc.GetRecord(ctx, qcID)
	require.Equal(t, RecordRejected, rec.Status)
	require.Equal(t, []int64{11}, proc.rejected)
}

func seedApproval(t *testing.T, svc *Service, repo *memoryRepo, qty int64, passed int) int64 {
	t.Helper()
	ctx := context.Background()
	qcID := seedRecord(t, svc, qty)
	inspectAll(t, svc, qcID, passed, int(qty)-passed)
	require.NoError(t, svc.SubmitForApproval(ctx, qcID, 3))
	require.NoError(t, svc.ApproveRecord(ctx, qcID, 4, ""))
	approvals, _, err := svc.ListApprovals(ctx, 10, 0, ApprovalInProgress)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	return approvals[0].ID
}

func TestWarehouseCheckDecisions(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	waID := seedApproval(t, svc, repo, 100, 95)

	err := svc.RecordWarehouseCheck(ctx, waID, 0, CheckInput{Decision: DecisionPartialApproved, ApprovedQty: 96}, 5)
	require.ErrorIs(t, err, ErrInvalidQuantity)

	err = svc.RecordWarehouseCheck(ctx, waID, 0, CheckInput{Decision: DecisionPartialApproved, ApprovedQty: 0}, 5)
	require.ErrorIs(t, err, ErrInvalidQuantity)

	require.NoError(t, svc.RecordWarehouseCheck(ctx, waID, 0, CheckInput{Decision: DecisionApproved, Location: "A-01"}, 5))
	a, _ := svc.GetApproval(ctx, waID)
	require.Equal(t, int64(95), a.Products[0].ApprovedQty)
	require.Equal(t, ApprovalPendingManager, a.Status)
	require.Equal(t, ResultApproved, a.OverallResult)
}

func TestManagerApprovalRequiresLevelOne(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	waID := seedApproval(t, svc, repo, 10, 10)
	require.NoError(t, svc.RecordWarehouseCheck(ctx, waID, 0, CheckInput{Decision: DecisionApproved, Location: "A-01"}, 5))

	// Final-level approval without a level-1 action on record.
	err := svc.RecordManagerAction(ctx, waID, 2, ManagerApprove, 9, "")
	require.ErrorIs(t, err, ErrIncompleteSubmission)

	require.NoError(t, svc.RecordManagerAction(ctx, waID, 1, ManagerApprove, 8, ""))
	require.NoError(t, svc.RecordManagerAction(ctx, waID, 2, ManagerApprove, 9, ""))

	a, _ := svc.GetApproval(ctx, waID)
	require.Equal(t, ApprovalCompleted, a.Status)
	require.False(t, a.FinalApproval.IsZero())
}

func TestFinalApprovalPostsInventoryAndCompletesChain(t *testing.T) {
	repo := newMemoryRepo()
	svc, proc, inv := newTestService(repo)
	ctx := context.Background()

	waID := seedApproval(t, svc, repo, 100, 95)
	require.NoError(t, svc.RecordWarehouseCheck(ctx, waID, 0, CheckInput{Decision: DecisionApproved, WarehouseID: 2, Location: "A-01", Conditions: "cool, dry"}, 5))
	require.NoError(t, svc.RecordManagerAction(ctx, waID, 1, ManagerApprove, 8, ""))
	require.NoError(t, svc.RecordManagerAction(ctx, waID, 2, ManagerApprove, 9, ""))

	require.Len(t, inv.events, 1)
	evt := inv.events[0]
	require.Equal(t, int64(7), evt.POID)
	require.Equal(t, int64(11), evt.ReceivingID)
	require.Len(t, evt.Batches, 1)
	require.Equal(t, int64(95), evt.Batches[0].Qty)
	require.Equal(t, "B1", evt.Batches[0].BatchNumber)
	require.Equal(t, int64(2), evt.Batches[0].WarehouseID)
	require.Equal(t, "A-01", evt.Batches[0].Location)
	require.True(t, evt.Batches[0].UnitCost.Equal(decimal.NewFromInt(25)))

	require.Equal(t, []int64{11}, proc.completed)
}

func TestManagerRejectRejectsChainWithoutInventory(t *testing.T) {
	repo := newMemoryRepo()
	svc, proc, inv := newTestService(repo)
	ctx := context.Background()

	waID := seedApproval(t, svc, repo, 10, 10)
	require.NoError(t, svc.RecordWarehouseCheck(ctx, waID, 0, CheckInput{Decision: DecisionApproved, Location: "A-01"}, 5))
	require.NoError(t, svc.RecordManagerAction(ctx, waID, 1, ManagerReject, 8, "storage full"))

	a, _ := svc.GetApproval(ctx, waID)
	require.Equal(t, ApprovalRejected, a.Status)
	require.Empty(t, inv.events)
	require.Equal(t, []int64{11}, proc.rejected)
}

func TestRejectedProductCarriesNoStock(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, inv := newTestService(repo)
	ctx := context.Background()

	waID := seedApproval(t, svc, repo, 10, 10)
	require.NoError(t, svc.RecordWarehouseCheck(ctx, waID, 0, CheckInput{Decision: DecisionRejected}, 5))

	a, _ := svc.GetApproval(ctx, waID)
	require.Equal(t, ResultRejected, a.OverallResult)
	require.Equal(t, int64(0), a.Products[0].ApprovedQty)

	require.NoError(t, svc.RecordManagerAction(ctx, waID, 1, ManagerApprove, 8, ""))
	require.NoError(t, svc.RecordManagerAction(ctx, waID, 2, ManagerApprove, 9, ""))

	// Nothing approved, nothing posted.
	require.Empty(t, inv.events)
}

func TestCreateFromReceivingReplayResolvesExistingRecord(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(repo)

	qcID := seedRecord(t, svc, 5)

	again, err := svc.CreateFromReceiving(context.Background(), procurement.ReceivingSubmittedEvent{
		ReceivingID:   11,
		POID:          7,
		InvoiceNumber: "INV-1",
		Lines: []procurement.ReceivingLineEvent{
			{ProductID: 100, ReceivedQty: 5, BatchNumber: "B1", UnitPrice: decimal.NewFromInt(25)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, qcID, again)
	require.Len(t, repo.records, 1)
}

var errStorageFlake = errors.New("storage briefly unavailable")

// finalApprovalFlake fails SetFinalApproval a set number of times before
// behaving normally.
type finalApprovalFlake struct {
	*memoryRepo
	failures int
}

func (f *finalApprovalFlake) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, f)
}

func (f *finalApprovalFlake) SetFinalApproval(ctx context.Context, id int64, at time.Time) error {
	if f.failures > 0 {
		f.failures--
		return errStorageFlake
	}
	return f.memoryRepo.SetFinalApproval(ctx, id, at)
}

func TestFinalApprovalFailureLeavesApprovalRetryable(t *testing.T) {
	repo := newMemoryRepo()
	flaky := &finalApprovalFlake{memoryRepo: repo, failures: 1}
	proc := &fakeProcurement{}
	inv := &fakeInventory{}
	svc := NewService(flaky, proc, inv, nil, nil, ServiceConfig{ApprovalLevels: 2})
	ctx := context.Background()

	waID := seedApproval(t, svc, repo, 10, 10)
	require.NoError(t, svc.RecordWarehouseCheck(ctx, waID, 0, CheckInput{Decision: DecisionApproved, WarehouseID: 2, Location: "A-01"}, 5))
	require.NoError(t, svc.RecordManagerAction(ctx, waID, 1, ManagerApprove, 8, ""))

	err := svc.RecordManagerAction(ctx, waID, 2, ManagerApprove, 9, "")
	require.ErrorIs(t, err, errStorageFlake)

	// The posting reached inventory but the approval stayed open and the
	// chain did not complete.
	require.Len(t, inv.events, 1)
	a, _ := svc.GetApproval(ctx, waID)
	require.Equal(t, ApprovalPendingManager, a.Status)
	require.Empty(t, proc.completed)

	require.NoError(t, svc.RecordManagerAction(ctx, waID, 2, ManagerApprove, 9, ""))
	a, _ = svc.GetApproval(ctx, waID)
	require.Equal(t, ApprovalCompleted, a.Status)
	require.False(t, a.FinalApproval.IsZero())
	require.Equal(t, []int64{11}, proc.completed)
}

func TestChecksFrozenAfterManagerStage(t *testing.T) {
	repo := newMemoryRepo()
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	waID := seedApproval(t, svc, repo, 10, 10)
	require.NoError(t, svc.RecordWarehouseCheck(ctx, waID, 0, CheckInput{Decision: DecisionApproved, Location: "A-01"}, 5))

	err := svc.RecordWarehouseCheck(ctx, waID, 0, CheckInput{Decision: DecisionRejected}, 5)
	require.ErrorIs(t, err, ErrInvalidState)
}
