package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pharmaflow/pharmaflow/internal/quality"
	"github.com/pharmaflow/pharmaflow/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRecord(ctx context.Context, id int64) (Record, error)
	ListRecords(ctx context.Context, limit, offset int, filters ListFilters) ([]Record, int, error)
	LoadJourney(ctx context.Context, recordID int64) (Journey, error)
	ListNearExpiry(ctx context.Context, now time.Time, window time.Duration) ([]Record, error)
	ListReorderAlerts(ctx context.Context) ([]Record, error)
	ListExpiredReservationIDs(ctx context.Context, now time.Time) ([]int64, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MovementCounter feeds the stock movement metric.
type MovementCounter interface {
	CountMovement(movementType string)
}

// Service owns the stock ledger: balances, movements, reservations,
// transfers and the product journey trace.
type Service struct {
	repo    RepositoryPort
	cache   *redis.Client
	audit   AuditPort
	counter MovementCounter
	window  time.Duration
	ttl     time.Duration
}

// ServiceConfig groups policy parameters.
type ServiceConfig struct {
	// NearExpiryWindow classifies batches expiring within it as near expiry.
	NearExpiryWindow time.Duration
	// JourneyTTL bounds the journey cache entries.
	JourneyTTL time.Duration
}

// NewService constructs the inventory service. Cache and counter are
// optional.
func NewService(repo RepositoryPort, cache *redis.Client, audit AuditPort, counter MovementCounter, cfg ServiceConfig) *Service {
	window := cfg.NearExpiryWindow
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	ttl := cfg.JourneyTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		repo:    repo,
		cache:   cache,
		audit:   audit,
		counter: counter,
		window:  window,
		ttl:     ttl,
	}
}

// CreateFromApproval posts every accepted batch of a completed warehouse
// approval into stock: one record per batch/location with an inward movement
// and the full upstream trace. Idempotent per approval: each batch commits
// separately, and a batch whose inward movement is already on the ledger is
// skipped, so the caller may retry after a partial failure without
// double-posting.
func (s *Service) CreateFromApproval(ctx context.Context, evt quality.ApprovalCompletedEvent) error {
	for _, batch := range evt.Batches {
		if batch.Qty <= 0 {
			continue
		}
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			existing, err := tx.FindRecordForUpdate(ctx, batch.ProductID, batch.BatchNumber, batch.WarehouseID, batch.Location)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			var recordID int64
			var current, reserved int64
			if err == nil {
				posted, err := tx.HasApprovalInward(ctx, existing.ID, evt.ApprovalID)
				if err != nil {
					return err
				}
				if posted {
					return nil
				}
				recordID = existing.ID
				current = existing.CurrentStock
				reserved = existing.ReservedStock
			} else {
				recordID, err = tx.CreateRecord(ctx, Record{
					ProductID:   batch.ProductID,
					BatchNumber: batch.BatchNumber,
					WarehouseID: batch.WarehouseID,
					Location:    batch.Location,
					Conditions:  batch.Conditions,
					UnitCost:    batch.UnitCost,
					MfgDate:     batch.MfgDate,
					ExpDate:     batch.ExpDate,
					Active:      true,
					Provenance: Provenance{
						POID:        evt.POID,
						ReceivingID: evt.ReceivingID,
						QCRecordID:  evt.QCRecordID,
						ApprovalID:  evt.ApprovalID,
					},
				})
				if err != nil {
					return err
				}
			}
			if err := tx.UpdateBalances(ctx, recordID, current+batch.Qty, reserved); err != nil {
				return err
			}
			return s.appendMovement(ctx, tx, Movement{
				RecordID: recordID,
				Type:     MovementInward,
				Qty:      batch.Qty,
				Reason:   ApprovalReason(evt.ApprovalID),
				ActorID:  evt.ActorID,
				At:       evt.ApprovedAt,
				DestLoc:  batch.Location,
			})
		})
		if err != nil {
			return err
		}
	}
	s.recordAudit(ctx, evt.ActorID, "STOCK_INTAKE", evt.ApprovalID, map[string]any{"batches": len(evt.Batches)})
	return nil
}

// AddStock increases the balance with an inward movement.
func (s *Service) AddStock(ctx context.Context, recordID, qty int64, reason string, actorID int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := s.lockActive(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if err := tx.UpdateBalances(ctx, recordID, rec.CurrentStock+qty, rec.ReservedStock); err != nil {
			return err
		}
		return s.appendMovement(ctx, tx, Movement{
			RecordID: recordID, Type: MovementInward, Qty: qty,
			Reason: reason, ActorID: actorID, At: time.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	s.invalidateJourney(ctx, recordID)
	return nil
}

// RemoveStock decreases the balance with an outward movement. A request
// beyond the available balance fails and leaves balances untouched.
func (s *Service) RemoveStock(ctx context.Context, recordID, qty int64, reason string, actorID int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return s.removeLocked(ctx, tx, recordID, qty, MovementOutward, reason, actorID, "")
	})
	if err != nil {
		return err
	}
	s.invalidateJourney(ctx, recordID)
	return nil
}

// ReserveStock moves quantity from available to reserved and appends a
// reservation entry.
func (s *Service) ReserveStock(ctx context.Context, recordID, qty int64, holder string, expiresAt time.Time) (Reservation, error) {
	if qty <= 0 {
		return Reservation{}, ErrInvalidQuantity
	}
	if holder == "" {
		return Reservation{}, fmt.Errorf("%w: holder required", ErrValidation)
	}
	var reservation Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := s.lockActive(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if qty > rec.AvailableStock() {
			return &InsufficientStockError{RecordID: recordID, Requested: qty, Available: rec.AvailableStock()}
		}
		if err := tx.UpdateBalances(ctx, recordID, rec.CurrentStock, rec.ReservedStock+qty); err != nil {
			return err
		}
		reservation = Reservation{
			RecordID:  recordID,
			Reference: uuid.NewString(),
			Qty:       qty,
			Holder:    holder,
			ExpiresAt: expiresAt,
			CreatedAt: time.Now().UTC(),
		}
		reservation.ID, err = tx.InsertReservation(ctx, reservation)
		return err
	})
	if err != nil {
		return Reservation{}, err
	}
	s.invalidateJourney(ctx, recordID)
	return reservation, nil
}

// ReleaseReservation restores the held quantity to available. Releasing an
// already-released reservation is a no-op, not an error.
func (s *Service) ReleaseReservation(ctx context.Context, reservationID int64) error {
	var recordID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		reservation, err := tx.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if reservation.Released {
			return nil
		}
		rec, err := tx.GetRecordForUpdate(ctx, reservation.RecordID)
		if err != nil {
			return err
		}
		if err := tx.MarkReservationReleased(ctx, reservationID); err != nil {
			return err
		}
		recordID = rec.ID
		return tx.UpdateBalances(ctx, rec.ID, rec.CurrentStock, rec.ReservedStock-reservation.Qty)
	})
	if err != nil {
		return err
	}
	if recordID != 0 {
		s.invalidateJourney(ctx, recordID)
	}
	return nil
}

// TransferStock moves quantity to another location. Within the same
// warehouse only the location fields change; across warehouses the source is
// decremented and a destination record is created or topped up with the same
// batch metadata, both sides referencing each other.
func (s *Service) TransferStock(ctx context.Context, recordID, qty int64, destWarehouseID int64, destLocation string, actorID int64) (int64, error) {
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}
	var destID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		src, err := s.lockActive(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if destWarehouseID == 0 || destWarehouseID == src.WarehouseID {
			// Same-warehouse move: relocate the record. The logged quantity
			// still has to exist on it.
			if destLocation == "" || destLocation == src.Location {
				return fmt.Errorf("%w: destination location required", ErrValidation)
			}
			if qty > src.CurrentStock {
				return &InsufficientStockError{RecordID: src.ID, Requested: qty, Available: src.CurrentStock}
			}
			if err := tx.UpdateLocation(ctx, src.ID, destLocation); err != nil {
				return err
			}
			destID = src.ID
			return s.appendMovement(ctx, tx, Movement{
				RecordID: src.ID, Type: MovementTransfer, Qty: qty,
				Reason: "location move", ActorID: actorID, At: time.Now().UTC(),
				SourceLoc: src.Location, DestLoc: destLocation,
			})
		}

		if qty > src.AvailableStock() {
			return &InsufficientStockError{RecordID: src.ID, Requested: qty, Available: src.AvailableStock()}
		}
		dest, err := tx.FindRecordForUpdate(ctx, src.ProductID, src.BatchNumber, destWarehouseID, destLocation)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		var destCurrent, destReserved int64
		if err == nil {
			destID = dest.ID
			destCurrent = dest.CurrentStock
			destReserved = dest.ReservedStock
		} else {
			destID, err = tx.CreateRecord(ctx, Record{
				ProductID:    src.ProductID,
				BatchNumber:  src.BatchNumber,
				WarehouseID:  destWarehouseID,
				Location:     destLocation,
				Conditions:   src.Conditions,
				UnitCost:     src.UnitCost,
				MfgDate:      src.MfgDate,
				ExpDate:      src.ExpDate,
				MinimumStock: src.MinimumStock,
				Active:       true,
				Provenance:   src.Provenance,
			})
			if err != nil {
				return err
			}
		}
		if err := tx.UpdateBalances(ctx, src.ID, src.CurrentStock-qty, src.ReservedStock); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := s.appendMovement(ctx, tx, Movement{
			RecordID: src.ID, Type: MovementTransfer, Qty: qty,
			Reason: "transfer out", ActorID: actorID, At: now,
			SourceLoc: src.Location, DestLoc: destLocation, RefRecordID: destID,
		}); err != nil {
			return err
		}
		if err := tx.UpdateBalances(ctx, destID, destCurrent+qty, destReserved); err != nil {
			return err
		}
		return s.appendMovement(ctx, tx, Movement{
			RecordID: destID, Type: MovementInward, Qty: qty,
			Reason: "transfer in", ActorID: actorID, At: now,
			SourceLoc: src.Location, DestLoc: destLocation, RefRecordID: src.ID,
		})
	})
	if err != nil {
		return 0, err
	}
	s.invalidateJourney(ctx, recordID)
	if destID != 0 && destID != recordID {
		s.invalidateJourney(ctx, destID)
	}
	return destID, nil
}

// RecordUtilization removes stock for consumption and appends a structured
// utilization entry for the product history.
func (s *Service) RecordUtilization(ctx context.Context, recordID, qty int64, consumer string, actorID int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if consumer == "" {
		return fmt.Errorf("%w: consumer required", ErrValidation)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := s.removeLocked(ctx, tx, recordID, qty, MovementOutward, fmt.Sprintf("utilization: %s", consumer), actorID, ""); err != nil {
			return err
		}
		return tx.InsertUtilization(ctx, UtilizationEntry{
			RecordID: recordID,
			Qty:      qty,
			Consumer: consumer,
			ActorID:  actorID,
			At:       time.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	s.invalidateJourney(ctx, recordID)
	return nil
}

// AdjustStock corrects the balance up or down with an adjustment movement.
func (s *Service) AdjustStock(ctx context.Context, recordID, delta int64, reason string, actorID int64) error {
	if delta == 0 {
		return ErrInvalidQuantity
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := s.lockActive(ctx, tx, recordID)
		if err != nil {
			return err
		}
		next := rec.CurrentStock + delta
		if next < rec.ReservedStock {
			return &InsufficientStockError{RecordID: recordID, Requested: -delta, Available: rec.AvailableStock()}
		}
		if err := tx.UpdateBalances(ctx, recordID, next, rec.ReservedStock); err != nil {
			return err
		}
		qty := delta
		if qty < 0 {
			qty = -qty
		}
		return s.appendMovement(ctx, tx, Movement{
			RecordID: recordID, Type: MovementAdjustment, Qty: qty,
			Reason: reason, ActorID: actorID, At: time.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	s.invalidateJourney(ctx, recordID)
	return nil
}

// Deactivate soft-deletes a record; its history remains queryable.
func (s *Service) Deactivate(ctx context.Context, recordID, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetRecordForUpdate(ctx, recordID); err != nil {
			return err
		}
		return tx.DeactivateRecord(ctx, recordID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "STOCK_DEACTIVATE", recordID, nil)
	return nil
}

// SetMinimumStock updates the reorder threshold.
func (s *Service) SetMinimumStock(ctx context.Context, recordID, minimum int64) error {
	if minimum < 0 {
		return ErrInvalidQuantity
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetRecordForUpdate(ctx, recordID); err != nil {
			return err
		}
		return tx.UpdateMinimumStock(ctx, recordID, minimum)
	})
}

// GetRecord returns one record with movements and reservations.
func (s *Service) GetRecord(ctx context.Context, recordID int64) (Record, error) {
	return s.repo.GetRecord(ctx, recordID)
}

// ListFilters narrows record listings.
type ListFilters struct {
	ProductID   int64
	WarehouseID int64
	ActiveOnly  bool
}

// ListRecords returns a page of records.
func (s *Service) ListRecords(ctx context.Context, limit, offset int, filters ListFilters) ([]Record, int, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListRecords(ctx, limit, offset, filters)
}

// ProductJourney returns the full upstream trace for one batch, served from
// the cache when fresh.
func (s *Service) ProductJourney(ctx context.Context, recordID int64) (Journey, error) {
	key := journeyKey(recordID)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, key).Bytes(); err == nil {
			var journey Journey
			if err := json.Unmarshal(cached, &journey); err == nil {
				return journey, nil
			}
		}
	}
	journey, err := s.repo.LoadJourney(ctx, recordID)
	if err != nil {
		return Journey{}, err
	}
	if s.cache != nil {
		if payload, err := json.Marshal(journey); err == nil {
			_ = s.cache.Set(ctx, key, payload, s.ttl).Err()
		}
	}
	return journey, nil
}

// NearExpiry returns active records expiring within the configured window.
func (s *Service) NearExpiry(ctx context.Context) ([]Record, error) {
	return s.repo.ListNearExpiry(ctx, time.Now().UTC(), s.window)
}

// ReorderAlerts returns active records at or below their minimum stock.
func (s *Service) ReorderAlerts(ctx context.Context) ([]Record, error) {
	return s.repo.ListReorderAlerts(ctx)
}

// ReleaseExpiredReservations releases every active reservation past its
// expiry, used by the scheduled sweep.
func (s *Service) ReleaseExpiredReservations(ctx context.Context) (int, error) {
	ids, err := s.repo.ListExpiredReservationIDs(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	released := 0
	for _, id := range ids {
		if err := s.ReleaseReservation(ctx, id); err != nil {
			return released, fmt.Errorf("release reservation %d: %w", id, err)
		}
		released++
	}
	return released, nil
}

func (s *Service) lockActive(ctx context.Context, tx TxRepository, recordID int64) (Record, error) {
	rec, err := tx.GetRecordForUpdate(ctx, recordID)
	if err != nil {
		return Record{}, err
	}
	if !rec.Active {
		return Record{}, ErrInactiveRecord
	}
	return rec, nil
}

func (s *Service) removeLocked(ctx context.Context, tx TxRepository, recordID, qty int64, movementType MovementType, reason string, actorID int64, destLoc string) error {
	rec, err := s.lockActive(ctx, tx, recordID)
	if err != nil {
		return err
	}
	if qty > rec.AvailableStock() {
		return &InsufficientStockError{RecordID: recordID, Requested: qty, Available: rec.AvailableStock()}
	}
	if err := tx.UpdateBalances(ctx, recordID, rec.CurrentStock-qty, rec.ReservedStock); err != nil {
		return err
	}
	return s.appendMovement(ctx, tx, Movement{
		RecordID: recordID, Type: movementType, Qty: qty,
		Reason: reason, ActorID: actorID, At: time.Now().UTC(),
		SourceLoc: rec.Location, DestLoc: destLoc,
	})
}

func (s *Service) appendMovement(ctx context.Context, tx TxRepository, movement Movement) error {
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return err
	}
	if s.counter != nil {
		s.counter.CountMovement(string(movement.Type))
	}
	return nil
}

func (s *Service) invalidateJourney(ctx context.Context, recordID int64) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, journeyKey(recordID)).Err()
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "inventory", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func journeyKey(recordID int64) string {
	return fmt.Sprintf("pharmaflow:journey:%d", recordID)
}
