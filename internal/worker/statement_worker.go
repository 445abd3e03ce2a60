// Package worker turns ledger change events into exported balance
// statements.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"coinquilini/internal/amqp"
	"coinquilini/internal/core"
	"coinquilini/internal/ledger"
	"coinquilini/internal/sheets"
)

// LedgerReader is the slice of the persistence boundary the worker
// needs to rebuild a statement.
type LedgerReader interface {
	GetApartment(ctx context.Context, id int64) (core.Apartment, error)
	LedgerSnapshot(ctx context.Context, apartmentID int64) ([]core.User, []core.Expense, error)
}

// StatementWorker consumes ledger events and writes fresh statements
// through the configured sink.
type StatementWorker struct {
	reader LedgerReader
	sink   sheets.StatementWriter
}

func NewStatementWorker(reader LedgerReader, sink sheets.StatementWriter) *StatementWorker {
	return &StatementWorker{reader: reader, sink: sink}
}

// HandleEvent processes a single ledger event. The message carries only
// identifiers; the current state is reloaded from the database so stale
// or re-delivered events still produce a correct statement.
func (w *StatementWorker) HandleEvent(ctx context.Context, msg *amqp.LedgerEventMessage) error {
	slog.InfoContext(ctx, "Processing ledger event",
		"kind", msg.Kind,
		"apartment_id", msg.ApartmentID)

	if msg.Kind == amqp.EventApartmentDeleted {
		return w.removeStatement(ctx, msg.ApartmentID)
	}

	apartment, err := w.reader.GetApartment(ctx, msg.ApartmentID)
	if errors.Is(err, core.ErrNotFound) {
		// apartment vanished between event and processing; the delete
		// event will follow
		slog.WarnContext(ctx, "Apartment gone, skipping statement export",
			"apartment_id", msg.ApartmentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get apartment: %w", err)
	}

	roster, expenses, err := w.reader.LedgerSnapshot(ctx, msg.ApartmentID)
	if err != nil {
		return fmt.Errorf("load ledger snapshot: %w", err)
	}
	credits, err := ledger.TenantCredits(roster, expenses)
	if err != nil {
		return fmt.Errorf("compute credits: %w", err)
	}

	if err := w.sink.WriteStatement(ctx, apartment, credits); err != nil {
		return fmt.Errorf("write statement: %w", err)
	}

	slog.InfoContext(ctx, "Statement exported",
		"apartment", apartment.Name,
		"tenants", len(credits))
	return nil
}

func (w *StatementWorker) removeStatement(ctx context.Context, apartmentID int64) error {
	remover, ok := w.sink.(sheets.StatementRemover)
	if !ok {
		slog.WarnContext(ctx, "Statement sink cannot remove statements, skipping",
			"apartment_id", apartmentID)
		return nil
	}
	if err := remover.RemoveStatement(ctx, apartmentID); err != nil {
		return fmt.Errorf("remove statement: %w", err)
	}
	return nil
}
