package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TicketStatus is the lifecycle state of a relay ticket. Transitions only
// go from pending to responded or refunded.
type TicketStatus string

const (
	TicketPending   TicketStatus = "pending"
	TicketResponded TicketStatus = "responded"
	TicketRefunded  TicketStatus = "refunded"
)

// Ticket is a relayed message awaiting a response from its target account.
type Ticket struct {
	ID              int64
	SenderName      string
	SenderUserID    string
	OriginPlatform  string
	OriginChannel   string
	TargetAccountID int64
	Message         string
	Status          TicketStatus
	CreatedAt       time.Time
	RespondedAt     time.Time
}

// CreateTicket inserts a pending ticket and points the target account's
// last-ticket reference at it, in one transaction.
func (s *Store) CreateTicket(ctx context.Context, t Ticket) (Ticket, error) {
	t.Status = TicketPending
	t.CreatedAt = s.utcNow()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Ticket{}, fmt.Errorf("begin ticket tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `INSERT INTO message_requests(sender_name, sender_user_id, origin_platform, origin_channel, target_account_id, message, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		t.SenderName, t.SenderUserID, t.OriginPlatform, t.OriginChannel, t.TargetAccountID, t.Message, string(t.Status), t.CreatedAt).Scan(&t.ID)
	if err != nil {
		return Ticket{}, fmt.Errorf("insert ticket: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE streamer_accounts SET last_ticket_id=$1 WHERE id=$2`, t.ID, t.TargetAccountID)
	if err != nil {
		return Ticket{}, fmt.Errorf("update last ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Ticket{}, fmt.Errorf("target account %d: %w", t.TargetAccountID, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return Ticket{}, fmt.Errorf("commit ticket: %w", err)
	}
	return t, nil
}

// GetTicket loads a ticket by id.
func (s *Store) GetTicket(ctx context.Context, id int64) (Ticket, error) {
	var t Ticket
	var status string
	var responded sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT id, sender_name, sender_user_id, origin_platform, origin_channel, target_account_id, message, status, created_at, responded_at
		FROM message_requests WHERE id = $1`, id).
		Scan(&t.ID, &t.SenderName, &t.SenderUserID, &t.OriginPlatform, &t.OriginChannel, &t.TargetAccountID, &t.Message, &status, &t.CreatedAt, &responded)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, ErrNotFound
	}
	if err != nil {
		return Ticket{}, err
	}
	t.Status = TicketStatus(status)
	t.RespondedAt = responded.Time
	return t, nil
}

// ResolveTicket moves a pending ticket to status. A missing ticket yields
// ErrNotFound; one that already left pending yields ErrConflict.
func (s *Store) ResolveTicket(ctx context.Context, id int64, status TicketStatus) error {
	if status != TicketResponded && status != TicketRefunded {
		return fmt.Errorf("invalid ticket status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE message_requests SET status=$1, responded_at=$2 WHERE id=$3 AND status=$4`,
		string(status), s.utcNow(), id, string(TicketPending))
	if err != nil {
		return fmt.Errorf("resolve ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetTicket(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

// CountTickets returns the number of tickets ever created.
func (s *Store) CountTickets(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_requests`).Scan(&n)
	return n, err
}
