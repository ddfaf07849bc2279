// Package pgstore provides a PostgreSQL implementation of ledger.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/imara/internal/ledger"
)

var tracer = otel.Tracer("github.com/linnemanlabs/imara/internal/ledger/pgstore")

//go:embed schema.sql
var schema string

// Store persists chain links in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const linkColumns = `case_id, sequence_no, artifact_hash, decision_hash, prev_chain_hash, chain_hash, created_at`

// Head retrieves the most recent chain link for a case.
func (s *Store) Head(ctx context.Context, caseID string) (*ledger.ChainLink, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Head", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + linkColumns + ` FROM chain_links WHERE case_id = $1 ORDER BY sequence_no DESC LIMIT 1`
	link, err := scanLink(s.pool.QueryRow(ctx, query, caseID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if link == nil {
		return nil, false, nil
	}
	return link, true, nil
}

// Append inserts a chain link. The primary key on (case_id,
// sequence_no) rejects conflicting concurrent appends.
func (s *Store) Append(ctx context.Context, link *ledger.ChainLink) error {
	ctx, span := tracer.Start(ctx, "pgstore.Append", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	query := `INSERT INTO chain_links (` + linkColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := s.pool.Exec(ctx, query,
		link.CaseID, link.SequenceNo, link.ArtifactHash, link.DecisionHash,
		link.PrevChainHash, link.ChainHash, link.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert chain link seq %d: %w", link.SequenceNo, err)
	}
	return nil
}

// Links retrieves the full chain for a case in sequence order.
func (s *Store) Links(ctx context.Context, caseID string) ([]ledger.ChainLink, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Links", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + linkColumns + ` FROM chain_links WHERE case_id = $1 ORDER BY sequence_no`
	rows, err := s.pool.Query(ctx, query, caseID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query chain links: %w", err)
	}
	defer rows.Close()

	var links []ledger.ChainLink
	for rows.Next() {
		var link ledger.ChainLink
		if err := rows.Scan(
			&link.CaseID, &link.SequenceNo, &link.ArtifactHash, &link.DecisionHash,
			&link.PrevChainHash, &link.ChainHash, &link.CreatedAt,
		); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan chain link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate chain links: %w", err)
	}
	return links, nil
}

// scanLink scans a single row into a ChainLink. Returns (nil, nil) when
// no row is found.
func scanLink(row pgx.Row) (*ledger.ChainLink, error) {
	var link ledger.ChainLink
	err := row.Scan(
		&link.CaseID, &link.SequenceNo, &link.ArtifactHash, &link.DecisionHash,
		&link.PrevChainHash, &link.ChainHash, &link.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	return &link, nil
}
