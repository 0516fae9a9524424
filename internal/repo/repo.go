package repo

import (
	"context"
	"database/sql"
	"errors"

	"reviewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// LoadStream returns a review's events ordered by stream version. An unknown
// review id yields an empty slice, not an error; callers distinguish the two
// via the review index.
func (r Repo) LoadStream(ctx context.Context, reviewID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,review_id,version,type,actor_id,ts,payload_json FROM events WHERE review_id=? ORDER BY version ASC`, reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var evts []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.ReviewID, &e.Version, &e.Type, &e.ActorID, &e.TS, &e.Payload); err != nil {
			return nil, err
		}
		evts = append(evts, e)
	}
	return evts, rows.Err()
}

// EventsAfter returns up to limit events across all streams with id greater
// than cursor, oldest first. Used by the log tail surfaces.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,review_id,version,type,actor_id,ts,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var evts []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.ReviewID, &e.Version, &e.Type, &e.ActorID, &e.TS, &e.Payload); err != nil {
			return nil, err
		}
		evts = append(evts, e)
	}
	return evts, rows.Err()
}

func scanReview(row *sql.Row) (domain.Review, error) {
	var rv domain.Review
	var doi sql.NullString
	err := row.Scan(&rv.ID, &rv.SubjectID, &rv.SubjectType, &rv.AuthorID, &rv.State, &doi, &rv.CreatedAt, &rv.UpdatedAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	if doi.Valid {
		rv.DOI = doi.String
	}
	return rv, err
}

func (r Repo) GetReview(ctx context.Context, id string) (domain.Review, error) {
	return scanReview(r.DB.QueryRowContext(ctx,
		`SELECT id,subject_id,subject_type,author_id,state,doi,created_at,updated_at FROM reviews WHERE id=?`, id))
}

// FindUnpublished returns the author's open review for a subject, if any.
// Anything short of published blocks starting a duplicate.
func (r Repo) FindUnpublished(ctx context.Context, authorID, subjectID string) (domain.Review, error) {
	return scanReview(r.DB.QueryRowContext(ctx,
		`SELECT id,subject_id,subject_type,author_id,state,doi,created_at,updated_at FROM reviews
		 WHERE author_id=? AND subject_id=? AND state!=? LIMIT 1`, authorID, subjectID, domain.StatePublished))
}

func (r Repo) ListReviews(ctx context.Context, authorID string) ([]domain.Review, error) {
	query := `SELECT id,subject_id,subject_type,author_id,state,doi,created_at,updated_at FROM reviews ORDER BY created_at DESC`
	args := []any{}
	if authorID != "" {
		query = `SELECT id,subject_id,subject_type,author_id,state,doi,created_at,updated_at FROM reviews WHERE author_id=? ORDER BY created_at DESC`
		args = append(args, authorID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var rv domain.Review
		var doi sql.NullString
		if err := rows.Scan(&rv.ID, &rv.SubjectID, &rv.SubjectType, &rv.AuthorID, &rv.State, &doi, &rv.CreatedAt, &rv.UpdatedAt); err != nil {
			return nil, err
		}
		if doi.Valid {
			rv.DOI = doi.String
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

// UpsertReviewTx keeps the index row in step with the stream inside the same
// transaction as the event append.
func (r Repo) UpsertReviewTx(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(id,subject_id,subject_type,author_id,state,doi,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET state=excluded.state, doi=excluded.doi, updated_at=excluded.updated_at`,
		rv.ID, rv.SubjectID, rv.SubjectType, rv.AuthorID, rv.State, nullable(rv.DOI), rv.CreatedAt, rv.UpdatedAt)
	return err
}
