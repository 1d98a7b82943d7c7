// Job reference cache operations.
// The cached set is replaced wholesale inside one transaction; insert
// order is the cache order served to offline readers (rowid ordering).
package sqlite

import (
	"time"

	"github.com/fieldledger/fieldledger/internal/domain"
)

// ReplaceJobs atomically swaps the cached job set.
func (db *DB) ReplaceJobs(jobs []domain.CachedJob) error {
	tx, err := db.db.Begin()
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM job_cache`); err != nil {
		return storeErr(err)
	}
	for _, j := range jobs {
		_, err := tx.Exec(`
			INSERT INTO job_cache (id, job_number, customer, origin, destination, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, j.ID, j.JobNumber, j.Customer, j.Origin, j.Destination, formatTime(j.FetchedAt))
		if err != nil {
			return storeErr(err)
		}
	}
	return storeErr(tx.Commit())
}

// ListCachedJobs returns cached jobs in cache order, capped at limit
// (0 = all).
func (db *DB) ListCachedJobs(limit int) ([]domain.CachedJob, error) {
	q := `
		SELECT id, job_number, customer, origin, destination, fetched_at
		FROM job_cache ORDER BY rowid ASC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.db.Query(q, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var jobs []domain.CachedJob
	for rows.Next() {
		var j domain.CachedJob
		var fetchedAt string
		if err := rows.Scan(&j.ID, &j.JobNumber, &j.Customer, &j.Origin,
			&j.Destination, &fetchedAt); err != nil {
			return nil, storeErr(err)
		}
		j.FetchedAt = parseTime(fetchedAt)
		jobs = append(jobs, j)
	}
	return jobs, storeErr(rows.Err())
}

// CachedJobByID looks up one cached job.
func (db *DB) CachedJobByID(id string) (*domain.CachedJob, error) {
	jobs, err := db.ListCachedJobs(0)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if jobs[i].ID == id {
			return &jobs[i], nil
		}
	}
	return nil, domain.NotFound("job", id)
}

// JobCacheFetchedAt returns when the cache was last refreshed. The zero
// time means the cache is empty.
func (db *DB) JobCacheFetchedAt() (time.Time, error) {
	var fetchedAt *string
	err := db.db.QueryRow(`SELECT MIN(fetched_at) FROM job_cache`).Scan(&fetchedAt)
	if err != nil {
		return time.Time{}, storeErr(err)
	}
	if fetchedAt == nil {
		return time.Time{}, nil
	}
	return parseTime(*fetchedAt), nil
}

// CachedJobCount returns the cached set size.
func (db *DB) CachedJobCount() (int, error) {
	var count int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM job_cache`).Scan(&count)
	return count, storeErr(err)
}
