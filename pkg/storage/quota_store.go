package storage

import (
	"time"

	apperrors "github.com/odvcencio/paddock/pkg/errors"
)

// QuotaDateFormat is the calendar-day key for quota counters.
const QuotaDateFormat = "2006-01-02"

// QuotaDate formats a timestamp as a quota counter day key.
func QuotaDate(t time.Time) string {
	return t.Format(QuotaDateFormat)
}

// CheckAndConsume admits one request for the user on the given day and
// increments their counter. Administrators bypass quota entirely.
//
// Admission and increment happen in a single UPDATE guarded by the current
// count, so two concurrent requests racing for the last slot cannot both be
// admitted: whichever UPDATE lands second matches zero rows.
func (s *Store) CheckAndConsume(username, date string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}

	user, err := s.GetUser(username)
	if err != nil {
		return err
	}
	if user.IsAdmin {
		return nil
	}

	// Lazily create the counter row for this day.
	if _, err := s.db.Exec(`
		INSERT INTO quota_counters (username, date, count)
		VALUES (?, ?, 0)
		ON CONFLICT(username, date) DO NOTHING
	`, username, date); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to create quota counter")
	}

	res, err := s.db.Exec(`
		UPDATE quota_counters
		SET count = count + 1
		WHERE username = ? AND date = ? AND count < ?
	`, username, date, user.DailyLimit)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to increment quota counter")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to read quota update result")
	}
	if affected == 0 {
		return apperrors.New(apperrors.ErrCodeQuotaExceeded, "daily request limit reached").
			WithContext("username", username).
			WithContext("limit", user.DailyLimit)
	}
	return nil
}

// QuotaUsage returns the user's request count for the given day. A missing
// counter row reads as zero.
func (s *Store) QuotaUsage(username, date string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	var count int
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(count), 0) FROM quota_counters WHERE username = ? AND date = ?
	`, username, date).Scan(&count)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to read quota counter")
	}
	return count, nil
}
