package store

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/kandev/tgsched/internal/common/errors"
)

// migrate brings an older tenant database forward to the current schema.
// Every step is idempotent: ADD COLUMN is guarded by a column-existence
// check, and JSON repair only rewrites rows that actually fail to parse.
func (s *Store) migrate() error {
	steps := []func() error{
		s.migrateAddMissingColumns,
		s.migrateCSVTargetsToJSON,
		s.migrateDeleteMalformedRandomSlots,
		s.migrateRepairJSONColumns,
		s.migratePrunePastUpcomingTimes,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return false, apperrors.StorageCorrupt("inspect table "+table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, apperrors.StorageCorrupt("scan table_info", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) addColumnIfMissing(table, column, ddl string) error {
	exists, err := s.hasColumn(table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = s.db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + ddl)
	if err != nil {
		return apperrors.StorageCorrupt("add column "+column+" to "+table, err)
	}
	return nil
}

func (s *Store) migrateAddMissingColumns() error {
	additions := []struct{ table, column, ddl string }{
		{"linked_accounts", "label", "TEXT"},
		{"linked_accounts", "created_at", "TIMESTAMP DEFAULT CURRENT_TIMESTAMP"},
		{"info", "trial_days", "INTEGER DEFAULT 3"},
		{"info", "subscription_until", "TIMESTAMP"},
		{"info", "last_license_notice", "TIMESTAMP"},
		{"random_posts", "upcoming_slot_times_json", "TEXT NOT NULL DEFAULT '[]'"},
		{"posts", "freshness_days", "INTEGER NOT NULL DEFAULT 3"},
	}
	for _, a := range additions {
		if err := s.addColumnIfMissing(a.table, a.column, a.ddl); err != nil {
			return err
		}
	}
	return nil
}

// migrateRepairJSONColumns rewrites any row whose *_json column fails to
// parse as a JSON array back to "[]", mirroring the predecessor's
// fix_corrupted_json_data pass.
func (s *Store) migrateRepairJSONColumns() error {
	targets := []struct{ table, column, pk string }{
		{"repost_streams", "targets_json", "id"},
		{"random_posts", "donors_json", "id"},
		{"random_posts", "targets_json", "id"},
		{"random_posts", "upcoming_slot_times_json", "id"},
		{"periodic_posts", "targets_json", "id"},
		{"posts", "donors_snapshot_json", "id"},
		{"posts", "targets_snapshot_json", "id"},
	}
	for _, t := range targets {
		if err := s.repairJSONColumn(t.table, t.column, t.pk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) repairJSONColumn(table, column, pk string) error {
	rows, err := s.db.Query(`SELECT ` + pk + `, ` + column + ` FROM ` + table)
	if err != nil {
		return apperrors.StorageCorrupt("scan "+table+"."+column, err)
	}

	type bad struct {
		id  int64
		val string
	}
	var toFix []bad
	for rows.Next() {
		var id int64
		var val string
		if err := rows.Scan(&id, &val); err != nil {
			rows.Close()
			return apperrors.StorageCorrupt("scan row", err)
		}
		var probe []json.RawMessage
		if err := json.Unmarshal([]byte(val), &probe); err != nil {
			toFix = append(toFix, bad{id: id, val: val})
		}
	}
	rows.Close()

	for _, b := range toFix {
		if _, err := s.db.Exec(`UPDATE `+table+` SET `+column+` = '[]' WHERE `+pk+` = ?`, b.id); err != nil {
			return apperrors.StorageCorrupt("repair malformed json", err)
		}
		s.log.Warn("repaired malformed JSON column",
			zap.String("table", table), zap.String("column", column))
	}
	return nil
}

// migrateCSVTargetsToJSON rewrites any legacy comma-separated targets column
// ("123,456") into a JSON array ("[123,456]").
func (s *Store) migrateCSVTargetsToJSON() error {
	tables := []string{"repost_streams", "random_posts", "periodic_posts"}
	for _, table := range tables {
		rows, err := s.db.Query(`SELECT id, targets_json FROM ` + table)
		if err != nil {
			return apperrors.StorageCorrupt("scan "+table+" targets", err)
		}
		type row struct {
			id  int64
			val string
		}
		var toFix []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.val); err != nil {
				rows.Close()
				return apperrors.StorageCorrupt("scan row", err)
			}
			trimmed := strings.TrimSpace(r.val)
			if trimmed == "" || strings.HasPrefix(trimmed, "[") {
				continue
			}
			toFix = append(toFix, r)
		}
		rows.Close()

		for _, r := range toFix {
			parts := strings.Split(r.val, ",")
			ids := make([]int64, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p == "" {
					continue
				}
				if v, err := strconv.ParseInt(p, 10, 64); err == nil {
					ids = append(ids, v)
				}
			}
			encoded, _ := json.Marshal(ids)
			if _, err := s.db.Exec(`UPDATE `+table+` SET targets_json = ? WHERE id = ?`, string(encoded), r.id); err != nil {
				return apperrors.StorageCorrupt("rewrite csv targets", err)
			}
		}
	}
	return nil
}

// migratePrunePastUpcomingTimes drops any timestamps in
// random_posts.upcoming_slot_times_json that have already elapsed, keeping
// the column a forward-looking schedule only.
func (s *Store) migratePrunePastUpcomingTimes() error {
	rows, err := s.db.Query(`SELECT id, upcoming_slot_times_json FROM random_posts`)
	if err != nil {
		return apperrors.StorageCorrupt("scan upcoming slot times", err)
	}
	type row struct {
		id  int64
		raw string
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.raw); err != nil {
			rows.Close()
			return apperrors.StorageCorrupt("scan row", err)
		}
		all = append(all, r)
	}
	rows.Close()

	now := time.Now()
	for _, r := range all {
		var times []string
		if err := json.Unmarshal([]byte(r.raw), &times); err != nil {
			continue
		}
		future := times[:0:0]
		for _, t := range times {
			parsed, err := time.Parse(time.RFC3339, t)
			if err != nil {
				continue
			}
			if parsed.After(now) {
				future = append(future, t)
			}
		}
		encoded, _ := json.Marshal(future)
		if _, err := s.db.Exec(`UPDATE random_posts SET upcoming_slot_times_json = ? WHERE id = ?`, string(encoded), r.id); err != nil {
			return apperrors.StorageCorrupt("prune upcoming slot times", err)
		}
	}
	return nil
}

// migrateDeleteMalformedRandomSlots removes 'random'-kind posts whose
// donors snapshot JSON cannot be parsed as an array — these cannot be
// recovered and would otherwise wedge the random pass forever.
func (s *Store) migrateDeleteMalformedRandomSlots() error {
	rows, err := s.db.Query(`SELECT id, donors_snapshot_json FROM posts WHERE content_kind = 'random'`)
	if err != nil {
		return apperrors.StorageCorrupt("scan random slots", err)
	}
	type row struct {
		id  int64
		raw string
	}
	var bad []int64
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.raw); err != nil {
			rows.Close()
			return apperrors.StorageCorrupt("scan row", err)
		}
		var probe []json.RawMessage
		if err := json.Unmarshal([]byte(r.raw), &probe); err != nil {
			bad = append(bad, r.id)
		}
	}
	rows.Close()

	for _, id := range bad {
		if _, err := s.db.Exec(`DELETE FROM posts WHERE id = ?`, id); err != nil {
			return apperrors.StorageCorrupt("delete malformed random slot", err)
		}
		s.log.Warn("deleted malformed random slot", zap.Int64("slot_id", id))
	}
	return nil
}
