// ABOUTME: Teacher persistence: CRUD, salary and grade queries, and grade assignments.
// ABOUTME: Grade assignments are replaced wholesale inside the same transaction as the teacher row.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const teacherSelect = `
	SELECT t.id, t.name, t.email, t.phone, t.subject, t.salary,
	       COALESCE(GROUP_CONCAT(g.grade), '')
	FROM teachers t
	LEFT JOIN grade_assignments g ON g.teacher_id = t.id
`

// CreateTeacher inserts t and its grade assignments and sets its ID.
func (s *SQLiteStore) CreateTeacher(ctx context.Context, t *Teacher) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO teachers (name, email, phone, subject, salary)
		VALUES (?, ?, ?, ?, ?)
	`, t.Name, t.Email, t.Phone, nullString(t.Subject), t.Salary)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("inserting teacher: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading teacher id: %w", err)
	}
	if err := replaceGrades(ctx, tx, id, t.Grades); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing teacher: %w", err)
	}

	t.ID = id
	t.Grades = normalizeGrades(t.Grades)
	s.logger.Debug("created teacher", "id", id, "grades", t.Grades)
	return nil
}

// GetTeacher retrieves a teacher by ID.
// Returns ErrNotFound if the teacher doesn't exist.
func (s *SQLiteStore) GetTeacher(ctx context.Context, id int64) (*Teacher, error) {
	teachers, err := s.queryTeachers(ctx, `WHERE t.id = ? GROUP BY t.id`, id)
	if err != nil {
		return nil, err
	}
	if len(teachers) == 0 {
		return nil, ErrNotFound
	}
	return teachers[0], nil
}

// UpdateTeacher applies the non-nil fields of upd and returns the updated record.
func (s *SQLiteStore) UpdateTeacher(ctx context.Context, id int64, upd TeacherUpdate) (*Teacher, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM teachers WHERE id = ?`, id).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying teacher: %w", err)
	}

	var sets []string
	var args []any
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.Email != nil {
		add("email", *upd.Email)
	}
	if upd.Phone != nil {
		add("phone", *upd.Phone)
	}
	if upd.Subject != nil {
		add("subject", nullString(*upd.Subject))
	}
	if upd.Salary != nil {
		add("salary", *upd.Salary)
	}
	if len(sets) > 0 {
		args = append(args, id)
		if _, err := tx.ExecContext(ctx, `UPDATE teachers SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
			if isConstraintViolation(err) {
				return nil, ErrDuplicateEmail
			}
			return nil, fmt.Errorf("updating teacher: %w", err)
		}
	}
	if upd.Grades != nil {
		if err := replaceGrades(ctx, tx, id, *upd.Grades); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing teacher: %w", err)
	}
	return s.GetTeacher(ctx, id)
}

// DeleteTeacher removes a teacher and their grade assignments.
// Returns ErrNotFound if the teacher doesn't exist.
func (s *SQLiteStore) DeleteTeacher(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM teachers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting teacher: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTeachers returns a page of teachers ordered by ID.
func (s *SQLiteStore) ListTeachers(ctx context.Context, skip, limit int) ([]*Teacher, error) {
	skip, limit = normalizePage(skip, limit)
	return s.queryTeachers(ctx, `GROUP BY t.id ORDER BY t.id LIMIT ? OFFSET ?`, limit, skip)
}

// TeachersBySalary returns teachers whose salary compares to amount per op.
func (s *SQLiteStore) TeachersBySalary(ctx context.Context, op SalaryOp, amount float64) ([]*Teacher, error) {
	var cmp string
	switch op {
	case SalaryAtLeast:
		cmp = ">="
	case SalaryAtMost:
		cmp = "<="
	default:
		return nil, fmt.Errorf("%w: salary op %q (want gte or lte)", ErrInvalidArgument, op)
	}
	return s.queryTeachers(ctx, `WHERE t.salary `+cmp+` ? GROUP BY t.id ORDER BY t.id`, amount)
}

// TeachersForGrade returns the teachers assigned to grade.
func (s *SQLiteStore) TeachersForGrade(ctx context.Context, grade int) ([]*Teacher, error) {
	return s.queryTeachers(ctx, `
		WHERE t.id IN (SELECT teacher_id FROM grade_assignments WHERE grade = ?)
		GROUP BY t.id ORDER BY t.id
	`, grade)
}

func (s *SQLiteStore) queryTeachers(ctx context.Context, clause string, args ...any) ([]*Teacher, error) {
	rows, err := s.db.QueryContext(ctx, teacherSelect+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("querying teachers: %w", err)
	}
	defer rows.Close()

	teachers := []*Teacher{}
	for rows.Next() {
		var t Teacher
		var subject sql.NullString
		var grades string
		if err := rows.Scan(&t.ID, &t.Name, &t.Email, &t.Phone, &subject, &t.Salary, &grades); err != nil {
			return nil, fmt.Errorf("scanning teacher: %w", err)
		}
		t.Subject = subject.String
		t.Grades, err = parseGrades(grades)
		if err != nil {
			return nil, err
		}
		teachers = append(teachers, &t)
	}
	return teachers, rows.Err()
}

func replaceGrades(ctx context.Context, tx *sql.Tx, teacherID int64, grades []int) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM grade_assignments WHERE teacher_id = ?`, teacherID); err != nil {
		return fmt.Errorf("clearing grades: %w", err)
	}
	for _, g := range normalizeGrades(grades) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO grade_assignments (teacher_id, grade) VALUES (?, ?)`, teacherID, g); err != nil {
			return fmt.Errorf("assigning grade %d: %w", g, err)
		}
	}
	return nil
}

// normalizeGrades sorts and de-duplicates grades. Never returns nil.
func normalizeGrades(grades []int) []int {
	out := make([]int, 0, len(grades))
	seen := make(map[int]bool, len(grades))
	for _, g := range grades {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	sort.Ints(out)
	return out
}

func parseGrades(s string) ([]int, error) {
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	grades := make([]int, 0, len(parts))
	for _, p := range parts {
		g, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parsing grade %q: %w", p, err)
		}
		grades = append(grades, g)
	}
	sort.Ints(grades)
	return grades, nil
}
