// ABOUTME: Student persistence: CRUD plus the fee and grade queries used by tools.
// ABOUTME: Fee predicates mirror the reporting rules (unpaid, partial, fully paid, minimum due).

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const studentColumns = `id, name, email, phone, grade, dob, address, parent_name, fee_total, fee_paid, active`

// CreateStudent inserts s and sets its ID.
// Returns ErrDuplicateEmail if the email is taken.
func (s *SQLiteStore) CreateStudent(ctx context.Context, st *Student) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO students (name, email, phone, grade, dob, address, parent_name, fee_total, fee_paid, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		st.Name,
		st.Email,
		st.Phone,
		st.Grade,
		nullString(st.DOB),
		nullString(st.Address),
		nullString(st.ParentName),
		st.FeeTotal,
		st.FeePaid,
		st.Active,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("inserting student: %w", err)
	}
	st.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading student id: %w", err)
	}
	s.logger.Debug("created student", "id", st.ID, "grade", st.Grade)
	return nil
}

// GetStudent retrieves a student by ID.
// Returns ErrNotFound if the student doesn't exist.
func (s *SQLiteStore) GetStudent(ctx context.Context, id int64) (*Student, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE id = ?`, id)
	st, err := scanStudent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying student: %w", err)
	}
	return st, nil
}

// UpdateStudent applies the non-nil fields of upd and returns the updated record.
func (s *SQLiteStore) UpdateStudent(ctx context.Context, id int64, upd StudentUpdate) (*Student, error) {
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
	if upd.Grade != nil {
		add("grade", *upd.Grade)
	}
	if upd.DOB != nil {
		add("dob", nullString(*upd.DOB))
	}
	if upd.Address != nil {
		add("address", nullString(*upd.Address))
	}
	if upd.ParentName != nil {
		add("parent_name", nullString(*upd.ParentName))
	}
	if upd.FeeTotal != nil {
		add("fee_total", *upd.FeeTotal)
	}
	if upd.FeePaid != nil {
		add("fee_paid", *upd.FeePaid)
	}
	if upd.Active != nil {
		add("active", *upd.Active)
	}

	if len(sets) > 0 {
		args = append(args, id)
		res, err := s.db.ExecContext(ctx,
			`UPDATE students SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			if isConstraintViolation(err) {
				return nil, ErrDuplicateEmail
			}
			return nil, fmt.Errorf("updating student: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrNotFound
		}
	}
	return s.GetStudent(ctx, id)
}

// DeleteStudent removes a student.
// Returns ErrNotFound if the student doesn't exist.
func (s *SQLiteStore) DeleteStudent(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM students WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting student: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStudents returns a page of students ordered by ID.
func (s *SQLiteStore) ListStudents(ctx context.Context, skip, limit int) ([]*Student, error) {
	skip, limit = normalizePage(skip, limit)
	return s.queryStudents(ctx, `ORDER BY id LIMIT ? OFFSET ?`, limit, skip)
}

// StudentsWithFeeDue returns students owing at least minDue.
func (s *SQLiteStore) StudentsWithFeeDue(ctx context.Context, minDue float64) ([]*Student, error) {
	return s.queryStudents(ctx, `WHERE fee_total - fee_paid >= ? ORDER BY id`, minDue)
}

// StudentsUnpaid returns students with a fee who have paid nothing.
func (s *SQLiteStore) StudentsUnpaid(ctx context.Context) ([]*Student, error) {
	return s.queryStudents(ctx, `WHERE fee_paid = 0 AND fee_total > 0 ORDER BY id`)
}

// StudentsPartialPaid returns students who have paid some but not all of their fee.
func (s *SQLiteStore) StudentsPartialPaid(ctx context.Context) ([]*Student, error) {
	return s.queryStudents(ctx, `WHERE fee_paid > 0 AND fee_paid < fee_total ORDER BY id`)
}

// StudentsFullyPaid returns students whose payments cover their fee.
func (s *SQLiteStore) StudentsFullyPaid(ctx context.Context) ([]*Student, error) {
	return s.queryStudents(ctx, `WHERE fee_paid >= fee_total ORDER BY id`)
}

// StudentsByGrade returns the students in grade.
func (s *SQLiteStore) StudentsByGrade(ctx context.Context, grade int) ([]*Student, error) {
	return s.queryStudents(ctx, `WHERE grade = ? ORDER BY id`, grade)
}

func (s *SQLiteStore) queryStudents(ctx context.Context, clause string, args ...any) ([]*Student, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+studentColumns+` FROM students `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("querying students: %w", err)
	}
	defer rows.Close()

	students := []*Student{}
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning student: %w", err)
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (*Student, error) {
	var st Student
	var dob, address, parent sql.NullString
	err := row.Scan(
		&st.ID,
		&st.Name,
		&st.Email,
		&st.Phone,
		&st.Grade,
		&dob,
		&address,
		&parent,
		&st.FeeTotal,
		&st.FeePaid,
		&st.Active,
	)
	if err != nil {
		return nil, err
	}
	st.DOB = dob.String
	st.Address = address.String
	st.ParentName = parent.String
	return &st, nil
}
