// ABOUTME: Store interface and record types for school persistence.
// ABOUTME: Defines Student, Teacher, their partial updates, and sentinel errors.

package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when an email is already used by another record
var ErrDuplicateEmail = errors.New("email already exists")

// ErrInvalidArgument is returned for malformed query parameters
var ErrInvalidArgument = errors.New("invalid argument")

// DefaultListLimit is used when a list call passes a non-positive limit
const DefaultListLimit = 100

// Student is an enrolled student and their fee position
type Student struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	Phone      string  `json:"phone"`
	Grade      int     `json:"grade"`
	DOB        string  `json:"dob,omitempty"` // YYYY-MM-DD
	Address    string  `json:"address,omitempty"`
	ParentName string  `json:"parent_name,omitempty"`
	FeeTotal   float64 `json:"fee_total"`
	FeePaid    float64 `json:"fee_paid"`
	Active     bool    `json:"active"`
}

// FeeDue is the outstanding balance, never negative.
func (s *Student) FeeDue() float64 {
	return max(0, s.FeeTotal-s.FeePaid)
}

// StudentUpdate holds the fields to change; nil fields are left alone
type StudentUpdate struct {
	Name       *string  `json:"name,omitempty"`
	Email      *string  `json:"email,omitempty"`
	Phone      *string  `json:"phone,omitempty"`
	Grade      *int     `json:"grade,omitempty"`
	DOB        *string  `json:"dob,omitempty"`
	Address    *string  `json:"address,omitempty"`
	ParentName *string  `json:"parent_name,omitempty"`
	FeeTotal   *float64 `json:"fee_total,omitempty"`
	FeePaid    *float64 `json:"fee_paid,omitempty"`
	Active     *bool    `json:"active,omitempty"`
}

// Teacher is a staff member and the grades they teach
type Teacher struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name"`
	Email   string  `json:"email"`
	Phone   string  `json:"phone"`
	Subject string  `json:"subject,omitempty"`
	Salary  float64 `json:"salary"`
	Grades  []int   `json:"grades"`
}

// TeacherUpdate holds the fields to change. A non-nil Grades replaces all assignments.
type TeacherUpdate struct {
	Name    *string  `json:"name,omitempty"`
	Email   *string  `json:"email,omitempty"`
	Phone   *string  `json:"phone,omitempty"`
	Subject *string  `json:"subject,omitempty"`
	Salary  *float64 `json:"salary,omitempty"`
	Grades  *[]int   `json:"grades,omitempty"`
}

// SalaryOp compares a teacher's salary against an amount
type SalaryOp string

const (
	SalaryAtLeast SalaryOp = "gte"
	SalaryAtMost  SalaryOp = "lte"
)

// Store is the persistence interface for school records
type Store interface {
	CreateStudent(ctx context.Context, s *Student) error
	GetStudent(ctx context.Context, id int64) (*Student, error)
	UpdateStudent(ctx context.Context, id int64, upd StudentUpdate) (*Student, error)
	DeleteStudent(ctx context.Context, id int64) error
	ListStudents(ctx context.Context, skip, limit int) ([]*Student, error)
	StudentsWithFeeDue(ctx context.Context, minDue float64) ([]*Student, error)
	StudentsUnpaid(ctx context.Context) ([]*Student, error)
	StudentsPartialPaid(ctx context.Context) ([]*Student, error)
	StudentsFullyPaid(ctx context.Context) ([]*Student, error)
	StudentsByGrade(ctx context.Context, grade int) ([]*Student, error)

	CreateTeacher(ctx context.Context, t *Teacher) error
	GetTeacher(ctx context.Context, id int64) (*Teacher, error)
	UpdateTeacher(ctx context.Context, id int64, upd TeacherUpdate) (*Teacher, error)
	DeleteTeacher(ctx context.Context, id int64) error
	ListTeachers(ctx context.Context, skip, limit int) ([]*Teacher, error)
	TeachersBySalary(ctx context.Context, op SalaryOp, amount float64) ([]*Teacher, error)
	TeachersForGrade(ctx context.Context, grade int) ([]*Teacher, error)

	Seed(ctx context.Context, opts SeedOptions) error
	Close() error
}
