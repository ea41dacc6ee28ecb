// ABOUTME: School record callables exposing the store to local_invocation tools.
// ABOUTME: Maps store sentinel errors onto wire error codes.

package builtins

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/tool-relay/internal/dispatch"
	"github.com/2389/tool-relay/internal/rpc"
	"github.com/2389/tool-relay/internal/store"
)

// Register adds the school callables, schemas, and serializers to catalog.
func Register(catalog *dispatch.Catalog, s store.Store) error {
	h := &schoolHandlers{store: s}

	callables := map[string]dispatch.Callable{
		"crud.create_student":        {Params: []string{"student"}, Fn: h.CreateStudent},
		"crud.get_student":           {Params: []string{"student_id"}, Fn: h.GetStudent},
		"crud.update_student":        {Params: []string{"student_id", "updates"}, Fn: h.UpdateStudent},
		"crud.delete_student":        {Params: []string{"student_id"}, Fn: h.DeleteStudent},
		"crud.list_students":         {Params: []string{"skip", "limit"}, Fn: h.ListStudents},
		"crud.students_with_fee_due": {Params: []string{"min_due"}, Fn: h.StudentsWithFeeDue},
		"crud.students_unpaid":       {Fn: h.StudentsUnpaid},
		"crud.students_partial_paid": {Fn: h.StudentsPartialPaid},
		"crud.students_fullpaid":     {Fn: h.StudentsFullyPaid},
		"crud.students_by_grade":     {Params: []string{"grade"}, Fn: h.StudentsByGrade},
		"crud.create_teacher":        {Params: []string{"teacher"}, Fn: h.CreateTeacher},
		"crud.get_teacher":           {Params: []string{"teacher_id"}, Fn: h.GetTeacher},
		"crud.update_teacher":        {Params: []string{"teacher_id", "updates"}, Fn: h.UpdateTeacher},
		"crud.delete_teacher":        {Params: []string{"teacher_id"}, Fn: h.DeleteTeacher},
		"crud.list_teachers":         {Params: []string{"skip", "limit"}, Fn: h.ListTeachers},
		"crud.teachers_by_salary":    {Params: []string{"op", "amount"}, Fn: h.TeachersBySalary},
		"crud.teachers_for_grade":    {Params: []string{"grade"}, Fn: h.TeachersForGrade},
	}
	for target, fn := range callables {
		// Every callable touches the database.
		fn.Blocking = true
		catalog.Register(target, fn)
	}

	if err := registerSchemas(catalog); err != nil {
		return err
	}
	catalog.RegisterSerializer("schemas.StudentOut", serializeStudent)
	catalog.RegisterSerializer("schemas.TeacherOut", serializeTeacher)
	return nil
}

type schoolHandlers struct {
	store store.Store
}

// storeError maps store sentinels onto wire errors; what names the record kind.
func storeError(what string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return rpc.NotFound("%s not found", what)
	case errors.Is(err, store.ErrDuplicateEmail):
		return rpc.Execution("%s email already exists", what)
	case errors.Is(err, store.ErrInvalidArgument):
		return rpc.Errorf(rpc.CodeInvalidParams, "%v", err)
	}
	return err
}

func badArg(err error) error {
	return rpc.Errorf(rpc.CodeInvalidParams, "%v", err)
}

func requiredID(args dispatch.Args, name string) (int64, error) {
	if !args.Has(name) {
		return 0, badArg(fmt.Errorf("argument %q is required", name))
	}
	id, err := args.Int(name, 0)
	if err != nil {
		return 0, badArg(err)
	}
	return int64(id), nil
}

func page(args dispatch.Args) (int, int, error) {
	skip, err := args.Int("skip", 0)
	if err != nil {
		return 0, 0, badArg(err)
	}
	limit, err := args.Int("limit", store.DefaultListLimit)
	if err != nil {
		return 0, 0, badArg(err)
	}
	return skip, limit, nil
}

// Students

func (h *schoolHandlers) CreateStudent(ctx context.Context, args dispatch.Args) (any, error) {
	st := &store.Student{Active: true}
	if err := args.Decode("student", st); err != nil {
		return nil, badArg(err)
	}
	if err := h.store.CreateStudent(ctx, st); err != nil {
		return nil, storeError("Student", err)
	}
	return st, nil
}

func (h *schoolHandlers) GetStudent(ctx context.Context, args dispatch.Args) (any, error) {
	id, err := requiredID(args, "student_id")
	if err != nil {
		return nil, err
	}
	st, err := h.store.GetStudent(ctx, id)
	if err != nil {
		return nil, storeError("Student", err)
	}
	return st, nil
}

func (h *schoolHandlers) UpdateStudent(ctx context.Context, args dispatch.Args) (any, error) {
	id, err := requiredID(args, "student_id")
	if err != nil {
		return nil, err
	}
	var upd store.StudentUpdate
	if err := args.Decode("updates", &upd); err != nil {
		return nil, badArg(err)
	}
	st, err := h.store.UpdateStudent(ctx, id, upd)
	if err != nil {
		return nil, storeError("Student", err)
	}
	return st, nil
}

func (h *schoolHandlers) DeleteStudent(ctx context.Context, args dispatch.Args) (any, error) {
	id, err := requiredID(args, "student_id")
	if err != nil {
		return nil, err
	}
	if err := h.store.DeleteStudent(ctx, id); err != nil {
		return nil, storeError("Student", err)
	}
	return map[string]any{"deleted": true, "student_id": id}, nil
}

func (h *schoolHandlers) ListStudents(ctx context.Context, args dispatch.Args) (any, error) {
	skip, limit, err := page(args)
	if err != nil {
		return nil, err
	}
	return h.store.ListStudents(ctx, skip, limit)
}

func (h *schoolHandlers) StudentsWithFeeDue(ctx context.Context, args dispatch.Args) (any, error) {
	minDue, err := args.Float("min_due", 0)
	if err != nil {
		return nil, badArg(err)
	}
	return h.store.StudentsWithFeeDue(ctx, minDue)
}

func (h *schoolHandlers) StudentsUnpaid(ctx context.Context, _ dispatch.Args) (any, error) {
	return h.store.StudentsUnpaid(ctx)
}

func (h *schoolHandlers) StudentsPartialPaid(ctx context.Context, _ dispatch.Args) (any, error) {
	return h.store.StudentsPartialPaid(ctx)
}

func (h *schoolHandlers) StudentsFullyPaid(ctx context.Context, _ dispatch.Args) (any, error) {
	return h.store.StudentsFullyPaid(ctx)
}

func (h *schoolHandlers) StudentsByGrade(ctx context.Context, args dispatch.Args) (any, error) {
	if !args.Has("grade") {
		return nil, badArg(errors.New(`argument "grade" is required`))
	}
	grade, err := args.Int("grade", 0)
	if err != nil {
		return nil, badArg(err)
	}
	return h.store.StudentsByGrade(ctx, grade)
}

// Teachers

func (h *schoolHandlers) CreateTeacher(ctx context.Context, args dispatch.Args) (any, error) {
	t := &store.Teacher{}
	if err := args.Decode("teacher", t); err != nil {
		return nil, badArg(err)
	}
	if err := h.store.CreateTeacher(ctx, t); err != nil {
		return nil, storeError("Teacher", err)
	}
	return t, nil
}

func (h *schoolHandlers) GetTeacher(ctx context.Context, args dispatch.Args) (any, error) {
	id, err := requiredID(args, "teacher_id")
	if err != nil {
		return nil, err
	}
	t, err := h.store.GetTeacher(ctx, id)
	if err != nil {
		return nil, storeError("Teacher", err)
	}
	return t, nil
}

func (h *schoolHandlers) UpdateTeacher(ctx context.Context, args dispatch.Args) (any, error) {
	id, err := requiredID(args, "teacher_id")
	if err != nil {
		return nil, err
	}
	var upd store.TeacherUpdate
	if err := args.Decode("updates", &upd); err != nil {
		return nil, badArg(err)
	}
	t, err := h.store.UpdateTeacher(ctx, id, upd)
	if err != nil {
		return nil, storeError("Teacher", err)
	}
	return t, nil
}

func (h *schoolHandlers) DeleteTeacher(ctx context.Context, args dispatch.Args) (any, error) {
	id, err := requiredID(args, "teacher_id")
	if err != nil {
		return nil, err
	}
	if err := h.store.DeleteTeacher(ctx, id); err != nil {
		return nil, storeError("Teacher", err)
	}
	return map[string]any{"deleted": true, "teacher_id": id}, nil
}

func (h *schoolHandlers) ListTeachers(ctx context.Context, args dispatch.Args) (any, error) {
	skip, limit, err := page(args)
	if err != nil {
		return nil, err
	}
	return h.store.ListTeachers(ctx, skip, limit)
}

func (h *schoolHandlers) TeachersBySalary(ctx context.Context, args dispatch.Args) (any, error) {
	op, err := args.String("op", string(store.SalaryAtLeast))
	if err != nil {
		return nil, badArg(err)
	}
	amount, err := args.Float("amount", 0)
	if err != nil {
		return nil, badArg(err)
	}
	teachers, err := h.store.TeachersBySalary(ctx, store.SalaryOp(op), amount)
	if err != nil {
		return nil, storeError("Teacher", err)
	}
	return teachers, nil
}

func (h *schoolHandlers) TeachersForGrade(ctx context.Context, args dispatch.Args) (any, error) {
	if !args.Has("grade") {
		return nil, badArg(errors.New(`argument "grade" is required`))
	}
	grade, err := args.Int("grade", 0)
	if err != nil {
		return nil, badArg(err)
	}
	return h.store.TeachersForGrade(ctx, grade)
}
