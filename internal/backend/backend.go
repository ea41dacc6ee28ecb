// ABOUTME: School upstream peer answering students.* and teachers.* methods over websocket.
// ABOUTME: Methods resolve through a registry of local callables backed by the records store.

package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/tool-relay/internal/builtins"
	"github.com/2389/tool-relay/internal/dispatch"
	"github.com/2389/tool-relay/internal/registry"
	"github.com/2389/tool-relay/internal/rpc"
	"github.com/2389/tool-relay/internal/session"
	"github.com/2389/tool-relay/internal/store"
)

// Methods is the method table the peer serves, in tool document shape.
// Every method is a local callable from package builtins.
func Methods() map[string]any {
	student := func(target string, params ...string) map[string]any {
		return method(target, "schemas.StudentOut", params...)
	}
	teacher := func(target string, params ...string) map[string]any {
		return method(target, "schemas.TeacherOut", params...)
	}
	withSchema := func(m map[string]any, schema string) map[string]any {
		m["schema"] = schema
		return m
	}

	return map[string]any{
		"students": map[string]any{
			"description":  "Student records and fee status",
			"create":       withSchema(student("crud.create_student", "student"), "schemas.StudentCreate"),
			"get":          student("crud.get_student", "student_id"),
			"update":       withSchema(student("crud.update_student", "student_id", "updates"), "schemas.StudentUpdate"),
			"delete":       method("crud.delete_student", "", "student_id"),
			"list":         student("crud.list_students", "skip", "limit"),
			"fee_due":      student("crud.students_with_fee_due", "min_due"),
			"unpaid":       student("crud.students_unpaid"),
			"partial_paid": student("crud.students_partial_paid"),
			"fullpaid":     student("crud.students_fullpaid"),
			"by_grade":     student("crud.students_by_grade", "grade"),
		},
		"teachers": map[string]any{
			"description": "Teacher records and grade assignments",
			"create":      withSchema(teacher("crud.create_teacher", "teacher"), "schemas.TeacherCreate"),
			"get":         teacher("crud.get_teacher", "teacher_id"),
			"update":      withSchema(teacher("crud.update_teacher", "teacher_id", "updates"), "schemas.TeacherUpdate"),
			"delete":      method("crud.delete_teacher", "", "teacher_id"),
			"list":        teacher("crud.list_teachers", "skip", "limit"),
			"by_salary":   teacher("crud.teachers_by_salary", "op", "amount"),
			"by_grade":    teacher("crud.teachers_for_grade", "grade"),
			"for_grade":   teacher("crud.teachers_for_grade", "grade"),
		},
	}
}

func method(target, serializer string, params ...string) map[string]any {
	ps := make([]any, len(params))
	for i, p := range params {
		ps[i] = p
	}
	m := map[string]any{
		"type":   string(registry.KindLocal),
		"target": target,
		"params": ps,
	}
	if serializer != "" {
		m["serializer"] = serializer
	}
	return m
}

// Config configures a Server.
type Config struct {
	Store          store.Store
	Workers        int
	OriginPatterns []string
	Logger         *slog.Logger
}

// Server is the school upstream peer. It speaks the same envelope as the
// gateway, with the tool name as the method.
type Server struct {
	*session.Handler

	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// New builds the peer's registry and dispatcher over cfg.Store.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backend")

	catalog := dispatch.NewCatalog()
	if err := builtins.Register(catalog, cfg.Store); err != nil {
		return nil, fmt.Errorf("registering school callables: %w", err)
	}
	reg, err := registry.Build(Methods(), logger)
	if err != nil {
		return nil, fmt.Errorf("building method table: %w", err)
	}

	s := &Server{
		dispatcher: dispatch.New(dispatch.Config{
			Registry:   reg,
			Strategies: []dispatch.Strategy{dispatch.NewLocal(catalog)},
			Workers:    cfg.Workers,
			Logger:     logger,
		}),
		logger: logger,
	}
	s.Handler = session.New(session.Config{
		Router:         session.RouterFunc(s.route),
		OriginPatterns: cfg.OriginPatterns,
		Logger:         logger,
	})
	return s, nil
}

// Registry returns the method table.
func (s *Server) Registry() *registry.Registry {
	return s.dispatcher.Registry()
}

func (s *Server) route(ctx context.Context, req *rpc.Request) (any, error) {
	tool, err := s.dispatcher.Registry().Get(req.Method)
	if err != nil {
		return nil, rpc.NotFound("Unknown method '%s'", req.Method)
	}
	params, err := req.ParamsObject()
	if err != nil {
		return nil, err
	}
	return s.dispatcher.Dispatch(ctx, tool, params)
}
