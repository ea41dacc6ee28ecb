// ABOUTME: JSON schemas and output serializers for the school tools.
// ABOUTME: Registered by name so spec descriptors can reference them.

package builtins

import (
	"encoding/json"
	"fmt"

	"github.com/2389/tool-relay/internal/dispatch"
	"github.com/2389/tool-relay/internal/store"
)

const studentCreateSchema = `{
	"type": "object",
	"required": ["name", "email", "phone", "grade"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"email": {"type": "string", "format": "email"},
		"phone": {"type": "string"},
		"grade": {"type": "integer", "minimum": 1, "maximum": 12},
		"dob": {"type": ["string", "null"], "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
		"address": {"type": ["string", "null"]},
		"parent_name": {"type": ["string", "null"]},
		"fee_total": {"type": "number", "minimum": 0},
		"fee_paid": {"type": "number", "minimum": 0},
		"active": {"type": "boolean"}
	}
}`

const studentUpdateSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"email": {"type": "string", "format": "email"},
		"phone": {"type": "string"},
		"grade": {"type": "integer", "minimum": 1, "maximum": 12},
		"dob": {"type": ["string", "null"], "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
		"address": {"type": ["string", "null"]},
		"parent_name": {"type": ["string", "null"]},
		"fee_total": {"type": "number", "minimum": 0},
		"fee_paid": {"type": "number", "minimum": 0},
		"active": {"type": "boolean"}
	}
}`

const teacherCreateSchema = `{
	"type": "object",
	"required": ["name", "email", "phone"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"email": {"type": "string", "format": "email"},
		"phone": {"type": "string"},
		"subject": {"type": ["string", "null"]},
		"salary": {"type": "number", "minimum": 0},
		"grades": {"type": ["array", "null"], "items": {"type": "integer", "minimum": 1, "maximum": 12}}
	}
}`

const teacherUpdateSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"email": {"type": "string", "format": "email"},
		"phone": {"type": "string"},
		"subject": {"type": ["string", "null"]},
		"salary": {"type": "number", "minimum": 0},
		"grades": {"type": "array", "items": {"type": "integer", "minimum": 1, "maximum": 12}}
	}
}`

// Schemas maps schema names to their JSON schema documents.
var Schemas = map[string]string{
	"schemas.StudentCreate": studentCreateSchema,
	"schemas.StudentUpdate": studentUpdateSchema,
	"schemas.TeacherCreate": teacherCreateSchema,
	"schemas.TeacherUpdate": teacherUpdateSchema,
}

func registerSchemas(catalog *dispatch.Catalog) error {
	for name, doc := range Schemas {
		var schema map[string]any
		if err := json.Unmarshal([]byte(doc), &schema); err != nil {
			return fmt.Errorf("decoding schema %s: %w", name, err)
		}
		if err := catalog.RegisterSchema(name, schema); err != nil {
			return err
		}
	}
	return nil
}

// StudentOut is the serialized student, including the derived balance.
type StudentOut struct {
	*store.Student
	FeeDue float64 `json:"fee_due"`
}

// TeacherOut is the serialized teacher.
type TeacherOut struct {
	*store.Teacher
}

func serializeStudent(v any) (any, error) {
	st, ok := v.(*store.Student)
	if !ok {
		return nil, fmt.Errorf("StudentOut: expected a student, got %T", v)
	}
	return StudentOut{Student: st, FeeDue: st.FeeDue()}, nil
}

func serializeTeacher(v any) (any, error) {
	t, ok := v.(*store.Teacher)
	if !ok {
		return nil, fmt.Errorf("TeacherOut: expected a teacher, got %T", v)
	}
	if t.Grades == nil {
		t.Grades = []int{}
	}
	return TeacherOut{Teacher: t}, nil
}
