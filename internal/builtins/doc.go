// Package builtins provides the in-process school tools reachable through
// local_invocation descriptors.
//
// # Callables
//
// Register adds these targets to a dispatch.Catalog:
//
//	crud.create_student        crud.create_teacher
//	crud.get_student           crud.get_teacher
//	crud.update_student        crud.update_teacher
//	crud.delete_student        crud.delete_teacher
//	crud.list_students         crud.list_teachers
//	crud.students_with_fee_due crud.teachers_by_salary
//	crud.students_unpaid       crud.teachers_for_grade
//	crud.students_partial_paid
//	crud.students_fullpaid
//	crud.students_by_grade
//
// # Schemas and serializers
//
// Descriptors may name the input schemas schemas.StudentCreate,
// schemas.StudentUpdate, schemas.TeacherCreate and schemas.TeacherUpdate, and
// the output serializers schemas.StudentOut and schemas.TeacherOut. StudentOut
// adds the derived fee_due field.
package builtins
