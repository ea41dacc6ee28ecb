// Package registry turns a declarative tool spec into flat, canonical tool
// descriptors.
//
// A tool document nests tools by group:
//
//	tools:
//	  students:
//	    description: Student records
//	    list:
//	      type: proxy_rpc
//	      params: [skip, limit]
//	    by_grade: "Students in a grade"
//
// which normalizes to the descriptors "students.list" and
// "students.by_grade". A group-level "description" key describes the group and
// is never a method. Only recognized descriptor fields survive normalization.
package registry
