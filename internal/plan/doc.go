// Package plan turns natural-language questions into multi-step tool plans
// and executes them against the relay.
//
// A plan is a JSON document of the form
//
//	{"plan": [{"tool": "students.by_grade", "args": {"grade": 1}},
//	          {"tool": "students.unpaid", "args": {}},
//	          {"merge": "intersect"},
//	          {"count": true}]}
//
// Tool steps must return lists of records. Merge directives combine every
// list collected so far into one, matching records by an identity field.
// A binary merge that appears before two lists exist waits until they do;
// merges still waiting when the plan ends are dropped and reported.
//
// Planners produce plans: RuleBased handles the common school questions,
// LLM asks a hosted model, and Fallback chains them.
package plan
