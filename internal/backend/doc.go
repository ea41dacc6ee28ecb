// Package backend is a school records peer that the relay can proxy to.
//
// It answers students.* and teachers.* requests arriving over a websocket,
// one method per tool name (students.unpaid, teachers.by_grade, and so on),
// using the same {"id","method","params"} envelope as the relay itself.
// Record-not-found and unknown methods come back as error envelopes.
package backend
