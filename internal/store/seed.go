// ABOUTME: Deterministic sample data generator for the school store.
// ABOUTME: Produces a mix of unpaid, partially paid, and fully paid students across grades 1-12.

package store

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
)

// SeedOptions controls Seed.
type SeedOptions struct {
	Students int
	Teachers int
	// RandSeed makes the generated data reproducible.
	RandSeed uint64
}

var (
	firstNames = []string{"Ada", "Grace", "Alan", "Edsger", "Barbara", "Donald", "Frances", "Ken",
		"Margaret", "Dennis", "Radia", "John", "Katherine", "Linus", "Hedy", "Niklaus"}
	lastNames = []string{"Lovelace", "Hopper", "Turing", "Dijkstra", "Liskov", "Knuth", "Allen",
		"Thompson", "Hamilton", "Ritchie", "Perlman", "Backus", "Johnson", "Torvalds", "Lamarr", "Wirth"}
	subjects = []string{"Math", "Science", "English", "History", "Geography", "Arts", "Computer"}
	fees     = []float64{30000, 50000, 75000, 100000}
)

// Seed clears every table and inserts generated records.
func (s *SQLiteStore) Seed(ctx context.Context, opts SeedOptions) error {
	rng := rand.New(rand.NewPCG(opts.RandSeed, opts.RandSeed^0x9e3779b97f4a7c15))

	for _, table := range []string{"grade_assignments", "students", "teachers"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for i := range opts.Teachers {
		name := randomName(rng)
		grades := rng.Perm(12)[:1+rng.IntN(3)]
		for j := range grades {
			grades[j]++
		}
		t := &Teacher{
			Name:    name,
			Email:   fmt.Sprintf("%s%d@example.com", emailSlug(name), i),
			Phone:   randomPhone(rng),
			Subject: subjects[rng.IntN(len(subjects))],
			Salary:  round2(30000 + rng.Float64()*170000),
			Grades:  grades,
		}
		if err := s.CreateTeacher(ctx, t); err != nil {
			return fmt.Errorf("seeding teacher %d: %w", i, err)
		}
	}

	for i := range opts.Students {
		name := randomName(rng)
		total := fees[rng.IntN(len(fees))]
		var paid float64
		switch p := rng.Float64(); {
		case p < 0.25:
			paid = 0
		case p < 0.75:
			paid = round2(1000 + rng.Float64()*(total*0.9-1000))
		default:
			paid = total
		}
		st := &Student{
			Name:       name,
			Email:      fmt.Sprintf("%s%d@student.example.com", emailSlug(name), i),
			Phone:      randomPhone(rng),
			Grade:      1 + rng.IntN(12),
			DOB:        fmt.Sprintf("%04d-%02d-%02d", 2008+rng.IntN(12), 1+rng.IntN(12), 1+rng.IntN(28)),
			Address:    fmt.Sprintf("%d %s Street", 1+rng.IntN(999), lastNames[rng.IntN(len(lastNames))]),
			ParentName: randomName(rng),
			FeeTotal:   total,
			FeePaid:    paid,
			Active:     rng.Float64() > 0.05,
		}
		if err := s.CreateStudent(ctx, st); err != nil {
			return fmt.Errorf("seeding student %d: %w", i, err)
		}
	}

	s.logger.Info("seeded store", "students", opts.Students, "teachers", opts.Teachers)
	return nil
}

func randomName(rng *rand.Rand) string {
	return firstNames[rng.IntN(len(firstNames))] + " " + lastNames[rng.IntN(len(lastNames))]
}

func randomPhone(rng *rand.Rand) string {
	return fmt.Sprintf("555%07d", rng.IntN(10_000_000))
}

func emailSlug(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
