//go:build ruleguard

// Package gorules defines custom linter rules enforced with ruleguard.
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// WaitGroupGo detects the manual sync.WaitGroup pattern and suggests
// the wg.Go() helper added in Go 1.25.
//
// The old pattern:
//
//	wg.Add(1)
//	go func() {
//	    defer wg.Done()
//	    doSomething()
//	}()
//
// Can be simplified to:
//
//	wg.Go(func() {
//	    doSomething()
//	})
//
// See: https://pkg.go.dev/sync#WaitGroup.Go
func WaitGroupGo(m dsl.Matcher) {
	m.Match(
		`$wg.Add(1); go func() { defer $wg.Done(); $*body }()`,
	).
		Where(m["wg"].Type.Is("*sync.WaitGroup") || m["wg"].Type.Is("sync.WaitGroup")).
		Report("use $wg.Go(func() { $body }) instead of manual Add/Done pattern (Go 1.25+)").
		Suggest("$wg.Go(func() { $body })")
}

// TimeDateConstants detects magic date format strings and suggests the
// named constants added in Go 1.20. Appointment and analytics code
// parses dates constantly; the named forms are self-documenting.
//
// See: https://pkg.go.dev/time#pkg-constants (DateTime, DateOnly)
func TimeDateConstants(m dsl.Matcher) {
	m.Match(
		`$t.Format("2006-01-02 15:04:05")`,
	).
		Report(`use $t.Format(time.DateTime) instead of magic format string (Go 1.20+)`).
		Suggest(`$t.Format(time.DateTime)`)

	m.Match(
		`time.Parse("2006-01-02 15:04:05", $s)`,
	).
		Report(`use time.Parse(time.DateTime, $s) instead of magic format string (Go 1.20+)`).
		Suggest(`time.Parse(time.DateTime, $s)`)

	m.Match(
		`$t.Format("2006-01-02")`,
	).
		Report(`use $t.Format(time.DateOnly) instead of magic format string (Go 1.20+)`).
		Suggest(`$t.Format(time.DateOnly)`)

	m.Match(
		`time.Parse("2006-01-02", $s)`,
	).
		Report(`use time.Parse(time.DateOnly, $s) instead of magic format string (Go 1.20+)`).
		Suggest(`time.Parse(time.DateOnly, $s)`)
}

// ContextBackgroundInTest detects context.Background() in test files
// where t.Context() is the better choice (Go 1.24+): it is cancelled
// automatically when the test ends.
//
// See: https://pkg.go.dev/testing#T.Context
func ContextBackgroundInTest(m dsl.Matcher) {
	m.Match(
		`context.Background()`,
	).
		Where(m.File().Name.Matches(`.*_test\.go$`)).
		Report("consider t.Context() instead of context.Background() in tests (Go 1.24+)")
}
