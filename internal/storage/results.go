package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TestResult is one completed questionnaire.
type TestResult struct {
	ID              int64          `json:"id"`
	UserID          int64          `json:"userId"`
	StudentName     string         `json:"studentName"`
	Score           int            `json:"score"`
	Date            string         `json:"date"`
	Answers         []int          `json:"answers"`
	Recommendations string         `json:"recommendations"`
	CategoryScores  map[string]int `json:"categoryScores"`
}

const resultCols = `id, user_id, student_name, score, date, answers, recommendations, category_scores`

// EncodeAnswers joins answers with commas.
func EncodeAnswers(a []int) string {
	parts := make([]string, len(a))
	for i, v := range a {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// DecodeAnswers is the inverse of EncodeAnswers. Unparseable items are skipped.
func DecodeAnswers(s string) []int {
	out := []int{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(strings.Trim(p, "[] "))
		if p == "" {
			continue
		}
		if v, err := strconv.Atoi(p); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// EncodeCategoryScores renders "k:v;k:v" with keys sorted.
func EncodeCategoryScores(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + strconv.Itoa(m[k])
	}
	return strings.Join(parts, ";")
}

func DecodeCategoryScores(s string) map[string]int {
	out := make(map[string]int)
	for _, p := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(p, ":")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			out[strings.TrimSpace(k)] = n
		}
	}
	return out
}

func scanResult(sc interface{ Scan(...any) error }) (TestResult, error) {
	var r TestResult
	var answers, cats string
	if err := sc.Scan(&r.ID, &r.UserID, &r.StudentName, &r.Score, &r.Date, &answers, &r.Recommendations, &cats); err != nil {
		return TestResult{}, err
	}
	r.Answers = DecodeAnswers(answers)
	r.CategoryScores = DecodeCategoryScores(cats)
	return r, nil
}

// SaveTestResult stores r. A result with the same user and date is left
// untouched and reported as not inserted.
func (d *DB) SaveTestResult(ctx context.Context, r TestResult) (int64, bool, error) {
	res, err := d.Exec(ctx, `
		INSERT INTO test_results (user_id, student_name, score, date, answers, recommendations, category_scores)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, date) DO NOTHING`,
		r.UserID, r.StudentName, r.Score, r.Date, EncodeAnswers(r.Answers), r.Recommendations, EncodeCategoryScores(r.CategoryScores))
	if err != nil {
		return 0, false, fmt.Errorf("insert test result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	return id, true, err
}

// TestHistory returns a user's results, newest first.
func (d *DB) TestHistory(ctx context.Context, userID int64) ([]TestResult, error) {
	rows, err := d.Query(ctx, `
		SELECT `+resultCols+` FROM test_results
		WHERE user_id = ? ORDER BY date DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TestResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastTestResult returns the newest result or ErrNotFound.
func (d *DB) LastTestResult(ctx context.Context, userID int64) (TestResult, error) {
	r, err := scanResult(d.QueryRow(ctx, `
		SELECT `+resultCols+` FROM test_results
		WHERE user_id = ? ORDER BY date DESC, id DESC LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return TestResult{}, ErrNotFound
	}
	return r, err
}

// AverageScore returns the mean score, or 0 when the user has no results.
func (d *DB) AverageScore(ctx context.Context, userID int64) (float64, error) {
	var avg sql.NullFloat64
	if err := d.QueryRow(ctx, `SELECT AVG(score) FROM test_results WHERE user_id = ?`, userID).Scan(&avg); err != nil {
		return 0, err
	}
	return avg.Float64, nil
}
