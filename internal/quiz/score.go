package quiz

import (
	"time"

	"github.com/schoolpsy/psyhelper/internal/storage"
)

// Advice texts, from the lowest score band to the highest.
const (
	AdviceSeeSpecialist = "Your answers suggest you should talk to the school psychologist soon. Please do not put off looking after your wellbeing."
	AdviceDifficulties  = "Your answers point to some emotional difficulties. Try relaxation exercises regularly and consider a talk with a specialist."
	AdviceStable        = "Your emotional state is mostly stable. Keep up healthy habits and take time to reflect."
	AdviceGood          = "Great results! You show a high level of emotional wellbeing. Keep it up and share what works for you."
)

// Score sums the answer values.
func Score(answers []int) int {
	total := 0
	for _, a := range answers {
		total += a
	}
	return total
}

func Advice(score int) string {
	switch {
	case score <= 15:
		return AdviceSeeSpecialist
	case score <= 25:
		return AdviceDifficulties
	case score <= 35:
		return AdviceStable
	default:
		return AdviceGood
	}
}

// MaxScore is the best total reachable on qs.
func MaxScore(qs []Question) int {
	total := 0
	for _, q := range qs {
		total += q.MaxScore()
	}
	return total
}

// CategoryScores sums answers per question category. Answers beyond the
// question list are counted under DefaultCategory.
func CategoryScores(qs []Question, answers []int) map[string]int {
	out := make(map[string]int)
	for i, a := range answers {
		cat := DefaultCategory
		if i < len(qs) {
			cat = qs[i].Category
		}
		out[cat] += a
	}
	return out
}

// Evaluate builds the result of a completed questionnaire taken at.
func Evaluate(userID int64, studentName string, qs []Question, answers []int, at time.Time) storage.TestResult {
	score := Score(answers)
	return storage.TestResult{
		UserID:          userID,
		StudentName:     studentName,
		Score:           score,
		Date:            at.Format(storage.DateLayout),
		Answers:         append([]int(nil), answers...),
		Recommendations: Advice(score),
		CategoryScores:  CategoryScores(qs, answers),
	}
}
