package session

import "github.com/livepoll/backend/internal/models"

// recomputePercentages rounds each option's share of totalVotes to the nearest
// integer and adds the rounding remainder (positive or negative) to the option
// with the most votes, so the shares sum to exactly 100. When several options
// tie for the most votes the first one wins. With no votes every share is 0.
func recomputePercentages(q *models.Question) {
	total := 0
	for _, o := range q.Options {
		total += o.Votes
	}
	q.TotalVotes = total
	if total == 0 {
		for i := range q.Options {
			q.Options[i].Percentage = 0
		}
		return
	}

	sum, top := 0, 0
	for i, o := range q.Options {
		// round half up in integer arithmetic
		p := (o.Votes*200 + total) / (2 * total)
		q.Options[i].Percentage = p
		sum += p
		if o.Votes > q.Options[top].Votes {
			top = i
		}
	}
	q.Options[top].Percentage += 100 - sum
}
