package scope

import "github.com/xiaot623/surveychat/internal/domain"

// Counts aggregates answered state over a set of items.
type Counts struct {
	Total              int `json:"total"`
	Answered           int `json:"answered"`
	Unanswered         int `json:"unanswered"`
	Required           int `json:"required"`
	RequiredAnswered   int `json:"required_answered"`
	RequiredUnanswered int `json:"required_unanswered"`
}

func (c *Counts) add(it Item) {
	c.Total++
	if it.Answered {
		c.Answered++
	} else {
		c.Unanswered++
	}
	if !it.Required {
		return
	}
	c.Required++
	if it.Answered {
		c.RequiredAnswered++
	} else {
		c.RequiredUnanswered++
	}
}

func (c *Counts) merge(o Counts) {
	c.Total += o.Total
	c.Answered += o.Answered
	c.Unanswered += o.Unanswered
	c.Required += o.Required
	c.RequiredAnswered += o.RequiredAnswered
	c.RequiredUnanswered += o.RequiredUnanswered
}

// PageSummary is the finalization state of one page.
type PageSummary struct {
	PageID   int64  `json:"page_id"`
	Name     string `json:"name"`
	Behavior string `json:"behavior,omitempty"`
	Scopes   int    `json:"scopes"`
	Counts   Counts `json:"counts"`
	Missing  []Item `json:"missing,omitempty"`
}

// Summary is the finalization state across pages.
type Summary struct {
	Pages       []PageSummary `json:"pages"`
	Counts      Counts        `json:"counts"`
	CanFinalize bool          `json:"can_finalize"`
}

// SummarizePage enumerates scopes and items for one page.
func SummarizePage(src Source) PageSummary {
	scopes := Enumerate(src)
	ps := PageSummary{
		PageID:   src.Page.ID,
		Name:     src.Page.Name,
		Behavior: string(src.Page.Behavior),
		Scopes:   len(scopes),
	}
	for _, it := range Items(src, scopes) {
		ps.Counts.add(it)
		if it.Required && !it.Answered {
			ps.Missing = append(ps.Missing, it)
		}
	}
	return ps
}

// Summarize recomputes the summary of every page from scratch.
func Summarize(sources []Source) Summary {
	s := Summary{Pages: make([]PageSummary, 0, len(sources))}
	for _, src := range sources {
		ps := SummarizePage(src)
		s.Counts.merge(ps.Counts)
		s.Pages = append(s.Pages, ps)
	}
	s.CanFinalize = s.Counts.RequiredUnanswered == 0
	return s
}

// TurnQuestions converts the items of one scope into view-models, page
// mappings first and subpage mappings after, each in sort order.
func TurnQuestions(items []Item, sc Scope, questions map[int64]domain.Question) []domain.TurnQuestion {
	var out []domain.TurnQuestion
	for _, it := range items {
		if it.Scope.Key != sc.Key || domain.Int64Value(it.Scope.ModelID) != domain.Int64Value(sc.ModelID) {
			continue
		}
		q := questions[it.QuestionID]
		out = append(out, domain.TurnQuestion{
			QuestionID: it.QuestionID,
			Name:       q.Name,
			Kind:       q.Kind,
			Required:   it.Required,
			SortOrder:  it.SortOrder,
			SubpageID:  it.SubpageID,
			Value:      it.Value,
			Answered:   it.Answered,
		})
	}
	return out
}
