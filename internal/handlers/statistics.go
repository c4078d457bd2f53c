package handlers

import (
	"net/http"
	"time"

	"github.com/0xcafe-io/iz"
)

// StatsCategoryItem represents a category with its spending statistics.
type StatsCategoryItem struct {
	Category   string  `json:"category"`
	Total      float64 `json:"total"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// MonthRef identifies a calendar month.
type MonthRef struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// StatsResponse is the body of the statistics endpoint.
type StatsResponse struct {
	Year           int                 `json:"year"`
	Month          int                 `json:"month"`
	MonthName      string              `json:"month_name"`
	Total          float64             `json:"total"`
	Categories     []StatsCategoryItem `json:"categories"`
	Prev           MonthRef            `json:"prev"`
	Next           MonthRef            `json:"next"`
	IsCurrentMonth bool                `json:"is_current_month"`
}

// Statistics returns per-category spending for one month.
func (h *Handlers) Statistics(r *iz.Request) iz.Responder {
	user := GetUserFromContext(r.Request)
	if user == nil {
		return h.fail(r.Request, errUnauthorized)
	}

	now := time.Now().UTC()
	year, month, err := parseYearMonth(r.Request, now)
	if err != nil {
		return h.fail(r.Request, err)
	}

	categoryTotals, err := h.store.GetCategoryTotalsByMonth(r.Context(), user.ID, year, month)
	if err != nil {
		return h.fail(r.Request, err)
	}

	var total float64
	for _, ct := range categoryTotals {
		total += ct.Total
	}

	categoryItems := make([]StatsCategoryItem, 0, len(categoryTotals))
	for _, ct := range categoryTotals {
		percentage := 0.0
		if total > 0 {
			percentage = (ct.Total / total) * 100
		}
		categoryItems = append(categoryItems, StatsCategoryItem{
			Category:   ct.Category,
			Total:      ct.Total,
			Count:      ct.Count,
			Percentage: percentage,
		})
	}

	// Calculate previous and next month
	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	prevDate := first.AddDate(0, -1, 0)
	nextDate := first.AddDate(0, 1, 0)

	return iz.Respond().Status(http.StatusOK).JSON(StatsResponse{
		Year:           year,
		Month:          month,
		MonthName:      time.Month(month).String(),
		Total:          total,
		Categories:     categoryItems,
		Prev:           MonthRef{Year: prevDate.Year(), Month: int(prevDate.Month())},
		Next:           MonthRef{Year: nextDate.Year(), Month: int(nextDate.Month())},
		IsCurrentMonth: year == now.Year() && month == int(now.Month()),
	})
}
