package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"expense-backend/internal/apperrors"
	"expense-backend/internal/models"

	"github.com/0xcafe-io/iz"
)

type createExpenseRequest struct {
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Amount      json.RawMessage `json:"amount"`
	Date        string          `json:"date"`
}

// toExpense validates the request body and builds the expense to insert.
func (req createExpenseRequest) toExpense() (*models.Expense, error) {
	category := strings.TrimSpace(req.Category)
	if category == "" {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "category is required")
	}
	if len(category) > maxCategoryLength {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "category must be at most 40 characters")
	}

	description := strings.TrimSpace(req.Description)
	if len(description) > maxDescriptionLength {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "description must be at most 200 characters")
	}

	e := &models.Expense{Category: category, Description: description}

	if raw := bytes.TrimSpace(req.Amount); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		var amount float64
		if err := json.Unmarshal(raw, &amount); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "amount must be a number", err)
		}
		e.Amount = &amount
	}

	if req.Date != "" {
		date, err := time.Parse(time.RFC3339, req.Date)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "date must be an RFC 3339 timestamp", err)
		}
		e.Date = date
	}

	return e, nil
}

// CreateExpense records an expense owned by the authenticated user.
func (h *Handlers) CreateExpense(r *iz.Request) iz.Responder {
	user := GetUserFromContext(r.Request)
	if user == nil {
		return h.fail(r.Request, errUnauthorized)
	}

	var req createExpenseRequest
	if err := decodeJSON(r, &req); err != nil {
		return respondMessage(http.StatusBadRequest, MsgInvalidBody)
	}

	expense, err := req.toExpense()
	if err != nil {
		return h.fail(r.Request, err)
	}
	expense.UserID = &user.ID

	created, err := h.store.InsertExpense(r.Context(), expense)
	if err != nil {
		return h.fail(r.Request, err)
	}

	h.recorder.RecordExpenseCreated()
	return iz.Respond().Created().JSON(created)
}

// GetExpense returns one of the authenticated user's expenses. Expenses of
// other users are reported as missing.
func (h *Handlers) GetExpense(r *iz.Request) iz.Responder {
	user := GetUserFromContext(r.Request)
	if user == nil {
		return h.fail(r.Request, errUnauthorized)
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		return respondMessage(http.StatusBadRequest, "expense id must be a positive number")
	}

	expense, err := h.store.GetExpense(r.Context(), id)
	if err != nil {
		return h.fail(r.Request, err)
	}
	if expense.UserID == nil || *expense.UserID != user.ID {
		return h.fail(r.Request, apperrors.New(apperrors.ErrNotFound, "expense not found"))
	}
	return iz.Respond().OK().JSON(expense)
}

type expenseListResponse struct {
	Year     int              `json:"year"`
	Month    int              `json:"month"`
	Total    float64          `json:"total"`
	Expenses []models.Expense `json:"expenses"`
}

// ListExpenses returns the authenticated user's expenses for one month.
func (h *Handlers) ListExpenses(r *iz.Request) iz.Responder {
	user := GetUserFromContext(r.Request)
	if user == nil {
		return h.fail(r.Request, errUnauthorized)
	}

	year, month, err := parseYearMonth(r.Request, time.Now().UTC())
	if err != nil {
		return h.fail(r.Request, err)
	}

	expenses, err := h.store.ListExpensesByMonth(r.Context(), user.ID, year, month)
	if err != nil {
		return h.fail(r.Request, err)
	}

	var total float64
	for _, e := range expenses {
		if e.Amount != nil {
			total += *e.Amount
		}
	}

	return iz.Respond().OK().JSON(expenseListResponse{
		Year:     year,
		Month:    month,
		Total:    total,
		Expenses: expenses,
	})
}

// parseYearMonth reads the year and month query parameters, defaulting to
// the month of now.
func parseYearMonth(r *http.Request, now time.Time) (int, int, error) {
	year := now.Year()
	month := int(now.Month())

	if s := r.URL.Query().Get("year"); s != "" {
		y, err := strconv.Atoi(s)
		if err != nil || y < 1 || y > 9999 {
			return 0, 0, apperrors.New(apperrors.ErrInvalidInput, "year must be a number between 1 and 9999")
		}
		year = y
	}
	if s := r.URL.Query().Get("month"); s != "" {
		m, err := strconv.Atoi(s)
		if err != nil || m < 1 || m > 12 {
			return 0, 0, apperrors.New(apperrors.ErrInvalidInput, "month must be a number between 1 and 12")
		}
		month = m
	}
	return year, month, nil
}
