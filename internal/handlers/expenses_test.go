package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"expense-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (suite *HandlersTestSuite) createExpense(cookie *http.Cookie, body string) models.Expense {
	w := suite.do(http.MethodPost, "/expenses", body, cookie)
	require.Equal(suite.T(), http.StatusCreated, w.Code, "body: %s", w.Body.String())
	var e models.Expense
	require.NoError(suite.T(), json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func (suite *HandlersTestSuite) TestCreateExpense() {
	cookie := suite.signUpAndLogin("owner@x.com", "pw")
	user, err := suite.db.FindUserByEmail(suite.ctx, "owner@x.com")
	require.NoError(suite.T(), err)

	e := suite.createExpense(cookie, `{"category":"Food","description":"Lunch","amount":12.5,"date":"2025-03-14T12:30:00Z"}`)
	assert.NotZero(suite.T(), e.ID)
	assert.Equal(suite.T(), "Food", e.Category)
	assert.Equal(suite.T(), "Lunch", e.Description)
	require.NotNil(suite.T(), e.Amount)
	assert.Equal(suite.T(), 12.5, *e.Amount)
	assert.True(suite.T(), e.Date.Equal(time.Date(2025, 3, 14, 12, 30, 0, 0, time.UTC)))
	require.NotNil(suite.T(), e.UserID)
	assert.Equal(suite.T(), user.ID, *e.UserID)

	stored, err := suite.db.GetExpense(suite.ctx, e.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "Lunch", stored.Description)
	assert.Equal(suite.T(), 1, suite.recorder.expenses)
}

func (suite *HandlersTestSuite) TestCreateExpenseOptionalFields() {
	cookie := suite.signUpAndLogin("opt@x.com", "pw")

	before := time.Now().Add(-time.Second)
	e := suite.createExpense(cookie, `{"category":"Misc","amount":null}`)
	assert.Nil(suite.T(), e.Amount)
	assert.Empty(suite.T(), e.Description)
	assert.True(suite.T(), e.Date.After(before), "date defaults to now")
}

func (suite *HandlersTestSuite) TestCreateExpenseValidation() {
	cookie := suite.signUpAndLogin("val@x.com", "pw")

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"string amount", `{"category":"Food","amount":"12"}`, "amount must be a number"},
		{"object amount", `{"category":"Food","amount":{"v":1}}`, "amount must be a number"},
		{"boolean amount", `{"category":"Food","amount":true}`, "amount must be a number"},
		{"missing category", `{"amount":1}`, "category is required"},
		{"long category", fmt.Sprintf(`{"category":%q}`, strings.Repeat("c", 41)), "category must be at most 40 characters"},
		{"long description", fmt.Sprintf(`{"category":"Food","description":%q}`, strings.Repeat("d", 201)), "description must be at most 200 characters"},
		{"bad date", `{"category":"Food","date":"14/03/2025"}`, "date must be an RFC 3339 timestamp"},
		{"invalid json", `[1,2`, MsgInvalidBody},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			w := suite.do(http.MethodPost, "/expenses", tt.body, cookie)
			assert.Equal(suite.T(), http.StatusBadRequest, w.Code)
			assert.Equal(suite.T(), tt.message, suite.message(w))
		})
	}
	assert.Zero(suite.T(), suite.recorder.expenses)
}

func (suite *HandlersTestSuite) TestCreateExpenseRequiresAuth() {
	w := suite.do(http.MethodPost, "/expenses", `{"category":"Food"}`, nil)
	assert.Equal(suite.T(), http.StatusUnauthorized, w.Code)
}

func (suite *HandlersTestSuite) TestListExpensesByMonth() {
	cookie := suite.signUpAndLogin("list@x.com", "pw")
	other := suite.signUpAndLogin("someone@x.com", "pw")

	suite.createExpense(cookie, `{"category":"Food","amount":10,"date":"2025-03-01T08:00:00Z"}`)
	suite.createExpense(cookie, `{"category":"Travel","amount":5.5,"date":"2025-03-20T08:00:00Z"}`)
	suite.createExpense(cookie, `{"category":"Food","date":"2025-03-10T08:00:00Z"}`)
	suite.createExpense(cookie, `{"category":"Food","amount":99,"date":"2025-04-01T00:00:00Z"}`)
	suite.createExpense(other, `{"category":"Food","amount":1000,"date":"2025-03-05T08:00:00Z"}`)

	w := suite.do(http.MethodGet, "/expenses?year=2025&month=3", "", cookie)
	require.Equal(suite.T(), http.StatusOK, w.Code)

	var resp expenseListResponse
	require.NoError(suite.T(), json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(suite.T(), 2025, resp.Year)
	assert.Equal(suite.T(), 3, resp.Month)
	assert.Equal(suite.T(), 15.5, resp.Total)
	require.Len(suite.T(), resp.Expenses, 3)
	assert.Equal(suite.T(), "Travel", resp.Expenses[0].Category)
	assert.Nil(suite.T(), resp.Expenses[1].Amount)
	assert.Equal(suite.T(), 10.0, *resp.Expenses[2].Amount)
}

func (suite *HandlersTestSuite) TestListExpensesEmptyMonth() {
	cookie := suite.signUpAndLogin("empty@x.com", "pw")

	w := suite.do(http.MethodGet, "/expenses", "", cookie)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	assert.Contains(suite.T(), w.Body.String(), `"expenses":[]`)

	now := time.Now().UTC()
	var resp expenseListResponse
	require.NoError(suite.T(), json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(suite.T(), now.Year(), resp.Year)
	assert.Equal(suite.T(), int(now.Month()), resp.Month)
}

func (suite *HandlersTestSuite) TestListExpensesBadQuery() {
	cookie := suite.signUpAndLogin("query@x.com", "pw")

	for _, query := range []string{"month=13", "month=0", "month=abc", "year=-1", "year=x"} {
		w := suite.do(http.MethodGet, "/expenses?"+query, "", cookie)
		assert.Equal(suite.T(), http.StatusBadRequest, w.Code, query)
	}
}

func (suite *HandlersTestSuite) TestStatistics() {
	cookie := suite.signUpAndLogin("stats@x.com", "pw")

	suite.createExpense(cookie, `{"category":"Food","amount":30,"date":"2025-01-02T08:00:00Z"}`)
	suite.createExpense(cookie, `{"category":"Food","amount":45,"date":"2025-01-15T08:00:00Z"}`)
	suite.createExpense(cookie, `{"category":"Travel","amount":25,"date":"2025-01-20T08:00:00Z"}`)
	suite.createExpense(cookie, `{"category":"Gifts","date":"2025-01-21T08:00:00Z"}`)

	w := suite.do(http.MethodGet, "/expenses/stats?year=2025&month=1", "", cookie)
	require.Equal(suite.T(), http.StatusOK, w.Code)

	var resp StatsResponse
	require.NoError(suite.T(), json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(suite.T(), "January", resp.MonthName)
	assert.Equal(suite.T(), 100.0, resp.Total)
	assert.Equal(suite.T(), MonthRef{Year: 2024, Month: 12}, resp.Prev)
	assert.Equal(suite.T(), MonthRef{Year: 2025, Month: 2}, resp.Next)
	assert.False(suite.T(), resp.IsCurrentMonth)

	require.Len(suite.T(), resp.Categories, 3)
	assert.Equal(suite.T(), StatsCategoryItem{Category: "Food", Total: 75, Count: 2, Percentage: 75}, resp.Categories[0])
	assert.Equal(suite.T(), StatsCategoryItem{Category: "Travel", Total: 25, Count: 1, Percentage: 25}, resp.Categories[1])
	assert.Equal(suite.T(), StatsCategoryItem{Category: "Gifts", Total: 0, Count: 1, Percentage: 0}, resp.Categories[2])
}

func (suite *HandlersTestSuite) TestStatisticsCurrentMonthEmpty() {
	cookie := suite.signUpAndLogin("now@x.com", "pw")

	w := suite.do(http.MethodGet, "/expenses/stats", "", cookie)
	require.Equal(suite.T(), http.StatusOK, w.Code)

	var resp StatsResponse
	require.NoError(suite.T(), json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(suite.T(), resp.IsCurrentMonth)
	assert.Zero(suite.T(), resp.Total)
	assert.Empty(suite.T(), resp.Categories)
	assert.Contains(suite.T(), w.Body.String(), `"categories":[]`)
}

func (suite *HandlersTestSuite) TestGetExpense() {
	owner := suite.signUpAndLogin("get@x.com", "pw")
	other := suite.signUpAndLogin("peek@x.com", "pw")
	e := suite.createExpense(owner, `{"category":"Books","amount":18,"date":"2025-05-01T09:00:00Z"}`)
	path := fmt.Sprintf("/expenses/%d", e.ID)

	w := suite.do(http.MethodGet, path, "", owner)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	var got models.Expense
	require.NoError(suite.T(), json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(suite.T(), e.ID, got.ID)
	assert.Equal(suite.T(), "Books", got.Category)

	w = suite.do(http.MethodGet, path, "", other)
	assert.Equal(suite.T(), http.StatusNotFound, w.Code)
	assert.Equal(suite.T(), "expense not found", suite.message(w))

	w = suite.do(http.MethodGet, "/expenses/999999", "", owner)
	assert.Equal(suite.T(), http.StatusNotFound, w.Code)

	for _, id := range []string{"abc", "0", "-4"} {
		w = suite.do(http.MethodGet, "/expenses/"+id, "", owner)
		assert.Equal(suite.T(), http.StatusBadRequest, w.Code, "id %q", id)
		assert.Equal(suite.T(), "expense id must be a positive number", suite.message(w))
	}

	w = suite.do(http.MethodGet, path, "", nil)
	assert.Equal(suite.T(), http.StatusUnauthorized, w.Code)
}
