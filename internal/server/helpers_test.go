package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHumanizeParam(t *testing.T) {
	tests := []struct {
		param string
		want  string
	}{
		{"id", "ID"},
		{"participantId", "participant ID"},
		{"userId", "user ID"},
		{"something", "something"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, humanizeParam(tt.param), "param %q", tt.param)
	}
}

func TestParsePagination(t *testing.T) {
	app := fiber.New()

	var page Pagination
	app.Get("/items", func(c *fiber.Ctx) error {
		page = parsePagination(c, 50)
		return c.SendStatus(http.StatusOK)
	})

	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", 50, 0},
		{"explicit", "?limit=10&offset=20", 10, 20},
		{"limit capped", "?limit=500", maxPaginationLimit, 0},
		{"negative values fall back", "?limit=-1&offset=-5", 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/items"+tt.query, nil))
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.wantLimit, page.Limit)
			assert.Equal(t, tt.wantOffset, page.Offset)
		})
	}
}

func TestParseID_Invalid(t *testing.T) {
	db := setupHandlerTestDB(t)
	s := newTestServer(t, db)
	app := newTestApp(s, 1)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/conversations/not-a-number", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
