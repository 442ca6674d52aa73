// Package httpapi is the thin HTTP shell spec.md §1 calls out as an
// out-of-scope-but-present external surface alongside the TCP wire
// protocol: a single POST /query endpoint reusing the same request/response
// JSON shape server/novasqlwire frames over TCP, and a GET /healthz probe.
// Grounded on github.com/labstack/echo/v4, the one HTTP framework in the
// example corpus's dependency set.
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tuannm99/shadowbase/internal/engine"
	"github.com/tuannm99/shadowbase/internal/sql/executor"
	"github.com/tuannm99/shadowbase/server/novasqlwire"
)

// healthResponse is GET /healthz's body: enough for a load balancer or an
// operator to tell a live-but-busy engine apart from a stuck one.
type healthResponse struct {
	OK              bool            `json:"ok"`
	BufferPool      bufferPoolStats `json:"buffer_pool"`
	TransactionOpen bool            `json:"transaction_open"`
}

type bufferPoolStats struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
	Pinned   int `json:"pinned"`
	Dirty    int `json:"dirty"`
}

// New builds the echo instance for db. Every request gets its own
// *executor.Executor: unlike the TCP wire protocol, an HTTP request has no
// persistent connection to scope a BEGIN'd transaction to, so a
// multi-statement transaction started over HTTP would outlive the request
// that opened it with no way for a later request to identify it. That
// makes a cross-request transaction an HTTP-visible feature this shell
// deliberately doesn't offer, not an oversight.
func New(db *engine.Database) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	e.POST("/query", func(c echo.Context) error {
		var req novasqlwire.ExecuteRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, novasqlwire.ExecuteResponse{
				Error: "bad request: " + err.Error(),
			})
		}

		ex := executor.NewExecutor(db)
		res, err := ex.ExecSQL(req.SQL)
		if err != nil {
			return c.JSON(http.StatusOK, novasqlwire.ExecuteResponse{
				ID:    req.ID,
				Error: err.Error(),
			})
		}
		return c.JSON(http.StatusOK, novasqlwire.ExecuteResponse{
			ID:     req.ID,
			Result: res,
		})
	})

	e.GET("/healthz", func(c echo.Context) error {
		s := db.BP.Stats()
		return c.JSON(http.StatusOK, healthResponse{
			OK: true,
			BufferPool: bufferPoolStats{
				Capacity: s.Capacity,
				InUse:    s.InUse,
				Pinned:   s.Pinned,
				Dirty:    s.Dirty,
			},
			TransactionOpen: db.TM.Active() != nil,
		})
	})

	return e
}
