package data

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cascata/backend/internal/apperr"
)

// HandleRawQuery executes arbitrary SQL for the service role. Database
// errors surface as 400 with {error, code, position} rather than 500 — raw
// SQL mistakes are the caller's problem, not ours.
func (c *Controller) HandleRawQuery() http.HandlerFunc {
	type request struct {
		Query string `json:"query"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireService(w, r)
		if !ok {
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperr.Write(w, r, apperr.Wrap(apperr.Validation, "invalid JSON body", err))
			return
		}
		if req.Query == "" {
			apperr.Write(w, r, apperr.New(apperr.Validation, "query is required"))
			return
		}

		var rows []map[string]interface{}
		var command string
		var rowCount int
		start := time.Now()

		err := c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			result, qErr := tx.Query(r.Context(), req.Query)
			if qErr != nil {
				return qErr
			}
			var mErr error
			rows, mErr = rowsToMaps(result)
			if mErr != nil {
				return mErr
			}
			command = result.CommandTag().String()
			rowCount = int(result.CommandTag().RowsAffected())
			if len(rows) > 0 {
				rowCount = len(rows)
			}
			return nil
		})
		if err != nil {
			if code, msg := apperr.PGCode(err); code != "" {
				writeJSON(w, http.StatusBadRequest, map[string]interface{}{
					"error":    msg,
					"code":     code,
					"position": apperr.PGPosition(err),
				})
				return
			}
			apperr.Write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"rows":        rows,
			"rowCount":    rowCount,
			"command":     command,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}
