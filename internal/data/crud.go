package data

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/query"
)

// HandleCRUD serves /data/{slug}/{table} with the PostgREST dialect.
func (c *Controller) HandleCRUD() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityOr401(w, r)
		if !ok {
			return
		}

		table := mux.Vars(r)["table"]
		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(r.Body)
			if err != nil {
				apperr.Write(w, r, apperr.Wrap(apperr.Validation, "read body", err))
				return
			}
		}

		q, err := query.Translate(table, r.Method, r.URL.Query(), body, r.Header)
		if err != nil {
			apperr.Write(w, r, err)
			return
		}

		var rows []map[string]interface{}
		var total int64 = -1
		err = c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			result, qErr := tx.Query(r.Context(), q.SQL, q.Args...)
			if qErr != nil {
				return apperr.FromPG(qErr)
			}
			rows, qErr = rowsToMaps(result)
			if qErr != nil {
				return apperr.FromPG(qErr)
			}

			if q.CountSQL != "" {
				if qErr = tx.QueryRow(r.Context(), q.CountSQL, q.CountArgs...).Scan(&total); qErr != nil {
					return apperr.FromPG(qErr)
				}
			}
			return nil
		})
		if err != nil {
			apperr.Write(w, r, err)
			return
		}

		if total >= 0 {
			end := q.RangeStart + len(rows) - 1
			if len(rows) == 0 {
				end = q.RangeStart
			}
			w.Header().Set("Content-Range", fmt.Sprintf("%d-%d/%d", q.RangeStart, end, total))
		}

		status := http.StatusOK
		if r.Method == http.MethodPost {
			status = http.StatusCreated
		}

		if q.Singular {
			if len(rows) == 0 {
				writeJSON(w, status, nil)
				return
			}
			writeJSON(w, status, rows[0])
			return
		}
		writeJSON(w, status, rows)
	}
}
