package data

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"

	"github.com/cascata/backend/internal/apperr"
)

// HandleRPC calls a public function positionally. The JSON object arguments
// are matched to the function's declared parameter order.
func (c *Controller) HandleRPC() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityOr401(w, r)
		if !ok {
			return
		}
		name := mux.Vars(r)["name"]
		if !tableNameRe.MatchString(name) {
			apperr.Write(w, r, apperr.New(apperr.Validation, "invalid function name"))
			return
		}

		args := map[string]interface{}{}
		if body, err := io.ReadAll(r.Body); err == nil && len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &args); err != nil {
				apperr.Write(w, r, apperr.Wrap(apperr.Validation, "invalid JSON body", err))
				return
			}
		}

		var rows []map[string]interface{}
		err := c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			// Declaration order of the function's named parameters.
			var argNames []string
			argRows, qErr := tx.Query(r.Context(),
				`SELECT unnest(p.proargnames)
				 FROM pg_proc p
				 JOIN pg_namespace n ON n.oid = p.pronamespace
				 WHERE n.nspname = 'public' AND p.proname = $1
				 LIMIT 100`, name)
			if qErr != nil {
				return apperr.FromPG(qErr)
			}
			for argRows.Next() {
				var an string
				if scanErr := argRows.Scan(&an); scanErr != nil {
					argRows.Close()
					return apperr.FromPG(scanErr)
				}
				argNames = append(argNames, an)
			}
			argRows.Close()

			positional := make([]interface{}, 0, len(args))
			holders := make([]string, 0, len(args))
			for _, an := range argNames {
				val, present := args[an]
				if !present {
					continue
				}
				positional = append(positional, val)
				holders = append(holders, fmt.Sprintf("$%d", len(positional)))
			}
			if len(positional) != len(args) {
				return apperr.New(apperr.Validation, "unknown function argument")
			}

			sql := fmt.Sprintf(`SELECT * FROM "%s"(%s)`, name, strings.Join(holders, ", "))
			result, qErr := tx.Query(r.Context(), sql, positional...)
			if qErr != nil {
				return apperr.FromPG(qErr)
			}
			rows, qErr = rowsToMaps(result)
			if qErr != nil {
				return apperr.FromPG(qErr)
			}
			return nil
		})
		if err != nil {
			apperr.Write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}
