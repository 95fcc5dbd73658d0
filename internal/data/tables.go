package data

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"

	"github.com/cascata/backend/internal/apperr"
)

var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const deletedPrefix = "_deleted_"

// columnSpec describes one column of a table being created.
type columnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
	Primary  bool   `json:"primary,omitempty"`
	Unique   bool   `json:"unique,omitempty"`
}

var allowedColumnTypes = map[string]bool{
	"text": true, "integer": true, "bigint": true, "numeric": true,
	"boolean": true, "timestamptz": true, "date": true, "uuid": true,
	"jsonb": true, "double precision": true, "serial": true, "bigserial": true,
}

// HandleCreateTable creates a table with an id column, the requested
// columns, and the realtime notify trigger. Admin-only.
func (c *Controller) HandleCreateTable() http.HandlerFunc {
	type request struct {
		Name    string       `json:"name"`
		Columns []columnSpec `json:"columns"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireAdmin(w, r)
		if !ok {
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperr.Write(w, r, apperr.Wrap(apperr.Validation, "invalid JSON body", err))
			return
		}
		if !tableNameRe.MatchString(req.Name) {
			apperr.Write(w, r, apperr.New(apperr.Validation, "invalid table name"))
			return
		}

		cols := []string{`"id" bigserial PRIMARY KEY`}
		for _, col := range req.Columns {
			if col.Name == "id" {
				continue
			}
			if !tableNameRe.MatchString(col.Name) {
				apperr.Write(w, r, apperr.New(apperr.Validation, "invalid column name "+col.Name))
				return
			}
			typ := strings.ToLower(strings.TrimSpace(col.Type))
			if !allowedColumnTypes[typ] {
				apperr.Write(w, r, apperr.New(apperr.Validation, "unsupported column type "+col.Type))
				return
			}
			def := fmt.Sprintf(`"%s" %s`, col.Name, typ)
			if !col.Nullable {
				def += " NOT NULL"
			}
			if col.Unique {
				def += " UNIQUE"
			}
			if col.Default != "" {
				// Defaults are restricted to simple literals and now().
				if col.Default != "now()" && !regexp.MustCompile(`^[a-zA-Z0-9_' .-]+$`).MatchString(col.Default) {
					apperr.Write(w, r, apperr.New(apperr.Validation, "unsupported default for "+col.Name))
					return
				}
				def += " DEFAULT " + col.Default
			}
			cols = append(cols, def)
		}

		ddl := fmt.Sprintf(`CREATE TABLE "%s" (%s)`, req.Name, strings.Join(cols, ", "))
		err := c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			if _, err := tx.Exec(r.Context(), ddl); err != nil {
				return apperr.FromPG(err)
			}
			if _, err := tx.Exec(r.Context(), NotifyTriggerDDL(req.Name)); err != nil {
				return apperr.FromPG(err)
			}
			return nil
		})
		if err != nil {
			apperr.Write(w, r, err)
			return
		}
		c.logger.Printf("Created table %s", req.Name)
		writeJSON(w, http.StatusCreated, map[string]string{"table": req.Name})
	}
}

// NotifyTriggerDDL builds the statement attaching the row-change notify
// trigger to a platform-created table. The trigger function ships in the
// tenant template database.
func NotifyTriggerDDL(table string) string {
	return fmt.Sprintf(
		`CREATE TRIGGER "%s_cascata_notify"
		 AFTER INSERT OR UPDATE OR DELETE ON "%s"
		 FOR EACH ROW EXECUTE FUNCTION cascata_notify_row_change()`, table, table)
}

// NotifyTriggerFunctionDDL defines the trigger function itself; applied once
// per tenant database.
const NotifyTriggerFunctionDDL = `
CREATE OR REPLACE FUNCTION cascata_notify_row_change() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('cascata_events', json_build_object(
        'table', TG_TABLE_NAME,
        'schema', TG_TABLE_SCHEMA,
        'action', TG_OP,
        'record_id', COALESCE(NEW.id, OLD.id),
        'timestamp', now()
    )::text);
    RETURN COALESCE(NEW, OLD);
END;
$$ LANGUAGE plpgsql;
`

// HandleDeleteTable soft-deletes by default (rename into the recycle bin);
// `?mode=cascade` or `?mode=restrict` drops for real. Admin-only.
func (c *Controller) HandleDeleteTable() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireAdmin(w, r)
		if !ok {
			return
		}
		table := mux.Vars(r)["table"]
		if !tableNameRe.MatchString(table) {
			apperr.Write(w, r, apperr.New(apperr.Validation, "invalid table name"))
			return
		}

		mode := r.URL.Query().Get("mode")
		var ddl string
		switch mode {
		case "cascade":
			ddl = fmt.Sprintf(`DROP TABLE "%s" CASCADE`, table)
		case "restrict":
			ddl = fmt.Sprintf(`DROP TABLE "%s" RESTRICT`, table)
		default:
			renamed := fmt.Sprintf("%s%d_%s", deletedPrefix, time.Now().UnixMilli(), table)
			ddl = fmt.Sprintf(`ALTER TABLE "%s" RENAME TO "%s"`, table, renamed)
		}

		err := c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			if _, err := tx.Exec(r.Context(), ddl); err != nil {
				return apperr.FromPG(err)
			}
			return nil
		})
		if err != nil {
			apperr.Write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"table": table, "mode": modeOrSoft(mode)})
	}
}

func modeOrSoft(mode string) string {
	if mode == "" {
		return "soft"
	}
	return mode
}

// HandleListRecycleBin lists soft-deleted tables with their deletion time.
func (c *Controller) HandleListRecycleBin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireAdmin(w, r)
		if !ok {
			return
		}
		var rows []map[string]interface{}
		err := c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			result, err := tx.Query(r.Context(),
				`SELECT table_name FROM information_schema.tables
				 WHERE table_schema = 'public' AND table_name LIKE '\_deleted\_%'
				 ORDER BY table_name`)
			if err != nil {
				return apperr.FromPG(err)
			}
			rows, err = rowsToMaps(result)
			return err
		})
		if err != nil {
			apperr.Write(w, r, err)
			return
		}

		bin := make([]map[string]interface{}, 0, len(rows))
		for _, row := range rows {
			name, _ := row["table_name"].(string)
			original, deletedAt, ok := parseDeletedName(name)
			if !ok {
				continue
			}
			bin = append(bin, map[string]interface{}{
				"table":      name,
				"original":   original,
				"deleted_at": deletedAt.Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, bin)
	}
}

// parseDeletedName splits `_deleted_{unix_ms}_T` into the original name and
// the deletion timestamp.
func parseDeletedName(name string) (original string, deletedAt time.Time, ok bool) {
	rest, found := strings.CutPrefix(name, deletedPrefix)
	if !found {
		return "", time.Time{}, false
	}
	msRaw, orig, found := strings.Cut(rest, "_")
	if !found {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(msRaw, 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return orig, time.UnixMilli(ms), true
}

// HandleRestoreTable renames a recycled table back to its original name.
func (c *Controller) HandleRestoreTable() http.HandlerFunc {
	type request struct {
		Table string `json:"table"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireAdmin(w, r)
		if !ok {
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperr.Write(w, r, apperr.Wrap(apperr.Validation, "invalid JSON body", err))
			return
		}
		original, _, valid := parseDeletedName(req.Table)
		if !valid || !tableNameRe.MatchString(original) {
			apperr.Write(w, r, apperr.New(apperr.Validation, "not a recycled table name"))
			return
		}

		err := c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			ddl := fmt.Sprintf(`ALTER TABLE "%s" RENAME TO "%s"`, req.Table, original)
			if _, err := tx.Exec(r.Context(), ddl); err != nil {
				return apperr.FromPG(err)
			}
			return nil
		})
		if err != nil {
			apperr.Write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"restored": original})
	}
}
