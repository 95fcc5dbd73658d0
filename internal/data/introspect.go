package data

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/reqctx"
)

// HandleListTables returns the public, non-recycled tables.
func (c *Controller) HandleListTables() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityOr401(w, r)
		if !ok {
			return
		}
		var rows []map[string]interface{}
		err := c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			result, err := tx.Query(r.Context(),
				`SELECT table_name FROM information_schema.tables
				 WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
				   AND table_name NOT LIKE '\_deleted\_%'
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
		writeJSON(w, http.StatusOK, rows)
	}
}

// HandleGetColumns returns column metadata for one table.
func (c *Controller) HandleGetColumns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityOr401(w, r)
		if !ok {
			return
		}
		table := mux.Vars(r)["table"]
		var rows []map[string]interface{}
		err := c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			result, err := tx.Query(r.Context(),
				`SELECT column_name, data_type, is_nullable, column_default
				 FROM information_schema.columns
				 WHERE table_schema = 'public' AND table_name = $1
				 ORDER BY ordinal_position`, table)
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
		if len(rows) == 0 {
			apperr.Write(w, r, apperr.New(apperr.NotFound, "table not found"))
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

// HandleListFunctions returns public functions.
func (c *Controller) HandleListFunctions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityOr401(w, r)
		if !ok {
			return
		}
		var rows []map[string]interface{}
		err := c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			result, err := tx.Query(r.Context(),
				`SELECT p.proname AS name,
				        pg_get_function_identity_arguments(p.oid) AS arguments,
				        t.typname AS return_type
				 FROM pg_proc p
				 JOIN pg_namespace n ON n.oid = p.pronamespace
				 JOIN pg_type t ON t.oid = p.prorettype
				 WHERE n.nspname = 'public'
				 ORDER BY p.proname`)
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
		writeJSON(w, http.StatusOK, rows)
	}
}

// HandleListTriggers returns triggers on public tables.
func (c *Controller) HandleListTriggers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityOr401(w, r)
		if !ok {
			return
		}
		var rows []map[string]interface{}
		err := c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			result, err := tx.Query(r.Context(),
				`SELECT trigger_name, event_object_table AS table_name,
				        event_manipulation AS event, action_timing AS timing
				 FROM information_schema.triggers
				 WHERE trigger_schema = 'public'
				 ORDER BY event_object_table, trigger_name`)
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
		writeJSON(w, http.StatusOK, rows)
	}
}

// HandleFunctionDefinition returns the source of one public function.
func (c *Controller) HandleFunctionDefinition() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityOr401(w, r)
		if !ok {
			return
		}
		name := mux.Vars(r)["name"]
		var def string
		err := c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			return tx.QueryRow(r.Context(),
				`SELECT pg_get_functiondef(p.oid)
				 FROM pg_proc p
				 JOIN pg_namespace n ON n.oid = p.pronamespace
				 WHERE n.nspname = 'public' AND p.proname = $1
				 LIMIT 1`, name).Scan(&def)
		})
		if err != nil {
			if err == pgx.ErrNoRows {
				apperr.Write(w, r, apperr.New(apperr.NotFound, "function not found"))
				return
			}
			apperr.Write(w, r, apperr.FromPG(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": name, "definition": def})
	}
}

// HandleStats returns table/row/user counts and the formatted database size.
func (c *Controller) HandleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityOr401(w, r)
		if !ok {
			return
		}
		stats := map[string]interface{}{}
		err := c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			var tableCount, rowCount, userCount int64
			var dbSize string

			if err := tx.QueryRow(r.Context(),
				`SELECT count(*) FROM information_schema.tables
				 WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
				   AND table_name NOT LIKE '\_deleted\_%'`).Scan(&tableCount); err != nil {
				return apperr.FromPG(err)
			}
			if err := tx.QueryRow(r.Context(),
				`SELECT COALESCE(sum(n_live_tup), 0) FROM pg_stat_user_tables
				 WHERE schemaname = 'public'`).Scan(&rowCount); err != nil {
				return apperr.FromPG(err)
			}
			// The auth schema may not exist on ejected databases.
			if err := tx.QueryRow(r.Context(),
				`SELECT COALESCE((SELECT count(*) FROM pg_tables
				   WHERE schemaname = 'auth' AND tablename = 'users'), 0)`).Scan(&userCount); err == nil && userCount > 0 {
				tx.QueryRow(r.Context(), `SELECT count(*) FROM auth.users`).Scan(&userCount)
			}
			if err := tx.QueryRow(r.Context(),
				`SELECT pg_size_pretty(pg_database_size(current_database()))`).Scan(&dbSize); err != nil {
				return apperr.FromPG(err)
			}

			stats["tables"] = tableCount
			stats["rows"] = rowCount
			stats["users"] = userCount
			stats["database_size"] = dbSize
			return nil
		})
		if err != nil {
			apperr.Write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// HandleOpenAPI emits a minimal OpenAPI 3 document describing the exposed
// tables. Blocked unless the project opted into schema exposure or the
// caller is an admin.
func (c *Controller) HandleOpenAPI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityOr401(w, r)
		if !ok {
			return
		}
		project, err := reqctx.Project(r.Context())
		if err != nil {
			apperr.Write(w, r, apperr.New(apperr.NotFound, "project not found"))
			return
		}
		if !project.Meta.SchemaExposure && !id.Admin {
			apperr.Write(w, r, apperr.New(apperr.Forbidden, "schema discovery is disabled"))
			return
		}

		var tables []map[string]interface{}
		err = c.inTx(r.Context(), id, func(tx pgx.Tx) error {
			result, qErr := tx.Query(r.Context(),
				`SELECT table_name FROM information_schema.tables
				 WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
				   AND table_name NOT LIKE '\_deleted\_%'
				 ORDER BY table_name`)
			if qErr != nil {
				return apperr.FromPG(qErr)
			}
			tables, qErr = rowsToMaps(result)
			return qErr
		})
		if err != nil {
			apperr.Write(w, r, err)
			return
		}

		paths := map[string]interface{}{}
		for _, t := range tables {
			name, _ := t["table_name"].(string)
			paths["/api/data/"+project.Slug+"/"+name] = map[string]interface{}{
				"get":    map[string]interface{}{"summary": "List " + name},
				"post":   map[string]interface{}{"summary": "Insert into " + name},
				"patch":  map[string]interface{}{"summary": "Update " + name},
				"delete": map[string]interface{}{"summary": "Delete from " + name},
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"openapi": "3.0.0",
			"info": map[string]interface{}{
				"title":   project.Name,
				"version": "1.0.0",
			},
			"paths": paths,
		})
	}
}
