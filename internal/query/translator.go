// Package query translates the PostgREST-style URL dialect into a single
// parameterised SQL statement. User-controlled values only ever reach the
// database through placeholders; identifiers are sanitised and quoted.
package query

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/cascata/backend/internal/apperr"
)

// reserved query parameters that are not filters.
var reservedParams = map[string]bool{
	"select":      true,
	"order":       true,
	"limit":       true,
	"offset":      true,
	"on_conflict": true,
	"columns":     true,
}

// Query is a translated statement plus response-shaping metadata.
type Query struct {
	SQL  string
	Args []interface{}

	// Count carries the COUNT(*) companion statement when the client sent
	// Prefer: count=exact.
	CountSQL  string
	CountArgs []interface{}

	// Singular unwraps the first row (Accept: application/vnd.pgrst.object+json).
	Singular bool

	// RangeStart is the offset used, for the Content-Range response header.
	RangeStart int
}

// Translate converts one HTTP request shape into SQL.
func Translate(table, method string, params url.Values, body []byte, headers http.Header) (*Query, error) {
	switch method {
	case http.MethodGet, http.MethodHead:
		return translateSelect(table, params, headers)
	case http.MethodPost:
		return translateInsert(table, params, body, headers)
	case http.MethodPatch:
		return translateUpdate(table, params, body, headers)
	case http.MethodDelete:
		return translateDelete(table, params, headers)
	default:
		return nil, apperr.New(apperr.Validation, "unsupported method "+method)
	}
}

// ============================================================================
// IDENTIFIERS
// ============================================================================

// QuoteIdent quotes a SQL identifier for statements built outside the
// translator, doubling inner quotes.
func QuoteIdent(name string) string { return quoteIdent(name) }

// quoteIdent quotes an identifier, doubling inner quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// sanitizeColumn strips every character outside the allowed set: letters,
// digits, underscore, space, dash and `>` (JSON traversal). Dangerous input
// is silently stripped rather than rejected.
func sanitizeColumn(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '_' || c == ' ' || c == '-' || c == '>':
			b.WriteRune(c)
		}
	}
	return b.String()
}

// columnExpr renders a (sanitised) column reference for WHERE/ORDER BY.
// JSON traversal expressions pass through unquoted.
func columnExpr(name string) string {
	clean := sanitizeColumn(name)
	if strings.Contains(clean, "->") {
		return clean
	}
	return quoteIdent(clean)
}

// selectExpr renders one element of the select list. Expressions containing
// parentheses, JSON arrows or dots pass through unquoted; `col:alias`
// becomes a quoted alias.
func selectExpr(item string) string {
	item = strings.TrimSpace(item)
	if item == "*" || item == "" {
		return "*"
	}
	if strings.ContainsAny(item, "(") || strings.Contains(item, "->") || strings.Contains(item, ".") {
		return item
	}
	if col, alias, ok := strings.Cut(item, ":"); ok {
		return quoteIdent(sanitizeColumn(col)) + " AS " + quoteIdent(sanitizeColumn(alias))
	}
	return quoteIdent(sanitizeColumn(item))
}

func buildSelectList(params url.Values) string {
	raw := params.Get("select")
	if raw == "" || raw == "*" {
		return "*"
	}
	parts := strings.Split(raw, ",")
	exprs := make([]string, 0, len(parts))
	for _, p := range parts {
		exprs = append(exprs, selectExpr(p))
	}
	return strings.Join(exprs, ", ")
}

// ============================================================================
// FILTERS
// ============================================================================

type whereBuilder struct {
	clauses []string
	args    []interface{}
}

func (w *whereBuilder) placeholder(val interface{}) string {
	w.args = append(w.args, val)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *whereBuilder) clause(sql string) { w.clauses = append(w.clauses, sql) }

func (w *whereBuilder) render() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// addFilter translates one `column=op.value` query parameter.
func (w *whereBuilder) addFilter(column, raw string) {
	col := columnExpr(column)
	op, val, hasOp := strings.Cut(raw, ".")
	if !hasOp {
		op, val = "", raw
	}

	switch op {
	case "eq":
		w.clause(col + " = " + w.placeholder(val))
	case "neq":
		w.clause(col + " <> " + w.placeholder(val))
	case "gt":
		w.clause(col + " > " + w.placeholder(val))
	case "gte":
		w.clause(col + " >= " + w.placeholder(val))
	case "lt":
		w.clause(col + " < " + w.placeholder(val))
	case "lte":
		w.clause(col + " <= " + w.placeholder(val))
	case "like":
		w.clause(col + " LIKE " + w.placeholder(strings.ReplaceAll(val, "*", "%")))
	case "ilike":
		w.clause(col + " ILIKE " + w.placeholder(strings.ReplaceAll(val, "*", "%")))
	case "is":
		switch strings.ToLower(val) {
		case "null":
			w.clause(col + " IS NULL")
		case "true":
			w.clause(col + " IS TRUE")
		case "false":
			w.clause(col + " IS FALSE")
		default:
			w.clause(col + " = " + w.placeholder(val))
		}
	case "in":
		items := parseInList(val)
		if len(items) == 0 {
			w.clause("1=0")
			return
		}
		holders := make([]string, len(items))
		for i, item := range items {
			holders[i] = w.placeholder(item)
		}
		w.clause(col + " IN (" + strings.Join(holders, ", ") + ")")
	case "cs":
		w.clause(col + " @> " + w.placeholder(val))
	case "cd":
		w.clause(col + " <@ " + w.placeholder(val))
	default:
		// Unknown operator: literal equality on the raw value.
		w.clause(col + " = " + w.placeholder(raw))
	}
}

func parseInList(val string) []string {
	val = strings.TrimSpace(val)
	if strings.HasPrefix(val, "(") && strings.HasSuffix(val, ")") {
		val = val[1 : len(val)-1]
	}
	if strings.TrimSpace(val) == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		items = append(items, strings.TrimSpace(p))
	}
	return items
}

func buildWhere(params url.Values) *whereBuilder {
	w := &whereBuilder{}

	// Deterministic clause order regardless of map iteration.
	keys := make([]string, 0, len(params))
	for k := range params {
		if !reservedParams[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range params[k] {
			w.addFilter(k, v)
		}
	}
	return w
}

// ============================================================================
// ORDER / PAGINATION
// ============================================================================

func buildOrder(params url.Values) string {
	raw := params.Get("order")
	if raw == "" {
		return ""
	}
	terms := strings.Split(raw, ",")
	rendered := make([]string, 0, len(terms))
	for _, term := range terms {
		parts := strings.Split(strings.TrimSpace(term), ".")
		col := columnExpr(parts[0])
		if col == `""` || col == "" {
			continue
		}
		dir := "ASC"
		nulls := ""
		for _, p := range parts[1:] {
			switch strings.ToLower(p) {
			case "asc":
				dir = "ASC"
			case "desc":
				dir = "DESC"
			case "nullsfirst":
				nulls = " NULLS FIRST"
			case "nullslast":
				nulls = " NULLS LAST"
			}
		}
		rendered = append(rendered, col+" "+dir+nulls)
	}
	if len(rendered) == 0 {
		return ""
	}
	return " ORDER BY " + strings.Join(rendered, ", ")
}

// pagination resolves the Range header and limit/offset parameters.
// Explicit parameters override the header.
func pagination(params url.Values, headers http.Header) (limit, offset int, err error) {
	limit, offset = -1, 0

	if rng := headers.Get("Range"); rng != "" {
		start, end, ok := strings.Cut(strings.TrimPrefix(rng, "rows="), "-")
		if ok {
			s, errS := strconv.Atoi(strings.TrimSpace(start))
			e, errE := strconv.Atoi(strings.TrimSpace(end))
			if errS == nil && errE == nil {
				if e < s {
					return 0, 0, apperr.New(apperr.Validation, "invalid Range header")
				}
				offset = s
				limit = e - s + 1
			}
		}
	}

	if raw := params.Get("limit"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 0 {
			return 0, 0, apperr.New(apperr.Validation, "invalid limit")
		}
		limit = n
	}
	if raw := params.Get("offset"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 0 {
			return 0, 0, apperr.New(apperr.Validation, "invalid offset")
		}
		offset = n
	}
	return limit, offset, nil
}

func prefers(headers http.Header, token string) bool {
	for _, v := range headers.Values("Prefer") {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == token {
				return true
			}
		}
	}
	return false
}

func wantsSingular(headers http.Header) bool {
	return strings.Contains(headers.Get("Accept"), "application/vnd.pgrst.object+json")
}

// ============================================================================
// STATEMENTS
// ============================================================================

func translateSelect(table string, params url.Values, headers http.Header) (*Query, error) {
	where := buildWhere(params)
	limit, offset, err := pagination(params, headers)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", buildSelectList(params), quoteIdent(table))
	sb.WriteString(where.render())
	sb.WriteString(buildOrder(params))
	if limit >= 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}
	if offset > 0 {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", offset))
	}

	q := &Query{
		SQL:        sb.String(),
		Args:       where.args,
		Singular:   wantsSingular(headers),
		RangeStart: offset,
	}

	if prefers(headers, "count=exact") {
		countWhere := buildWhere(params)
		q.CountSQL = "SELECT COUNT(*) FROM " + quoteIdent(table) + countWhere.render()
		q.CountArgs = countWhere.args
	}
	return q, nil
}

func decodeBodyRows(body []byte) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, apperr.New(apperr.Validation, "empty request body")
	}
	if strings.HasPrefix(trimmed, "[") {
		var rows []map[string]interface{}
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, apperr.Wrap(apperr.Validation, "invalid JSON body", err)
		}
		if len(rows) == 0 {
			return nil, apperr.New(apperr.Validation, "empty insert array")
		}
		return rows, nil
	}
	var row map[string]interface{}
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid JSON body", err)
	}
	return []map[string]interface{}{row}, nil
}

// insertColumns derives the column list: the `columns` parameter when given,
// else the union of keys across all rows, sorted for determinism.
func insertColumns(params url.Values, rows []map[string]interface{}) []string {
	if raw := params.Get("columns"); raw != "" {
		parts := strings.Split(raw, ",")
		cols := make([]string, 0, len(parts))
		for _, p := range parts {
			if c := sanitizeColumn(strings.TrimSpace(p)); c != "" {
				cols = append(cols, c)
			}
		}
		return cols
	}
	seen := map[string]bool{}
	for _, row := range rows {
		for k := range row {
			seen[sanitizeColumn(k)] = true
		}
	}
	cols := make([]string, 0, len(seen))
	for c := range seen {
		if c != "" {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)
	return cols
}

// normalizeValue converts decoded JSON values into driver-friendly args.
// Objects and arrays are re-encoded so they land in json/jsonb columns.
func normalizeValue(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		raw, _ := json.Marshal(v)
		return string(raw)
	default:
		return v
	}
}

func translateInsert(table string, params url.Values, body []byte, headers http.Header) (*Query, error) {
	rows, err := decodeBodyRows(body)
	if err != nil {
		return nil, err
	}
	cols := insertColumns(params, rows)
	if len(cols) == 0 {
		return nil, apperr.New(apperr.Validation, "no insertable columns")
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	var args []interface{}
	tuples := make([]string, 0, len(rows))
	for _, row := range rows {
		holders := make([]string, len(cols))
		for i, c := range cols {
			args = append(args, normalizeValue(row[c]))
			holders[i] = fmt.Sprintf("$%d", len(args))
		}
		tuples = append(tuples, "("+strings.Join(holders, ", ")+")")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES %s",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(tuples, ", "))

	switch {
	case prefers(headers, "resolution=merge-duplicates"):
		conflict := sanitizeColumn(params.Get("on_conflict"))
		if conflict == "" {
			conflict = "id"
		}
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = quoteIdent(c) + " = EXCLUDED." + quoteIdent(c)
		}
		fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET %s",
			quoteIdent(conflict), strings.Join(sets, ", "))
	case prefers(headers, "resolution=ignore-duplicates"):
		sb.WriteString(" ON CONFLICT DO NOTHING")
	}

	if !prefers(headers, "return=minimal") {
		sb.WriteString(" RETURNING *")
	}

	return &Query{
		SQL:      sb.String(),
		Args:     args,
		Singular: wantsSingular(headers),
	}, nil
}

func translateUpdate(table string, params url.Values, body []byte, headers http.Header) (*Query, error) {
	where := buildWhere(params)
	if len(where.clauses) == 0 {
		return nil, apperr.New(apperr.Validation, "update requires at least one filter")
	}

	rows, err := decodeBodyRows(body)
	if err != nil {
		return nil, err
	}
	patch := rows[0]
	if len(patch) == 0 {
		return nil, apperr.New(apperr.Validation, "empty update body")
	}

	cols := make([]string, 0, len(patch))
	for k := range patch {
		if c := sanitizeColumn(k); c != "" {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)

	// SET placeholders are appended after the WHERE args so clause numbering
	// stays contiguous: WHERE built first, SET renumbered afterwards.
	sets := make([]string, len(cols))
	args := where.args
	for i, c := range cols {
		args = append(args, normalizeValue(patch[c]))
		sets[i] = quoteIdent(c) + " = " + fmt.Sprintf("$%d", len(args))
	}

	sql := fmt.Sprintf("UPDATE %s SET %s%s",
		quoteIdent(table), strings.Join(sets, ", "), where.render())
	if !prefers(headers, "return=minimal") {
		sql += " RETURNING *"
	}

	return &Query{SQL: sql, Args: args, Singular: wantsSingular(headers)}, nil
}

func translateDelete(table string, params url.Values, headers http.Header) (*Query, error) {
	where := buildWhere(params)
	if len(where.clauses) == 0 {
		return nil, apperr.New(apperr.Validation, "delete requires at least one filter")
	}

	sql := fmt.Sprintf("DELETE FROM %s%s", quoteIdent(table), where.render())
	if !prefers(headers, "return=minimal") {
		sql += " RETURNING *"
	}
	return &Query{SQL: sql, Args: where.args, Singular: wantsSingular(headers)}, nil
}
