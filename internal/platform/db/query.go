package db

import (
	"fmt"
	"strings"
)

// SelectQuery assembles a filtered, paginated SELECT with numbered placeholders.
type SelectQuery struct {
	table   string
	cols    string
	where   []string
	args    []interface{}
	orderBy string
}

func NewSelectQuery(table, cols string) *SelectQuery {
	return &SelectQuery{table: table, cols: cols}
}

// Where adds a condition. Each "?" in clause is replaced by the next placeholder.
func (q *SelectQuery) Where(clause string, args ...interface{}) *SelectQuery {
	var b strings.Builder
	n := 0
	for _, r := range clause {
		if r == '?' && n < len(args) {
			fmt.Fprintf(&b, "$%d", len(q.args)+n+1)
			n++
			continue
		}
		b.WriteRune(r)
	}
	q.where = append(q.where, b.String())
	q.args = append(q.args, args...)
	return q
}

// WhereEq adds "column = value" unless value is empty.
func (q *SelectQuery) WhereEq(column, value string) *SelectQuery {
	if value == "" {
		return q
	}
	return q.Where(column+" = ?", value)
}

func (q *SelectQuery) OrderBy(orderBy string) *SelectQuery {
	q.orderBy = orderBy
	return q
}

func (q *SelectQuery) whereSQL() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

func (q *SelectQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", q.table, q.whereSQL())
}

func (q *SelectQuery) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the data query with ORDER BY and LIMIT/OFFSET placeholders.
func (q *SelectQuery) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s%s", q.cols, q.table, q.whereSQL())
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	n := len(q.args)
	return sql + fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2)
}

func (q *SelectQuery) DataArgs(limit, offset int) []interface{} {
	out := make([]interface{}, len(q.args), len(q.args)+2)
	copy(out, q.args)
	return append(out, limit, offset)
}
