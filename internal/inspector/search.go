package inspector

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"debugprobe/pkg/domain"
)

// SearchInDatabase 全库关键字搜索：逐用户表限定文本列做 LIKE，
// 统计命中数并带回预览行与全部命中 rowid，按命中数降序排列。
func (ins *Inspector) SearchInDatabase(
	ctx context.Context,
	id domain.DatabaseID,
	keyword string,
	maxResultsPerTable int,
) ([]TableSearchResult, error) {
	if keyword == "" {
		return nil, newError(CodeInvalidQuery, "搜索关键字为空")
	}
	if maxResultsPerTable < 1 {
		maxResultsPerTable = 10
	}
	pattern := "%" + EscapeLikeKeyword(keyword) + "%"

	var results []TableSearchResult
	err := ins.withConn(ctx, id, func(ctx context.Context, db *sql.DB) error {
		tables, err := userTables(ctx, db)
		if err != nil {
			return err
		}
		for _, table := range tables {
			r, err := searchTable(ctx, db, table, pattern, maxResultsPerTable)
			if err != nil {
				// 单表失败不终止整库搜索
				ins.log.Debug("表搜索失败", "table", table, "error", err)
				continue
			}
			if r != nil {
				results = append(results, *r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].MatchCount > results[j].MatchCount
	})
	return results, nil
}

func userTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// searchTable 在单表的文本列上搜索。无可搜索列时返回 nil。
func searchTable(ctx context.Context, db *sql.DB, table, pattern string, limit int) (*TableSearchResult, error) {
	if !ValidIdent(table) {
		return nil, nil
	}
	cols, err := searchableColumns(ctx, db, table)
	if err != nil || len(cols) == 0 {
		return nil, err
	}

	var where strings.Builder
	args := make([]any, 0, len(cols))
	for i, c := range cols {
		if i > 0 {
			where.WriteString(" OR ")
		}
		where.WriteString(QuoteIdent(c) + ` LIKE ? ESCAPE '\'`)
		args = append(args, pattern)
	}
	cond := where.String()

	var count int64
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+QuoteIdent(table)+" WHERE "+cond, args...).Scan(&count); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	r := &TableSearchResult{Table: table, MatchCount: count}

	idRows, err := db.QueryContext(ctx,
		"SELECT rowid FROM "+QuoteIdent(table)+" WHERE "+cond, args...)
	if err != nil {
		return nil, err
	}
	for idRows.Next() {
		var rid int64
		if err := idRows.Scan(&rid); err != nil {
			idRows.Close()
			return nil, err
		}
		r.RowIDs = append(r.RowIDs, rid)
	}
	if err := idRows.Err(); err != nil {
		idRows.Close()
		return nil, err
	}
	idRows.Close()

	preview, err := scanRows(ctx, db,
		"SELECT rowid AS _rowid, * FROM "+QuoteIdent(table)+" WHERE "+cond+" LIMIT ?",
		append(append([]any{}, args...), limit)...)
	if err != nil {
		return nil, err
	}
	r.Preview = *preview
	return r, nil
}

// searchableColumns 文本亲和列 + 未声明类型列
func searchableColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+QuoteIdent(table)+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var cid, notnull, pk int
		var name, declType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &declType, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		if textAffinity(declType) && ValidIdent(name) {
			cols = append(cols, name)
		}
	}
	return cols, rows.Err()
}
