package inspector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"debugprobe/internal/logger"
	"debugprobe/pkg/domain"
)

const (
	queryBudget    = 10 * time.Second
	busyTimeoutMS  = 5000
	maxResultRows  = 1000
	maxPageSize    = 500
)

// Inspector 已注册数据库的只读巡检面。
// 每次操作独立开关连接，不缓存句柄，避免与宿主读写产生一致性问题。
type Inspector struct {
	mu        sync.Mutex
	databases map[domain.DatabaseID]Descriptor
	keys      map[domain.DatabaseID]KeyProvider
	log       logger.Logger
}

// New 创建巡检器
func New(l logger.Logger) *Inspector {
	if l == nil {
		l = logger.NewNop()
	}
	return &Inspector{
		databases: make(map[domain.DatabaseID]Descriptor),
		keys:      make(map[domain.DatabaseID]KeyProvider),
		log:       l,
	}
}

// Register 注册数据库描述，重复 ID 覆盖
func (ins *Inspector) Register(d Descriptor, key KeyProvider) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	if d.Kind == "" {
		d.Kind = "sqlite"
	}
	ins.databases[d.ID] = d
	if key != nil {
		ins.keys[d.ID] = key
	} else {
		delete(ins.keys, d.ID)
	}
}

// Unregister 摘除描述
func (ins *Inspector) Unregister(id domain.DatabaseID) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	delete(ins.databases, id)
	delete(ins.keys, id)
}

// ListDatabases 枚举全部描述：文件大小不开库即取；
// 表数量尝试最小化打开统计，打不开的库以 tableCount=0 出现。
func (ins *Inspector) ListDatabases(ctx context.Context) []DatabaseSummary {
	ins.mu.Lock()
	descs := make([]Descriptor, 0, len(ins.databases))
	for _, d := range ins.databases {
		descs = append(descs, d)
	}
	ins.mu.Unlock()

	out := make([]DatabaseSummary, 0, len(descs))
	for _, d := range descs {
		s := DatabaseSummary{ID: d.ID, Name: d.Name, Kind: d.Kind, IsSensitive: d.IsSensitive}
		if info, err := os.Stat(d.Path); err == nil {
			s.SizeBytes = info.Size()
		}
		switch {
		case !d.IsEncrypted:
			s.EncryptionStatus = EncryptionNone
		case ins.keyFor(d.ID) != nil:
			s.EncryptionStatus = EncryptionUnlocked
		default:
			s.EncryptionStatus = EncryptionLocked
		}
		if !d.IsSensitive && s.EncryptionStatus != EncryptionLocked {
			if n, err := ins.countTables(ctx, d); err == nil {
				s.TableCount = n
			} else {
				s.TableCount = 0
				if d.IsEncrypted {
					s.EncryptionStatus = EncryptionLocked
				}
			}
		}
		out = append(out, s)
	}
	return out
}

// ListTables 用户表清单（排除 sqlite_ 内部表）
func (ins *Inspector) ListTables(ctx context.Context, id domain.DatabaseID) ([]string, error) {
	var tables []string
	err := ins.withConn(ctx, id, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			tables = append(tables, name)
		}
		return rows.Err()
	})
	return tables, err
}

// DescribeTable 列结构
func (ins *Inspector) DescribeTable(ctx context.Context, id domain.DatabaseID, table string) ([]ColumnInfo, error) {
	if !ValidIdent(table) {
		return nil, newError(CodeInvalidQuery, "非法表名: %q", table)
	}
	var cols []ColumnInfo
	err := ins.withConn(ctx, id, func(ctx context.Context, db *sql.DB) error {
		if err := ins.ensureTable(ctx, db, table); err != nil {
			return err
		}
		rows, err := db.QueryContext(ctx, "PRAGMA table_info("+QuoteIdent(table)+")")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c ColumnInfo
			var notnull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&c.CID, &c.Name, &c.Type, &notnull, &dflt, &pk); err != nil {
				return err
			}
			c.NotNull = notnull != 0
			c.PrimaryKey = pk != 0
			if dflt.Valid {
				c.DefaultValue = dflt.String
			}
			cols = append(cols, c)
		}
		return rows.Err()
	})
	return cols, err
}

// FetchTablePage 分页读行。pageSize 夹逼到 [1,500]；给定 targetRowId 时
// 先计算该 rowid 的绝对行号并改写 page 使其落在返回页内。
// 每行隐含携带 _rowid 列。
func (ins *Inspector) FetchTablePage(
	ctx context.Context,
	id domain.DatabaseID,
	table string,
	page, pageSize int,
	orderBy string,
	ascending bool,
	targetRowID *int64,
) (*TablePage, error) {
	if !ValidIdent(table) {
		return nil, newError(CodeInvalidQuery, "非法表名: %q", table)
	}
	if orderBy != "" && !ValidIdent(orderBy) {
		return nil, newError(CodeInvalidQuery, "非法排序列: %q", orderBy)
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if page < 1 {
		page = 1
	}

	var result *TablePage
	err := ins.withConn(ctx, id, func(ctx context.Context, db *sql.DB) error {
		if err := ins.ensureTable(ctx, db, table); err != nil {
			return err
		}

		var total int64
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+QuoteIdent(table)).Scan(&total); err != nil {
			return err
		}

		orderClause := ""
		if orderBy != "" {
			dir := "DESC"
			if ascending {
				dir = "ASC"
			}
			orderClause = " ORDER BY " + QuoteIdent(orderBy) + " " + dir
		}

		if targetRowID != nil {
			ordinal, err := ins.rowOrdinal(ctx, db, table, orderClause, orderBy, ascending, *targetRowID)
			if err == nil && ordinal > 0 {
				page = int((ordinal-1)/int64(pageSize)) + 1
			}
		}

		query := "SELECT rowid AS _rowid, * FROM " + QuoteIdent(table) + orderClause + " LIMIT ? OFFSET ?"
		rs, err := scanRows(ctx, db, query, pageSize, (page-1)*pageSize)
		if err != nil {
			return err
		}
		result = &TablePage{ResultSet: *rs, Page: page, PageSize: pageSize, TotalRows: total}
		return nil
	})
	return result, err
}

// rowOrdinal 计算 rowid 的绝对行号（1 起）。
// 有排序子句时用窗口函数；无排序时退化为 rowid 前缀计数。
func (ins *Inspector) rowOrdinal(
	ctx context.Context,
	db *sql.DB,
	table, orderClause, orderBy string,
	ascending bool,
	rowID int64,
) (int64, error) {
	var ordinal int64
	if orderBy != "" {
		dir := "DESC"
		if ascending {
			dir = "ASC"
		}
		query := "SELECT rn FROM (SELECT rowid AS rid, ROW_NUMBER() OVER (ORDER BY " +
			QuoteIdent(orderBy) + " " + dir + ") AS rn FROM " + QuoteIdent(table) + ") WHERE rid = ?"
		err := db.QueryRowContext(ctx, query, rowID).Scan(&ordinal)
		return ordinal, err
	}
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+QuoteIdent(table)+" WHERE rowid <= ?", rowID).Scan(&ordinal)
	return ordinal, err
}

// ExecuteQuery 受限只读查询：SELECT 前缀 + 整词黑名单 + 10s 看门狗 +
// 1000 行硬上限。看门狗触发连接中断原语后返回 Timeout。
func (ins *Inspector) ExecuteQuery(ctx context.Context, id domain.DatabaseID, query string) (*ResultSet, error) {
	if err := ValidateQuery(query); err != nil {
		return nil, err
	}
	var result *ResultSet
	err := ins.withConn(ctx, id, func(ctx context.Context, db *sql.DB) error {
		rs, err := scanRows(ctx, db, query)
		if err != nil {
			return err
		}
		result = rs
		return nil
	})
	return result, err
}

// FetchRowsByRowIDs 按 rowid 列表取行
func (ins *Inspector) FetchRowsByRowIDs(ctx context.Context, id domain.DatabaseID, table string, rowIDs []int64) (*ResultSet, error) {
	if !ValidIdent(table) {
		return nil, newError(CodeInvalidQuery, "非法表名: %q", table)
	}
	if len(rowIDs) == 0 {
		return &ResultSet{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(rowIDs)), ",")
	args := make([]any, len(rowIDs))
	for i, r := range rowIDs {
		args[i] = r
	}
	var result *ResultSet
	err := ins.withConn(ctx, id, func(ctx context.Context, db *sql.DB) error {
		if err := ins.ensureTable(ctx, db, table); err != nil {
			return err
		}
		rs, err := scanRows(ctx, db,
			"SELECT rowid AS _rowid, * FROM "+QuoteIdent(table)+" WHERE rowid IN ("+placeholders+")", args...)
		if err != nil {
			return err
		}
		result = rs
		return nil
	})
	return result, err
}

// withConn 连接纪律：按操作打开只读连接，设 busy_timeout，
// 必要时应用加密密钥，执行完毕即关闭。看门狗通过上下文取消触发中断。
func (ins *Inspector) withConn(ctx context.Context, id domain.DatabaseID, fn func(context.Context, *sql.DB) error) error {
	desc, ok := ins.descFor(id)
	if !ok {
		return newError(CodeDatabaseNotFound, "数据库未注册: %s", id)
	}
	if desc.IsSensitive {
		return newError(CodeAccessDenied, "数据库 %s 标记为敏感，拒绝巡检", id)
	}

	ctx, cancel := context.WithTimeout(ctx, queryBudget)
	defer cancel()

	db, err := sql.Open("sqlite", "file:"+desc.Path+"?mode=ro")
	if err != nil {
		return newError(CodeInternalError, "打开数据库失败: %v", err)
	}
	defer db.Close()
	// 单连接：PRAGMA 与后续查询必须落在同一条连接上
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS)); err != nil {
		return ins.wrapErr(ctx, err)
	}

	if desc.IsEncrypted {
		if err := ins.applyKey(ctx, db, desc); err != nil {
			return err
		}
	}

	if err := fn(ctx, db); err != nil {
		return ins.wrapErr(ctx, err)
	}
	return nil
}

// applyKey 解锁顺序：取密钥 → 校验 → PRAGMA key → 预备语句 → sqlite_master 探针
func (ins *Inspector) applyKey(ctx context.Context, db *sql.DB, desc Descriptor) error {
	provider := ins.keyFor(desc.ID)
	if provider == nil {
		return newError(CodeAccessDenied, "数据库 %s 已加密且无密钥提供者", desc.ID)
	}
	key, err := provider(ctx)
	if err != nil {
		return newError(CodeAccessDenied, "获取密钥失败: %v", err)
	}
	literal, kerr := validateKey(key)
	if kerr != nil {
		return kerr
	}
	if _, err := db.ExecContext(ctx, `PRAGMA key = "`+literal+`"`); err != nil {
		return newError(CodeAccessDenied, "Invalid encryption key: %v", err)
	}
	for _, stmt := range desc.PreparationStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return newError(CodeAccessDenied, "预备语句执行失败: %v", err)
		}
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		return newError(CodeAccessDenied, "Invalid encryption key")
	}
	return nil
}

var hexKeyRe = regexp.MustCompile(`^x'([0-9A-Fa-f]+)'$`)

// validateKey 口令或 x'HEX'（HEX 长度 64/96）两种形态
func validateKey(key string) (string, *Error) {
	if key == "" {
		return "", newError(CodeAccessDenied, "Invalid encryption key: empty")
	}
	if m := hexKeyRe.FindStringSubmatch(key); m != nil {
		if n := len(m[1]); n != 64 && n != 96 {
			return "", newError(CodeAccessDenied, "Invalid encryption key: hex length %d", n)
		}
		return key, nil
	}
	// 口令内的双引号转义后嵌入 PRAGMA 字面量
	return strings.ReplaceAll(key, `"`, `""`), nil
}

func (ins *Inspector) countTables(ctx context.Context, d Descriptor) (int, error) {
	var n int
	err := ins.withConn(ctx, d.ID, func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&n)
	})
	return n, err
}

// ensureTable 表存在性检查，换取精确的 TableNotFound
func (ins *Inspector) ensureTable(ctx context.Context, db *sql.DB, table string) error {
	var n int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return newError(CodeTableNotFound, "表不存在: %s", table)
	}
	return nil
}

func (ins *Inspector) descFor(id domain.DatabaseID) (Descriptor, bool) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	d, ok := ins.databases[id]
	return d, ok
}

func (ins *Inspector) keyFor(id domain.DatabaseID) KeyProvider {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.keys[id]
}

// wrapErr 统一错误分类：上下文超时归 Timeout，巡检错误原样，其余内部错误
func (ins *Inspector) wrapErr(ctx context.Context, err error) error {
	var ierr *Error
	if errors.As(err, &ierr) {
		return ierr
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeTimeout, "查询超出 %s 预算被中断", queryBudget)
	}
	return newError(CodeInternalError, "%v", err)
}

// scanRows 通用行扫描，硬上限 1000 行；字符串绑定由驱动按值拷贝持有
func scanRows(ctx context.Context, db *sql.DB, query string, args ...any) (*ResultSet, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		if len(rs.Rows) >= maxResultRows {
			rs.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}
