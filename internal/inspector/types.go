package inspector

import (
	"context"
	"fmt"

	"debugprobe/pkg/domain"
)

// 结构化错误码，随 DBResponse 返回，从不向宿主抛出
const (
	CodeDatabaseNotFound = "DatabaseNotFound"
	CodeTableNotFound    = "TableNotFound"
	CodeInvalidQuery     = "InvalidQuery"
	CodeTimeout          = "Timeout"
	CodeAccessDenied     = "AccessDenied"
	CodeInternalError    = "InternalError"
)

// Error 巡检错误
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// EncryptionStatus 加密可用性分类
type EncryptionStatus string

const (
	EncryptionNone     EncryptionStatus = "none"
	EncryptionUnlocked EncryptionStatus = "unlocked"
	EncryptionLocked   EncryptionStatus = "locked"
)

// KeyProvider 密钥来源，允许异步返回口令或 x'HEX' 密钥字面量
type KeyProvider func(ctx context.Context) (string, error)

// Descriptor 宿主注册的数据库描述，注册时绑定唯一文件路径
type Descriptor struct {
	ID          domain.DatabaseID `json:"id"`
	Name        string            `json:"name"`
	Kind        string            `json:"kind"`
	Path        string            `json:"path"`
	IsEncrypted bool              `json:"isEncrypted"`
	IsSensitive bool              `json:"isSensitive"`
	// PreparationStatements 解锁后按序执行的 PRAGMA（如 cipher_compatibility）
	PreparationStatements []string `json:"preparationStatements,omitempty"`
}

// DatabaseSummary list_databases 的单库结果
type DatabaseSummary struct {
	ID               domain.DatabaseID `json:"id"`
	Name             string            `json:"name"`
	Kind             string            `json:"kind"`
	SizeBytes        int64             `json:"sizeBytes"`
	TableCount       int               `json:"tableCount"`
	EncryptionStatus EncryptionStatus  `json:"encryptionStatus"`
	IsSensitive      bool              `json:"isSensitive,omitempty"`
}

// ColumnInfo PRAGMA table_info 的一行
type ColumnInfo struct {
	CID          int    `json:"cid"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	NotNull      bool   `json:"notNull"`
	DefaultValue any    `json:"defaultValue,omitempty"`
	PrimaryKey   bool   `json:"primaryKey"`
}

// ResultSet 行集。分页、按 rowid 取行与搜索预览的首列为 _rowid 供 Hub 侧高亮；
// ExecuteQuery 的结果只含查询语句自身的列。
type ResultSet struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

// TablePage 分页结果
type TablePage struct {
	ResultSet
	Page      int   `json:"page"`
	PageSize  int   `json:"pageSize"`
	TotalRows int64 `json:"totalRows"`
}

// TableSearchResult 单表搜索结果
type TableSearchResult struct {
	Table      string    `json:"table"`
	MatchCount int64     `json:"matchCount"`
	RowIDs     []int64   `json:"rowIds"`
	Preview    ResultSet `json:"preview"`
}
