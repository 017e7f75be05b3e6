package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"debugprobe/internal/inspector"
	"debugprobe/internal/kernel"
	"debugprobe/pkg/domain"
)

const DatabasePluginID domain.PluginID = "database"

// DatabasePlugin SQLite 巡检插件。db_command 信封包一层 DBCommand，
// 巡检错误结构化返回，从不向宿主抛出。
type DatabasePlugin struct {
	kernel.BasePlugin

	ins     *inspector.Inspector
	enabled atomic.Bool
}

// NewDatabasePlugin 创建插件
func NewDatabasePlugin(ins *inspector.Inspector) *DatabasePlugin {
	p := &DatabasePlugin{ins: ins}
	p.PluginID = DatabasePluginID
	p.Name = "数据库巡检"
	p.Ver = "1.0.0"
	return p
}

func (p *DatabasePlugin) Start() error  { p.enabled.Store(true); return nil }
func (p *DatabasePlugin) Stop() error   { p.enabled.Store(false); return nil }
func (p *DatabasePlugin) Pause() error  { p.enabled.Store(false); return nil }
func (p *DatabasePlugin) Resume() error { p.enabled.Store(true); return nil }

func (p *DatabasePlugin) HandleCommand(cmd domain.PluginCommand) domain.PluginCommandResponse {
	switch cmd.CommandType {
	case CmdEnable:
		p.enabled.Store(true)
		return okJSON(cmd, statusPayload{Enabled: true})
	case CmdDisable:
		p.enabled.Store(false)
		return okJSON(cmd, statusPayload{Enabled: false})
	case CmdGetStatus:
		return okJSON(cmd, statusPayload{Enabled: p.enabled.Load()})
	case CmdDBCommand:
		if !p.enabled.Load() {
			return domain.FailResponse(cmd, inspector.CodeAccessDenied, "database plugin disabled")
		}
		return p.handleDBCommand(cmd)
	default:
		return unknownCommand(cmd)
	}
}

// handleDBCommand DBCommand 分发。kind ∈ {listDatabases, listTables,
// describeTable, fetchTablePage, executeQuery, searchDatabase,
// fetchRowsByRowIds}
func (p *DatabasePlugin) handleDBCommand(cmd domain.PluginCommand) domain.PluginCommandResponse {
	ctx := context.Background()
	doc := gjson.ParseBytes(cmd.Payload)
	dbID := domain.DatabaseID(doc.Get("databaseId").String())

	var payload any
	var err error
	switch doc.Get("kind").String() {
	case "listDatabases":
		payload = p.ins.ListDatabases(ctx)
	case "listTables":
		payload, err = p.ins.ListTables(ctx, dbID)
	case "describeTable":
		payload, err = p.ins.DescribeTable(ctx, dbID, doc.Get("table").String())
	case "fetchTablePage":
		var target *int64
		if t := doc.Get("targetRowId"); t.Exists() {
			v := t.Int()
			target = &v
		}
		ascending := true
		if a := doc.Get("ascending"); a.Exists() {
			ascending = a.Bool()
		}
		payload, err = p.ins.FetchTablePage(
			ctx, dbID,
			doc.Get("table").String(),
			int(doc.Get("page").Int()),
			int(doc.Get("pageSize").Int()),
			doc.Get("orderBy").String(),
			ascending,
			target,
		)
	case "executeQuery":
		payload, err = p.ins.ExecuteQuery(ctx, dbID, doc.Get("sql").String())
	case "searchDatabase":
		max := int(doc.Get("maxResultsPerTable").Int())
		payload, err = p.ins.SearchInDatabase(ctx, dbID, doc.Get("keyword").String(), max)
	case "fetchRowsByRowIds":
		var rowIDs []int64
		for _, r := range doc.Get("rowIds").Array() {
			rowIDs = append(rowIDs, r.Int())
		}
		payload, err = p.ins.FetchRowsByRowIDs(ctx, dbID, doc.Get("table").String(), rowIDs)
	default:
		return domain.FailResponse(cmd, inspector.CodeInvalidQuery, "unknown db command kind")
	}

	if err != nil {
		var ierr *inspector.Error
		if errors.As(err, &ierr) {
			return domain.FailResponse(cmd, ierr.Code, ierr.Message)
		}
		return domain.FailResponse(cmd, inspector.CodeInternalError, err.Error())
	}
	data, merr := json.Marshal(payload)
	if merr != nil {
		return domain.FailResponse(cmd, inspector.CodeInternalError, merr.Error())
	}
	return domain.OKResponse(cmd, data)
}
