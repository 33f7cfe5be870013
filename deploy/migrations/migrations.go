package migrations

import "embed"

// Files 暴露兑换历史的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
