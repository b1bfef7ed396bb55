// Package migrations 内嵌 vaultd 的 MySQL schema 迁移脚本，
// 按文件名前缀的版本号顺序执行。
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
