// Package tlsutil 提供集中式 TLS 配置，为 backend adapter 与 RAG worker 的
// 出站 HTTP 客户端提供安全加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件）
// 以及按 host 的连接池上限。
package tlsutil
