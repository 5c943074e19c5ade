// Package tokenizer 为升级引擎的提示提示词提供 token 计数。
// 优先使用 tiktoken 编码，编码不可用(离线、未知编码)时回退到按字符估算。
package tokenizer
