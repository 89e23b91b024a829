// Package notify 提供尽力而为的外部通知：发送失败只记日志，绝不影响交易循环。
package notify

import "context"

// Sender 发送一条文本通知。
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Nop 在通知未启用时使用。
type Nop struct{}

func (Nop) Send(context.Context, string) error { return nil }
