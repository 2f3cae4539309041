// Package notify 把命令结束事件推送给外部系统，例如 CI 面板或聊天机器人。
package notify

import (
	"time"

	"yqhp/buildfleet/pkg/types"
)

// EventCommandFinished 是命令进入终止状态时的事件类型。
const EventCommandFinished = "command.finished"

// Event 是推送给外部系统的一条事件。
type Event struct {
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Command   *types.CommandInfo `json:"command"`
}

// Notifier 接收进入终止状态的命令。Notify 在引擎锁内调用，不得阻塞。
type Notifier interface {
	Notify(info *types.CommandInfo)
}

// NotifierFunc 把普通函数适配为 Notifier。
type NotifierFunc func(info *types.CommandInfo)

// Notify 调用 f(info)。
func (f NotifierFunc) Notify(info *types.CommandInfo) {
	f(info)
}
